package transport

import (
	"context"
	"log/slog"
	"sync"
)

// Archiver keeps a copy of delivered batches.
type Archiver interface {
	Store(ctx context.Context, anonymousID string, payload []byte) (string, error)
}

// ArchivingSender mirrors every accepted batch to an Archiver. Archive
// failures are logged and never change the delivery result.
type ArchivingSender struct {
	next    Sender
	archive Archiver
	logger  *slog.Logger

	mu          sync.RWMutex
	anonymousID string
}

// NewArchivingSender wraps next.
func NewArchivingSender(next Sender, archive Archiver, logger *slog.Logger) *ArchivingSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchivingSender{next: next, archive: archive, logger: logger}
}

// SetAnonymousID implements Sender.
func (a *ArchivingSender) SetAnonymousID(anonymousID string) {
	a.mu.Lock()
	a.anonymousID = anonymousID
	a.mu.Unlock()
	a.next.SetAnonymousID(anonymousID)
}

// Send implements Sender.
func (a *ArchivingSender) Send(ctx context.Context, payload []byte) Result {
	result := a.next.Send(ctx, payload)
	if !result.Success() {
		return result
	}

	a.mu.RLock()
	id := a.anonymousID
	a.mu.RUnlock()

	key, err := a.archive.Store(ctx, id, payload)
	if err != nil {
		a.logger.Warn("batch archive failed", "error", err, "anonymous_id", id)
		return result
	}
	a.logger.Debug("batch archived", "key", key)
	return result
}
