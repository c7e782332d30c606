package queue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/courier/internal/batch"
	"github.com/arkilian/courier/internal/clock"
	cerrors "github.com/arkilian/courier/internal/errors"
	"github.com/arkilian/courier/internal/notify"
	"github.com/arkilian/courier/internal/observability"
	"github.com/arkilian/courier/internal/transport"
)

// quarantineExt is appended to batch files that cannot be parsed. The
// batch manager ignores them from then on.
const quarantineExt = ".corrupt"

// Backoff paces retries after retryable failures.
type Backoff interface {
	// Wait blocks for the next delay or until ctx is done.
	Wait(ctx context.Context) (time.Duration, error)
	Reset()
}

// UploadOptions configures an EventUpload.
type UploadOptions struct {
	Storage BatchStorage
	Sender  transport.Sender
	Backoff Backoff

	// Clock stamps sentAt; defaults to the real clock
	Clock clock.Clock

	// DiscardInvalid deletes batches answered with 400 or 413
	DiscardInvalid bool

	// OnSourceDisabled is called on 401 and 404 responses
	OnSourceDisabled func()

	// Notifier is optional
	Notifier *notify.Notifier

	Recorder observability.Recorder
	Logger   *slog.Logger
}

// EventUpload sends finalized batch files one at a time, oldest first,
// from a single goroutine.
type EventUpload struct {
	storage        BatchStorage
	sender         transport.Sender
	backoff        Backoff
	clock          clock.Clock
	discardInvalid bool
	onDisabled     func()
	notifier       *notify.Notifier
	recorder       observability.Recorder
	logger         *slog.Logger

	// signal holds at most one pending upload request
	signal chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the upload goroutine
	lastAnonymousID string
}

// outcome tells the pass what to do after one file.
type outcome int

const (
	nextFile outcome = iota
	stopPass
	retryLater
)

// NewEventUpload creates a stopped uploader.
func NewEventUpload(opts UploadOptions) (*EventUpload, error) {
	if opts.Storage == nil {
		return nil, cerrors.NewConfigError("uploader requires batch storage")
	}
	if opts.Sender == nil {
		return nil, cerrors.NewConfigError("uploader requires a sender")
	}
	if opts.Backoff == nil {
		return nil, cerrors.NewConfigError("uploader requires a backoff policy")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnSourceDisabled == nil {
		opts.OnSourceDisabled = func() {}
	}

	return &EventUpload{
		storage:        opts.Storage,
		sender:         opts.Sender,
		backoff:        opts.Backoff,
		clock:          opts.Clock,
		discardInvalid: opts.DiscardInvalid,
		onDisabled:     opts.OnSourceDisabled,
		notifier:       opts.Notifier,
		recorder:       opts.Recorder,
		logger:         opts.Logger,
		signal:         make(chan struct{}, 1),
	}, nil
}

// Start launches the upload goroutine. Calling Start on a running
// uploader is a no-op.
func (u *EventUpload) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.done = make(chan struct{})
	u.running = true

	go u.run(ctx, u.done)
	return nil
}

// Flush requests an upload pass without blocking. Requests made while a
// pass is pending collapse into one.
func (u *EventUpload) Flush() {
	select {
	case u.signal <- struct{}{}:
	default:
	}
}

// Cancel stops the upload goroutine and waits for it to exit. A file that
// is being sent is finished first.
func (u *EventUpload) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return
	}
	u.cancel()
	<-u.done
	u.running = false
}

func (u *EventUpload) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.signal:
			u.pass(ctx)
		}
	}
}

// pass uploads every finalized file in order until one fails.
func (u *EventUpload) pass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("upload pass panicked", slog.Any("panic", r))
		}
	}()

	if err := u.storage.Rollover(); err != nil {
		u.logger.Error("failed to roll over batch file", slog.Any("error", err))
	}
	paths, err := u.storage.Read()
	if err != nil {
		u.logger.Error("failed to list batch files", slog.Any("error", err))
		return
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		switch u.upload(ctx, path) {
		case nextFile:
			continue
		case stopPass:
			return
		case retryLater:
			u.retry(ctx, path)
			return
		}
	}
}

func (u *EventUpload) retry(ctx context.Context, path string) {
	delay, err := u.backoff.Wait(ctx)
	u.recorder.RecordBackoff(ctx, delay)
	if err != nil {
		return
	}
	u.logger.Debug("retrying upload", slog.String("path", path), slog.Duration("waited", delay))
	u.Flush()
}

// upload sends one file. The send is not interrupted by ctx so a file is
// never left half handled.
func (u *EventUpload) upload(ctx context.Context, path string) outcome {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			u.logger.Debug("batch file vanished before upload", slog.String("path", path))
		} else {
			u.logger.Error("failed to read batch file", slog.String("path", path), slog.Any("error", err))
		}
		return nextFile
	}

	payload, err := batch.WithSentAt(data, u.clock.Now())
	var anonymousID string
	if err == nil {
		anonymousID, err = batch.AnonymousID(payload)
	}
	if err != nil {
		u.quarantine(path, err)
		return nextFile
	}
	if anonymousID == "" {
		anonymousID = uuid.NewString()
	}
	if anonymousID != u.lastAnonymousID {
		u.sender.SetAnonymousID(anonymousID)
		u.lastAnonymousID = anonymousID
	}

	sendCtx := context.WithoutCancel(ctx)
	start := u.clock.Now()
	res := u.sender.Send(sendCtx, payload)
	elapsed := u.clock.Now().Sub(start)
	u.recorder.RecordUpload(sendCtx, res.Status.String(), res.Code(), elapsed)

	note := notify.Notification{
		Path:        path,
		AnonymousID: anonymousID,
		SizeBytes:   int64(len(payload)),
		StatusCode:  res.StatusCode,
	}

	switch res.Status {
	case transport.StatusSuccess:
		if err := u.storage.Remove(path); err != nil {
			u.logger.Error("failed to remove delivered batch", slog.String("path", path), slog.Any("error", err))
		}
		u.backoff.Reset()
		observability.LogUploadSuccess(u.logger, path, len(payload), elapsed)
		u.publish(notify.BatchUploaded, note)
		return nextFile

	case transport.StatusRetryable:
		u.logger.Warn("batch upload failed, will retry",
			slog.String("path", path),
			slog.Int("status", res.StatusCode),
			slog.Any("error", res.Err),
		)
		u.publish(notify.BatchFailed, note)
		return retryLater

	default:
		u.backoff.Reset()
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusNotFound {
			u.onDisabled()
		}
		discard := u.discardInvalid &&
			(res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusRequestEntityTooLarge)
		observability.LogUploadRejected(u.logger, path, res.StatusCode, res.Err, discard)
		if !discard {
			u.publish(notify.BatchFailed, note)
			return stopPass
		}
		if err := u.storage.Remove(path); err != nil {
			u.logger.Error("failed to remove rejected batch", slog.String("path", path), slog.Any("error", err))
			return stopPass
		}
		u.publish(notify.BatchDiscarded, note)
		return nextFile
	}
}

// quarantine renames an unparseable file out of the upload order.
func (u *EventUpload) quarantine(path string, cause error) {
	target := path + quarantineExt
	if err := os.Rename(path, target); err != nil {
		u.logger.Error("failed to quarantine batch file", slog.String("path", path), slog.Any("error", err))
		return
	}
	u.logger.Error("quarantined malformed batch file",
		slog.String("path", path),
		slog.String("target", target),
		slog.Any("error", cause),
	)
}

func (u *EventUpload) publish(kind notify.Kind, n notify.Notification) {
	if u.notifier == nil {
		return
	}
	n.Kind = kind
	n.Timestamp = u.clock.Now()
	u.notifier.Publish(n)
}
