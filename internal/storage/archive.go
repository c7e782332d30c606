package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Archive keeps a snappy-compressed copy of every delivered batch,
// grouped by anonymous id and UTC day.
type Archive struct {
	store  ObjectStorage
	prefix string
	now    func() time.Time
}

// NewArchive creates an archive writing under prefix in store.
func NewArchive(store ObjectStorage, prefix string) *Archive {
	return &Archive{store: store, prefix: prefix, now: time.Now}
}

// Store compresses payload and writes it, returning the object key.
func (a *Archive) Store(ctx context.Context, anonymousID string, payload []byte) (string, error) {
	key := a.key(anonymousID, a.now(), uuid.NewString())
	if err := a.store.Put(ctx, key, snappy.Encode(nil, payload)); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return key, nil
}

// Load reads and decompresses an archived batch.
func (a *Archive) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	payload, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("archive: corrupt object %s: %w", key, err)
	}
	return payload, nil
}

// Keys lists the archived batches of one anonymous id.
func (a *Archive) Keys(ctx context.Context, anonymousID string) ([]string, error) {
	return a.store.List(ctx, path.Join(a.prefix, "batches", escapeID(anonymousID))+"/")
}

func (a *Archive) key(anonymousID string, t time.Time, id string) string {
	return path.Join(a.prefix, "batches", escapeID(anonymousID), t.UTC().Format("20060102"), id+".json.sz")
}

func escapeID(anonymousID string) string {
	if anonymousID == "" {
		return "_unknown"
	}
	return url.PathEscape(anonymousID)
}
