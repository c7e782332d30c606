package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchive_StoreAndLoad(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	archive := NewArchive(store, "courier")
	archive.now = func() time.Time { return time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC) }
	ctx := context.Background()

	payload := []byte(`{"batch":[{"type":"track"}],"sentAt":"2024-02-03T04:05:06.000Z"}`)
	key, err := archive.Store(ctx, "device/1", payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "courier/batches/device%2F1/20240203/"), key)
	assert.True(t, strings.HasSuffix(key, ".json.sz"), key)

	raw, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.NotEqual(t, payload, raw, "stored object is compressed")

	got, err := archive.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	keys, err := archive.Keys(ctx, "device/1")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestArchive_LoadCorrupt(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "bad", []byte("not snappy")))

	_, err = NewArchive(store, "").Load(ctx, "bad")
	assert.Error(t, err)
}

func TestArchive_EmptyAnonymousID(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	key, err := NewArchive(store, "p").Store(context.Background(), "", []byte("x"))
	require.NoError(t, err)
	assert.Contains(t, key, "/_unknown/")
}
