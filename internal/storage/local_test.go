package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_PutGet(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b/object.json", []byte("hello")))

	data, err := store.Get(ctx, "a/b/object.json")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Put(ctx, "a/b/object.json", []byte("replaced")))
	data, err = store.Get(ctx, "a/b/object.json")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	_, err = store.Get(ctx, "a/b/missing.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_ListSkipsPartialWrites(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "x/1", []byte("one")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "2.partial"), []byte("half"), 0o644))

	keys, err := store.List(ctx, "x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1"}, keys)
}

func TestLocalStorage_ListByPrefix(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"x/2", "x/1", "y/1"} {
		require.NoError(t, store.Put(ctx, key, []byte(key)))
	}

	keys, err := store.List(ctx, "x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2"}, keys)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Put(ctx, "k", nil), context.Canceled)
}
