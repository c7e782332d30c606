package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_StringRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetString("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SetString("last.anonymous.id", "a1"))
			require.NoError(t, s.SetString("last.anonymous.id", "a2"))
			v, err := s.GetString("last.anonymous.id")
			require.NoError(t, err)
			assert.Equal(t, "a2", v)

			require.NoError(t, s.Remove("last.anonymous.id"))
			_, err = s.GetString("last.anonymous.id")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_IntHelpers(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			n, err := GetInt(s, "file.index", 7)
			require.NoError(t, err)
			assert.Equal(t, int64(7), n)

			require.NoError(t, SetInt(s, "file.index", 42))
			n, err = GetInt(s, "file.index", 0)
			require.NoError(t, err)
			assert.Equal(t, int64(42), n)

			require.NoError(t, s.SetString("file.index", "not-a-number"))
			_, err = GetInt(s, "file.index", 0)
			assert.Error(t, err)
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, SetInt(s, "events.file.index", 3))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	n, err := GetInt(s, "events.file.index", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
