package batch

import (
	"os"
	"testing"
	"time"

	"github.com/arkilian/courier/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSentAt_ReplacesTimestamp(t *testing.T) {
	in := []byte(`{"batch":[{"anonymousId":"a"}],"sentAt":"2024-01-01T00:00:00.000Z"}`)
	out, err := WithSentAt(in, time.Date(2025, 6, 7, 8, 9, 10, 11_000_000, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, `{"batch":[{"anonymousId":"a"}],"sentAt":"2025-06-07T08:09:10.011Z"}`, string(out))
	assert.Len(t, out, len(in))
	assert.Contains(t, string(in), "2024-01-01", "input must not be modified")
}

func TestWithSentAt_RejectsMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`{"batch":[{"a":1}`,
		`{"batch":[{"a":1}],"sentAt":"2024-01-01T00:00:00.000Z"`,
		`{"other":[{"a":1}],"sentAt":"2024-01-01T00:00:00.000Z"}`,
		`{"batch":[{"a":1}],"sentXX":"2024-01-01T00:00:00.000Z"}`,
	} {
		_, err := WithSentAt([]byte(in), time.Now())
		assert.ErrorIs(t, err, ErrMalformedBatch, in)
	}
}

func TestAnonymousID(t *testing.T) {
	id, err := AnonymousID([]byte(`{"batch":[{"anonymousId":"dev-1"},{"anonymousId":"dev-1"}],"sentAt":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)

	id, err = AnonymousID([]byte(`{"batch":[{"type":"track"}],"sentAt":"x"}`))
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = AnonymousID([]byte(`{"batch":[`))
	assert.ErrorIs(t, err, ErrMalformedBatch)
}

func TestFinalizedFile_RoundTripsThroughHelpers(t *testing.T) {
	m := newManager(t, t.TempDir(), kvstore.NewMemoryStore(), DefaultMaxBatchSize)
	require.NoError(t, m.StoreEvent([]byte(`{"anonymousId":"anon-7"}`)))
	require.NoError(t, m.Rollover())

	paths, err := m.Read()
	require.NoError(t, err)
	require.Len(t, paths, 1)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	id, err := AnonymousID(data)
	require.NoError(t, err)
	assert.Equal(t, "anon-7", id)

	_, err = WithSentAt(data, time.Now())
	assert.NoError(t, err)
}
