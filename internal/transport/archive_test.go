package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubSender struct {
	result      Result
	anonymousID string
	sent        int
}

func (s *stubSender) Send(context.Context, []byte) Result { s.sent++; return s.result }
func (s *stubSender) SetAnonymousID(id string)            { s.anonymousID = id }

type recordingArchiver struct {
	ids      []string
	payloads [][]byte
	err      error
}

func (r *recordingArchiver) Store(_ context.Context, id string, payload []byte) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.ids = append(r.ids, id)
	r.payloads = append(r.payloads, payload)
	return "key", nil
}

func TestArchivingSender_ArchivesOnlySuccess(t *testing.T) {
	next := &stubSender{result: Succeeded(200)}
	arch := &recordingArchiver{}
	s := NewArchivingSender(next, arch, nil)

	s.SetAnonymousID("anon")
	assert.Equal(t, "anon", next.anonymousID)

	assert.True(t, s.Send(context.Background(), []byte("a")).Success())
	next.result = Classify(503)
	assert.False(t, s.Send(context.Background(), []byte("b")).Success())

	assert.Equal(t, []string{"anon"}, arch.ids)
	assert.Equal(t, [][]byte{[]byte("a")}, arch.payloads)
}

func TestArchivingSender_ArchiveFailureKeepsResult(t *testing.T) {
	next := &stubSender{result: Succeeded(200)}
	s := NewArchivingSender(next, &recordingArchiver{err: errors.New("bucket gone")}, nil)

	assert.True(t, s.Send(context.Background(), []byte("a")).Success())
	assert.Equal(t, 1, next.sent)
}
