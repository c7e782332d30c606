package main

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/courier/internal/transport"
)

const sampleBatch = `{"batch":[{"type":"track","event":"opened","anonymousId":"a1"}],"sentAt":"2024-01-02T03:04:05.000Z"}`

func newTestCollector(key string) *collector {
	return newCollector(key, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func batchRequestFor(t *testing.T, body []byte, key string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, transport.BatchPath, bytes.NewReader(body))
	req.SetBasicAuth(key, "")
	req.Header.Set(transport.AnonymousIDHeader, base64.StdEncoding.EncodeToString([]byte("a1")))
	return req
}

func TestCollector_AcceptsBatch(t *testing.T) {
	c := newTestCollector("key")
	rec := httptest.NewRecorder()

	c.ServeHTTP(rec, batchRequestFor(t, []byte(sampleBatch), "key"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), c.batches.Load())
	assert.Equal(t, int64(1), c.events.Load())
}

func TestCollector_AcceptsGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sampleBatch))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	c := newTestCollector("")
	req := batchRequestFor(t, buf.Bytes(), "any")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()

	c.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), c.events.Load())
}

func TestCollector_RejectsWrongKey(t *testing.T) {
	c := newTestCollector("key")
	rec := httptest.NewRecorder()

	c.ServeHTTP(rec, batchRequestFor(t, []byte(sampleBatch), "other"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, c.batches.Load())
}

func TestCollector_RejectsMissingAuth(t *testing.T) {
	c := newTestCollector("")
	req := httptest.NewRequest(http.MethodPost, transport.BatchPath, strings.NewReader(sampleBatch))
	rec := httptest.NewRecorder()

	c.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCollector_RejectsBadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"empty batch", `{"batch":[],"sentAt":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestCollector("").ServeHTTP(rec, batchRequestFor(t, []byte(tt.body), "k"))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCollector_RejectsBadAnonymousID(t *testing.T) {
	req := batchRequestFor(t, []byte(sampleBatch), "k")
	req.Header.Set(transport.AnonymousIDHeader, "%%%")
	rec := httptest.NewRecorder()

	newTestCollector("").ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollector_RejectsOversizedBody(t *testing.T) {
	body := bytes.Repeat([]byte("a"), maxBodySize+1)
	rec := httptest.NewRecorder()

	newTestCollector("").ServeHTTP(rec, batchRequestFor(t, body, "k"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCollector_RejectsGet(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestCollector("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, transport.BatchPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCollector_WorksWithHTTPSender(t *testing.T) {
	c := newTestCollector("key")
	srv := httptest.NewServer(c)
	defer srv.Close()

	sender, err := transport.NewHTTPSender(transport.HTTPOptions{BaseURL: srv.URL, WriteKey: "key", Gzip: true})
	require.NoError(t, err)
	sender.SetAnonymousID("a1")

	res := sender.Send(t.Context(), []byte(sampleBatch))

	assert.Equal(t, transport.StatusSuccess, res.Status)
	assert.Equal(t, int64(1), c.batches.Load())
}
