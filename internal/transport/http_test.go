package transport

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/arkilian/courier/internal/errors"
)

type capturedRequest struct {
	path     string
	header   http.Header
	body     []byte
	encoding string
}

type collector struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	data, _ := io.ReadAll(body)

	c.mu.Lock()
	c.requests = append(c.requests, capturedRequest{
		path:     r.URL.Path,
		header:   r.Header.Clone(),
		body:     data,
		encoding: r.Header.Get("Content-Encoding"),
	})
	status := c.status
	c.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func TestHTTPSender_PostsBatchWithHeaders(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	sender, err := NewHTTPSender(HTTPOptions{BaseURL: srv.URL + "/", WriteKey: "key123"})
	require.NoError(t, err)
	sender.SetAnonymousID("anon-1")

	payload := []byte(`{"batch":[],"sentAt":"2024-01-01T00:00:00.000Z"}`)
	result := sender.Send(context.Background(), payload)
	require.True(t, result.Success())
	assert.Equal(t, http.StatusOK, result.StatusCode)

	require.Len(t, c.requests, 1)
	req := c.requests[0]
	assert.Equal(t, "/v1/batch", req.path)
	assert.Equal(t, payload, req.body)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("key123:")), req.header.Get("Authorization"))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("anon-1")), req.header.Get(AnonymousIDHeader))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Empty(t, req.encoding)
}

func TestHTTPSender_Gzip(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	sender, err := NewHTTPSender(HTTPOptions{BaseURL: srv.URL, WriteKey: "k", Gzip: true})
	require.NoError(t, err)

	payload := []byte(`{"batch":[{"type":"track","event":"x"}],"sentAt":"2024-01-01T00:00:00.000Z"}`)
	require.True(t, sender.Send(context.Background(), payload).Success())
	require.Len(t, c.requests, 1)
	assert.Equal(t, "gzip", c.requests[0].encoding)
	assert.Equal(t, payload, c.requests[0].body)
}

func TestHTTPSender_AnonymousIDChanges(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	sender, err := NewHTTPSender(HTTPOptions{BaseURL: srv.URL, WriteKey: "k"})
	require.NoError(t, err)

	sender.SetAnonymousID("a")
	sender.Send(context.Background(), []byte("{}"))
	sender.SetAnonymousID("b")
	sender.Send(context.Background(), []byte("{}"))

	require.Len(t, c.requests, 2)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("a")), c.requests[0].header.Get(AnonymousIDHeader))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("b")), c.requests[1].header.Get(AnonymousIDHeader))
}

func TestHTTPSender_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Status
		code   string
	}{
		{http.StatusOK, StatusSuccess, ""},
		{http.StatusNoContent, StatusSuccess, ""},
		{http.StatusBadRequest, StatusNonRetryable, cerrors.CodeBadRequest},
		{http.StatusUnauthorized, StatusNonRetryable, cerrors.CodeInvalidWriteKey},
		{http.StatusNotFound, StatusNonRetryable, cerrors.CodeSourceNotFound},
		{http.StatusRequestEntityTooLarge, StatusNonRetryable, cerrors.CodePayloadTooLarge},
		{http.StatusTooManyRequests, StatusRetryable, cerrors.CodeRetryableStatus},
		{http.StatusForbidden, StatusRetryable, cerrors.CodeRetryableStatus},
		{http.StatusInternalServerError, StatusRetryable, cerrors.CodeRetryableStatus},
		{http.StatusServiceUnavailable, StatusRetryable, cerrors.CodeRetryableStatus},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(&collector{status: tt.status})
			defer srv.Close()

			sender, err := NewHTTPSender(HTTPOptions{BaseURL: srv.URL, WriteKey: "k"})
			require.NoError(t, err)

			result := sender.Send(context.Background(), []byte("{}"))
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.status, result.StatusCode)
			assert.Equal(t, tt.code, result.Code())
		})
	}
}

func TestHTTPSender_NetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	url := srv.URL
	srv.Close()

	sender, err := NewHTTPSender(HTTPOptions{BaseURL: url, WriteKey: "k"})
	require.NoError(t, err)

	result := sender.Send(context.Background(), []byte("{}"))
	assert.Equal(t, StatusRetryable, result.Status)
	assert.Equal(t, cerrors.CodeNetworkUnavailable, result.Code())
	assert.True(t, cerrors.IsRetryable(result.Err))
}

func TestHTTPSender_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	defer srv.Close()

	sender, err := NewHTTPSender(HTTPOptions{BaseURL: srv.URL, WriteKey: "k"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := sender.Send(ctx, []byte("{}"))
	assert.Equal(t, StatusRetryable, result.Status)
	assert.Equal(t, cerrors.CodeUnknownFailure, result.Code())
}

func TestNewHTTPSender_RejectsBadConfig(t *testing.T) {
	for _, base := range []string{"", "not a url", "ftp://host", "http://"} {
		_, err := NewHTTPSender(HTTPOptions{BaseURL: base, WriteKey: "k"})
		assert.Error(t, err, base)
		assert.Equal(t, cerrors.ErrCategoryConfig, cerrors.GetCategory(err), base)
	}

	_, err := NewHTTPSender(HTTPOptions{BaseURL: "https://example.com"})
	assert.Equal(t, cerrors.ErrCategoryConfig, cerrors.GetCategory(err))
}

func TestNewHTTPSender_Endpoint(t *testing.T) {
	sender, err := NewHTTPSender(HTTPOptions{BaseURL: "https://dp.example.com/base/", WriteKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://dp.example.com/base/v1/batch", sender.Endpoint())
}
