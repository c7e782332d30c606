package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	cerrors "github.com/arkilian/courier/internal/errors"
)

const (
	// BatchPath is appended to the base URL.
	BatchPath = "/v1/batch"

	// AnonymousIDHeader carries the base64-encoded anonymous id.
	AnonymousIDHeader = "AnonymousId"

	DefaultTimeout = 30 * time.Second
)

// HTTPOptions configures an HTTPSender.
type HTTPOptions struct {
	// BaseURL is the collector root, e.g. https://hosted.example.com
	BaseURL string

	// WriteKey authenticates the source
	WriteKey string

	// Gzip compresses request bodies
	Gzip bool

	// Timeout bounds one request; zero means DefaultTimeout
	Timeout time.Duration

	// Client overrides the HTTP client, mainly for tests
	Client *http.Client

	Logger *slog.Logger
}

// HTTPSender posts batches to <BaseURL>/v1/batch.
type HTTPSender struct {
	endpoint      string
	authorization string
	gzip          bool
	client        *http.Client
	logger        *slog.Logger

	mu          sync.RWMutex
	anonymousID string
}

// NewHTTPSender validates opts and creates a sender. An unusable base URL
// or missing write key is a configuration error.
func NewHTTPSender(opts HTTPOptions) (*HTTPSender, error) {
	endpoint, err := batchEndpoint(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.WriteKey == "" {
		return nil, cerrors.NewConfigError("write key is required")
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPSender{
		endpoint:      endpoint,
		authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte(opts.WriteKey+":")),
		gzip:          opts.Gzip,
		client:        client,
		logger:        logger,
	}, nil
}

func batchEndpoint(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig, "invalid data plane url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", cerrors.NewConfigError(fmt.Sprintf("invalid data plane url %q", baseURL))
	}
	return strings.TrimRight(u.String(), "/") + BatchPath, nil
}

// Endpoint returns the full batch URL.
func (s *HTTPSender) Endpoint() string { return s.endpoint }

// SetAnonymousID implements Sender.
func (s *HTTPSender) SetAnonymousID(anonymousID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anonymousID = anonymousID
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, payload []byte) Result {
	body, err := s.encodeBody(payload)
	if err != nil {
		return UnknownFailure(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return UnknownFailure(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.authorization)
	s.mu.RLock()
	if s.anonymousID != "" {
		req.Header.Set(AnonymousIDHeader, base64.StdEncoding.EncodeToString([]byte(s.anonymousID)))
	}
	s.mu.RUnlock()
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return UnknownFailure(ctx.Err())
		}
		if isNetworkError(err) {
			return NetworkUnavailable(err)
		}
		return UnknownFailure(err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	result := Classify(resp.StatusCode)
	s.logger.Debug("batch posted", "status", resp.StatusCode, "bytes", len(body), "gzip", s.gzip)
	return result
}

func (s *HTTPSender) encodeBody(payload []byte) ([]byte, error) {
	if !s.gzip {
		return payload, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

// isNetworkError reports failures to reach the server at all: DNS,
// refused connections, timeouts.
func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
