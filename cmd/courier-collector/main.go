// Package main implements a development collector that accepts batches on
// /v1/batch and logs them. It answers like a real data plane so the client
// can be exercised end to end without one.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/pflag"

	"github.com/arkilian/courier/internal/server"
	"github.com/arkilian/courier/internal/transport"
)

// maxBodySize mirrors the largest batch a client would send.
const maxBodySize = 4 * 1024 * 1024

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	var (
		addr     string
		writeKey string
		logLevel string
	)
	flagSet := pflag.NewFlagSet("courier-collector", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&addr, "addr", ":8080", "listen address")
	flagSet.StringVar(&writeKey, "write-key", "", "accepted write key; empty accepts any key")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl}))

	shutdownCfg := server.DefaultShutdownConfig()
	shutdownCfg.Logger = logger
	sm := server.NewShutdownManager(shutdownCfg)
	collector := newCollector(writeKey, logger)
	sm.OnShutdownEnd(func() {
		logger.Info("collector stopped",
			slog.Int64("batches", collector.batches.Load()),
			slog.Int64("events", collector.events.Load()),
		)
	})

	mux := http.NewServeMux()
	mux.Handle(transport.BatchPath, collector)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"batches":  collector.batches.Load(),
			"events":   collector.events.Load(),
			"inFlight": sm.InFlightCount(),
		})
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.ShutdownMiddleware(sm)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sm.ListenForSignals(ctx)

	logger.Info("collector listening", slog.String("addr", addr), slog.String("path", transport.BatchPath))
	return server.NewGracefulHTTPServer(httpServer, sm).ListenAndServe()
}

// collector validates and logs batch requests.
type collector struct {
	writeKey string
	logger   *slog.Logger

	batches atomic.Int64
	events  atomic.Int64
}

func newCollector(writeKey string, logger *slog.Logger) *collector {
	return &collector{writeKey: writeKey, logger: logger}
}

type batchRequest struct {
	Batch  []json.RawMessage `json:"batch"`
	SentAt string            `json:"sentAt"`
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ok := writeKeyFrom(r)
	if !ok || (c.writeKey != "" && key != c.writeKey) {
		http.Error(w, "invalid write key", http.StatusUnauthorized)
		return
	}

	anonymousID, err := anonymousIDFrom(r)
	if err != nil {
		http.Error(w, "invalid anonymous id header", http.StatusBadRequest)
		return
	}

	body, err := readBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid batch", http.StatusBadRequest)
		return
	}
	if len(req.Batch) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	c.batches.Add(1)
	c.events.Add(int64(len(req.Batch)))
	c.logger.Info("batch received",
		slog.String("anonymous_id", anonymousID),
		slog.Int("events", len(req.Batch)),
		slog.String("sent_at", req.SentAt),
		slog.Int("bytes", len(body)),
	)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

// writeKeyFrom reads the write key from Basic auth with an empty password.
func writeKeyFrom(r *http.Request) (string, bool) {
	user, _, ok := r.BasicAuth()
	if !ok || user == "" {
		return "", false
	}
	return user, true
}

func anonymousIDFrom(r *http.Request) (string, error) {
	header := r.Header.Get(transport.AnonymousIDHeader)
	if header == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func readBody(r *http.Request) ([]byte, error) {
	var body io.Reader = http.MaxBytesReader(nil, r.Body, maxBodySize)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		body = io.LimitReader(zr, maxBodySize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodySize {
		return nil, &http.MaxBytesError{Limit: maxBodySize}
	}
	return data, nil
}
