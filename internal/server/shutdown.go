// Package server provides process lifecycle management for the courier
// binaries: signal handling, in-flight work tracking and ordered cleanup.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultDrainTimeout    = 15 * time.Second

	// httpCloseTimeout bounds http.Server.Shutdown when the server is
	// closed as part of a ShutdownManager.
	httpCloseTimeout = 10 * time.Second
)

// shutdownSignals end the process gracefully.
var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown sequence
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for tracked work
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: defaultShutdownTimeout,
		DrainTimeout:    defaultDrainTimeout,
	}
}

// ShutdownManager runs the shutdown sequence once: start hooks, drain of
// tracked work, closers in reverse registration order, end hooks.
type ShutdownManager struct {
	cfg ShutdownConfig

	done     chan struct{}
	once     sync.Once
	stopping atomic.Bool

	inFlight atomic.Int64
	idle     chan struct{}

	mu      sync.Mutex
	closers []io.Closer
	onStart []func()
	onEnd   []func()
}

// NewShutdownManager creates a shutdown manager. Zero durations take their
// defaults.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShutdownManager{
		cfg:  cfg,
		done: make(chan struct{}),
		idle: make(chan struct{}, 1),
	}
}

// RegisterCloser adds a resource to close during shutdown. The last
// registered resource is closed first.
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, c)
}

// OnShutdownStart registers fn to run before tracked work is drained.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// OnShutdownEnd registers fn to run after every closer.
func (sm *ShutdownManager) OnShutdownEnd(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onEnd = append(sm.onEnd, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is done or
// Shutdown is called elsewhere, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals...)
	defer signal.Stop(sigCh)

	var reason string
	select {
	case sig := <-sigCh:
		reason = "received signal: " + sig.String()
	case <-ctx.Done():
		reason = "context cancelled"
	case <-sm.done:
		return nil
	}
	// ctx may already be done; the sequence gets its own deadline.
	return sm.Shutdown(context.Background(), reason)
}

// Shutdown runs the shutdown sequence. Only the first call does anything;
// later calls return nil immediately.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var err error
	sm.once.Do(func() {
		err = sm.shutdown(ctx, reason)
	})
	return err
}

func (sm *ShutdownManager) shutdown(ctx context.Context, reason string) error {
	sm.stopping.Store(true)
	close(sm.done)
	sm.cfg.Logger.Info("shutdown started", slog.String("reason", reason))

	sm.mu.Lock()
	onStart := sm.onStart
	closers := sm.closers
	onEnd := sm.onEnd
	sm.mu.Unlock()

	for _, fn := range onStart {
		fn()
	}

	ctx, cancel := context.WithTimeout(ctx, sm.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := sm.drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain failed: %w", err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			sm.cfg.Logger.Error("close failed", slog.Any("error", err))
			errs = append(errs, fmt.Errorf("close failed: %w", err))
		}
	}

	for _, fn := range onEnd {
		fn()
	}
	sm.cfg.Logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// drain waits until no tracked work remains or the drain timeout passes.
func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.cfg.DrainTimeout)
	defer cancel()

	for sm.inFlight.Load() > 0 {
		select {
		case <-sm.idle:
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("gave up with %d in-flight operations", n)
			}
			return nil
		}
	}
	return nil
}

// Track registers one unit of in-flight work. It returns false once
// shutdown has begun, and the work must then be rejected.
func (sm *ShutdownManager) Track() bool {
	if sm.stopping.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// Untrack marks one unit of tracked work as done.
func (sm *ShutdownManager) Untrack() {
	if sm.inFlight.Add(-1) == 0 && sm.stopping.Load() {
		select {
		case sm.idle <- struct{}{}:
		default:
		}
	}
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool { return sm.stopping.Load() }

// InFlightCount returns the amount of tracked work.
func (sm *ShutdownManager) InFlightCount() int64 { return sm.inFlight.Load() }

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} { return sm.done }

// GracefulHTTPServer serves HTTP until its ShutdownManager shuts down.
type GracefulHTTPServer struct {
	server   *http.Server
	shutdown *ShutdownManager
}

// NewGracefulHTTPServer registers server with sm so shutdown closes it.
func NewGracefulHTTPServer(server *http.Server, sm *ShutdownManager) *GracefulHTTPServer {
	sm.RegisterCloser(CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), httpCloseTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	}))
	return &GracefulHTTPServer{server: server, shutdown: sm}
}

// ListenAndServe listens on the server's address and calls Serve.
func (gs *GracefulHTTPServer) ListenAndServe() error {
	addr := gs.server.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return gs.Serve(ln)
}

// Serve accepts connections on ln. It returns nil once shutdown has closed
// the server, or the error that stopped it otherwise.
func (gs *GracefulHTTPServer) Serve(ln net.Listener) error {
	err := gs.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-gs.shutdown.ShutdownCh()
		return nil
	}
	return err
}

// ShutdownMiddleware tracks each request and answers 503 once shutdown has
// begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.Track() {
				w.Header().Set("Connection", "close")
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
			defer sm.Untrack()
			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
