// Package main implements the courier command. It reads newline-delimited
// JSON events from a file or stdin, ships them to the collector and exits
// once they are delivered or the wait time runs out.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/arkilian/courier/internal/app"
	"github.com/arkilian/courier/internal/config"
	"github.com/arkilian/courier/internal/notify"
	"github.com/arkilian/courier/internal/server"
	"github.com/arkilian/courier/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

// maxLineSize bounds one input line.
const maxLineSize = 1024 * 1024

type flags struct {
	configFile   string
	dataDir      string
	dataPlaneURL string
	writeKey     string
	input        string
	gzip         bool
	wait         time.Duration
	logLevel     string
	showVersion  bool
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stderr io.Writer) error {
	var f flags
	flagSet := pflag.NewFlagSet("courier", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&f.configFile, "config", "c", "", "path to configuration file (YAML or JSON)")
	flagSet.StringVar(&f.dataDir, "data-dir", "", "base directory for local state")
	flagSet.StringVar(&f.dataPlaneURL, "data-plane-url", "", "collector base URL")
	flagSet.StringVar(&f.writeKey, "write-key", "", "source write key")
	flagSet.StringVarP(&f.input, "input", "i", "-", "NDJSON event file, - for stdin")
	flagSet.BoolVar(&f.gzip, "gzip", false, "gzip request bodies")
	flagSet.DurationVar(&f.wait, "wait", 30*time.Second, "how long to wait for delivery before exiting")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&f.showVersion, "version", false, "show version information")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "courier - ship telemetry events to a collector\n\n")
		fmt.Fprintf(stderr, "Usage: courier [options] [--input events.ndjson]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		flagSet.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(stderr, "  COURIER_WRITE_KEY        Source write key\n")
		fmt.Fprintf(stderr, "  COURIER_DATA_PLANE_URL   Collector base URL\n")
		fmt.Fprintf(stderr, "  COURIER_DATA_DIR         Base directory for local state\n")
		fmt.Fprintf(stderr, "  COURIER_FLUSH_*          Flush policy settings\n")
		fmt.Fprintf(stderr, "  COURIER_BACKOFF_*        Retry settings\n")
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if f.showVersion {
		fmt.Fprintf(stderr, "courier version %s (commit: %s)\n", version, commit)
		return nil
	}

	logger, err := newLogger(f.logLevel, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	client, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCfg := server.DefaultShutdownConfig()
	shutdownCfg.Logger = logger
	sm := server.NewShutdownManager(shutdownCfg)
	sm.RegisterCloser(client)
	sm.OnShutdownStart(cancel)
	go sm.ListenForSignals(ctx)
	defer sm.Shutdown(context.Background(), "done")

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	go reportProgress(client.Notifier(), logger)

	in, closeInput, err := openInput(f.input, stdin)
	if err != nil {
		return err
	}
	sm.RegisterCloser(server.CloserFunc(closeInput))

	accepted, rejected, err := ship(ctx, client, sm, in, logger)
	if err != nil {
		return err
	}
	logger.Info("input consumed", slog.Int("accepted", accepted), slog.Int("rejected", rejected))

	if sm.IsShuttingDown() {
		return nil
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, f.wait)
	defer waitCancel()
	if err := client.Drain(waitCtx); err != nil {
		logger.Warn("undelivered batches stay on disk for the next run", slog.Any("error", err))
	}

	stats := client.Stats()
	logger.Info("delivery summary",
		slog.Int64("events_stored", stats.EventsStored),
		slog.Int64("events_dropped", stats.EventsDropped),
		slog.Int64("batches_uploaded", stats.BatchesUploaded),
	)
	for _, failure := range client.TopFailures(3) {
		logger.Warn("delivery failures",
			slog.String("code", failure.Code),
			slog.Int64("count", failure.Frequency),
		)
	}
	return nil
}

// ship reads one event per line and hands it to the client. Malformed
// lines are logged and skipped.
func ship(ctx context.Context, client *app.Client, sm *server.ShutdownManager, in io.Reader, logger *slog.Logger) (accepted, rejected int, err error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !sm.Track() {
			break
		}

		event, err := decodeEvent([]byte(text))
		if err == nil {
			err = client.Put(ctx, event)
		}
		sm.Untrack()

		if err != nil {
			rejected++
			logger.Warn("skipping input line", slog.Int("line", line), slog.Any("error", err))
			continue
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return accepted, rejected, fmt.Errorf("failed to read input: %w", err)
	}
	return accepted, rejected, nil
}

// decodeEvent parses one event, filling the message id and timestamp when
// the line omits them.
func decodeEvent(data []byte) (*types.Event, error) {
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	fresh := types.NewEvent(event.AnonymousID, event.Payload)
	if event.MessageID == "" {
		event.MessageID = fresh.MessageID
	}
	if event.OriginalTimestamp == "" {
		event.OriginalTimestamp = fresh.OriginalTimestamp
	}
	if event.Context == nil {
		event.Context = fresh.Context
	}
	return &event, nil
}

func openInput(path string, stdin io.Reader) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return stdin, func() error { return nil }, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return file, file.Close, nil
}

func reportProgress(n *notify.Notifier, logger *slog.Logger) {
	sub := n.SubscribeAutoID(notify.BatchUploaded, notify.BatchFailed, notify.BatchDiscarded)
	for note := range sub.Ch {
		logger.Info("batch "+note.Kind.String(),
			slog.String("path", note.Path),
			slog.Int("status", note.StatusCode),
			slog.Int64("bytes", note.SizeBytes),
		)
	}
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.dataPlaneURL != "" {
		cfg.DataPlaneURL = f.dataPlaneURL
	}
	if f.writeKey != "" {
		cfg.WriteKey = f.writeKey
	}
	if f.gzip {
		cfg.Gzip = true
	}

	return cfg, nil
}
