// Package app wires the courier pipeline: plugin chain, event queue, batch
// storage, uploader and transport.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arkilian/courier/internal/backoff"
	"github.com/arkilian/courier/internal/batch"
	"github.com/arkilian/courier/internal/clock"
	"github.com/arkilian/courier/internal/config"
	cerrors "github.com/arkilian/courier/internal/errors"
	"github.com/arkilian/courier/internal/flush"
	"github.com/arkilian/courier/internal/kvstore"
	"github.com/arkilian/courier/internal/notify"
	"github.com/arkilian/courier/internal/observability"
	"github.com/arkilian/courier/internal/plugin"
	"github.com/arkilian/courier/internal/queue"
	"github.com/arkilian/courier/internal/storage"
	"github.com/arkilian/courier/internal/transport"
	"github.com/arkilian/courier/pkg/types"
)

const (
	// LibraryName is stamped into context.library of every event.
	LibraryName = "courier-go"

	// LibraryVersion accompanies LibraryName.
	LibraryVersion = "0.4.0"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	clock      clock.Clock
	httpClient *http.Client
	sender     transport.Sender
	store      kvstore.Store
	backoff    queue.Backoff
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithSender replaces the HTTP transport entirely.
func WithSender(sender transport.Sender) Option {
	return func(o *options) { o.sender = sender }
}

// WithStore replaces the SQLite key/value store.
func WithStore(store kvstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithBackoff replaces the configured retry pacing.
func WithBackoff(b queue.Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// Client is the entry point applications use to record events.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	store     kvstore.Store
	ownsStore bool
	batches   *batch.Manager
	upload    *queue.EventUpload
	queue     *queue.EventQueue
	chain     *plugin.Chain
	notifier  *notify.Notifier
	stats     *observability.DeliveryStats

	mu      sync.Mutex
	running bool
	closed  bool
}

// New validates cfg and builds a stopped Client.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig, "invalid configuration", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		logger:   o.logger,
		notifier: notify.NewNotifier(256),
		stats:    observability.NewDeliveryStats(time.Hour),
	}

	var recorder observability.Recorder = c.stats
	if cfg.Metrics.Enabled {
		recorder = observability.Multi{c.stats, observability.NewRecorder()}
	}

	if err := c.initStore(o); err != nil {
		return nil, err
	}

	var err error
	c.batches, err = batch.Open(batch.Options{
		Dir:          cfg.Storage.BatchDir,
		Namespace:    cfg.Namespace,
		MaxBatchSize: cfg.Storage.MaxBatchSize,
		Store:        c.store,
		Clock:        o.clock,
		Logger:       o.logger,
		OnFinalize: func(path string, size int64) {
			recorder.RecordBatchFinalized(context.Background(), size)
			c.notifier.Publish(notify.Notification{Kind: notify.BatchFinalized, Path: path, SizeBytes: size})
		},
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}

	sender, err := c.initSender(o)
	if err != nil {
		c.closeStore()
		return nil, err
	}

	retry := o.backoff
	if retry == nil {
		retry = backoff.NewMaxAttempts(
			backoff.NewExponential(cfg.Backoff.Interval, cfg.Backoff.Base),
			cfg.Backoff.MaxAttempts,
			cfg.Backoff.CoolOff,
			o.clock,
		)
	}

	c.upload, err = queue.NewEventUpload(queue.UploadOptions{
		Storage:          c.batches,
		Sender:           sender,
		Backoff:          retry,
		Clock:            o.clock,
		DiscardInvalid:   cfg.Upload.DiscardInvalidBatches,
		OnSourceDisabled: func() { c.SetSourceEnabled(false) },
		Notifier:         c.notifier,
		Recorder:         recorder,
		Logger:           o.logger,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.queue, err = queue.NewEventQueue(queue.EventQueueOptions{
		Storage:      c.batches,
		Store:        c.store,
		Uploader:     c.upload,
		Policies:     policies(cfg.Flush, o.clock),
		MaxEventSize: cfg.Storage.MaxEventSize,
		Recorder:     recorder,
		Logger:       o.logger,
	})
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.chain = plugin.NewChain(o.logger)
	builtins := []plugin.Plugin{&plugin.LibraryInfo{Name: LibraryName, Version: LibraryVersion}}
	if cfg.Sampling.Rate < 1 {
		builtins = append(builtins, plugin.NewSampling(cfg.Sampling.Rate))
	}
	builtins = append(builtins, queue.NewDataplanePlugin(c.queue, o.logger))
	for _, p := range builtins {
		if err := c.chain.Add(p); err != nil {
			c.closeStore()
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) initStore(o options) error {
	if o.store != nil {
		c.store = o.store
		return nil
	}
	store, err := kvstore.OpenSQLite(c.cfg.Storage.KVPath)
	if err != nil {
		return cerrors.NewStorageError(cerrors.CodeStateFailed, "failed to open state database", err)
	}
	c.store = store
	c.ownsStore = true
	return nil
}

func (c *Client) closeStore() {
	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("failed to close state database", slog.Any("error", err))
		}
	}
}

// initSender builds the HTTP transport, wrapped by the archive mirror when
// enabled.
func (c *Client) initSender(o options) (transport.Sender, error) {
	sender := o.sender
	if sender == nil {
		httpSender, err := transport.NewHTTPSender(transport.HTTPOptions{
			BaseURL:  c.cfg.DataPlaneURL,
			WriteKey: c.cfg.WriteKey,
			Gzip:     c.cfg.Gzip,
			Timeout:  c.cfg.Upload.Timeout,
			Client:   o.httpClient,
			Logger:   c.logger,
		})
		if err != nil {
			return nil, err
		}
		sender = httpSender
	}

	if !c.cfg.Archive.Enabled {
		return sender, nil
	}
	objects, err := openArchiveStorage(c.cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	c.logger.Info("batch archive enabled",
		slog.String("type", c.cfg.Archive.Type),
		slog.String("prefix", c.cfg.Archive.Prefix),
	)
	return transport.NewArchivingSender(sender, storage.NewArchive(objects, c.cfg.Archive.Prefix), c.logger), nil
}

func openArchiveStorage(cfg config.ArchiveConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		return storage.NewS3Storage(context.Background(), cfg.S3.Bucket, storage.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
}

// policies builds the flush facade. A zero count or interval disables that
// policy.
func policies(cfg config.FlushConfig, clk clock.Clock) *flush.Facade {
	var ps []flush.Policy
	if cfg.OnStartup {
		ps = append(ps, flush.NewStartup())
	}
	if cfg.Count > 0 {
		ps = append(ps, flush.NewCount(cfg.Count))
	}
	if cfg.Interval > 0 {
		ps = append(ps, flush.NewFrequency(cfg.Interval, clk))
	}
	return flush.NewFacade(ps...)
}

// Start launches the queue and the uploader.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.running {
		return fmt.Errorf("client is already running")
	}
	if err := c.queue.Start(ctx); err != nil {
		return err
	}
	c.running = true
	c.logger.Info("courier started",
		slog.String("data_plane_url", c.cfg.DataPlaneURL),
		slog.String("namespace", c.cfg.Namespace),
	)
	return nil
}

// Stop drains the queue, stops the uploader and finalizes the open batch.
// Undelivered batches stay on disk for the next start.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	return c.queue.Stop(ctx)
}

// Close stops the client, tears down every plugin and releases the state
// database.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), queue.DefaultTeardownTimeout)
	defer cancel()
	stopErr := c.Stop(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stopErr
	}
	c.closed = true

	c.chain.RemoveAll()
	c.notifier.Close()

	// A client closed without starting still holds the resumed batch file.
	closeErr := c.batches.Close()
	if c.ownsStore {
		closeErr = errors.Join(closeErr, c.store.Close())
	}
	return errors.Join(stopErr, closeErr)
}

// Put runs event through the plugin chain. A plugin dropping the event is
// not an error.
func (c *Client) Put(ctx context.Context, event *types.Event) error {
	if event == nil {
		return types.ErrMissingPayload
	}
	if err := event.Validate(); err != nil {
		return cerrors.Wrap(cerrors.ErrCategoryValidation, cerrors.CodeInvalidEvent, "invalid event", err)
	}
	if c.chain.Process(ctx, event) == nil {
		c.logger.Debug("event dropped by plugin", slog.String("message_id", event.MessageID))
	}
	return nil
}

// Track records a user action.
func (c *Client) Track(ctx context.Context, anonymousID, name string, properties map[string]any) error {
	return c.Put(ctx, types.NewEvent(anonymousID, &types.Track{Event: name, Properties: properties}))
}

// Screen records a screen view.
func (c *Client) Screen(ctx context.Context, anonymousID, name string, properties map[string]any) error {
	return c.Put(ctx, types.NewEvent(anonymousID, &types.Screen{Name: name, Properties: properties}))
}

// Group associates the identity with a group.
func (c *Client) Group(ctx context.Context, anonymousID, groupID string, traits map[string]any) error {
	return c.Put(ctx, types.NewEvent(anonymousID, &types.Group{GroupID: groupID, Traits: traits}))
}

// Identify attaches traits to the identity.
func (c *Client) Identify(ctx context.Context, anonymousID, userID string, traits map[string]any) error {
	e := types.NewEvent(anonymousID, &types.Identify{Traits: traits})
	e.UserID = userID
	return c.Put(ctx, e)
}

// Alias links previousID to the identity.
func (c *Client) Alias(ctx context.Context, anonymousID, previousID string) error {
	return c.Put(ctx, types.NewEvent(anonymousID, &types.Alias{PreviousID: previousID}))
}

// Flush asks for everything recorded so far to be uploaded.
func (c *Client) Flush() {
	c.queue.Flush()
}

// PendingBatches returns how many finalized batches await delivery.
func (c *Client) PendingBatches() (int, error) {
	paths, err := c.batches.Read()
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// Drain writes everything put so far, requests an upload and waits until
// no finalized batch remains or ctx ends. Batches the collector keeps
// rejecting make Drain wait for ctx.
func (c *Client) Drain(ctx context.Context) error {
	if err := c.queue.Sync(ctx); err != nil {
		return err
	}
	c.queue.Flush()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := c.queue.Sync(ctx); err != nil {
			return err
		}
		n, err := c.PendingBatches()
		if err != nil {
			return err
		}
		if n == 0 && !c.batches.HasOpenEvents() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d batches still pending: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddPlugin registers p in its stage.
func (c *Client) AddPlugin(p plugin.Plugin) error {
	return c.chain.Add(p)
}

// RemovePlugin unregisters p and tears it down.
func (c *Client) RemovePlugin(p plugin.Plugin) bool {
	return c.chain.Remove(p)
}

// SetSourceEnabled pauses or resumes automatic flushing.
func (c *Client) SetSourceEnabled(enabled bool) {
	c.queue.SetSourceEnabled(enabled)
}

// SourceEnabled reports whether automatic flushing is active.
func (c *Client) SourceEnabled() bool {
	return c.queue.SourceEnabled()
}

// Notifier exposes batch lifecycle notifications.
func (c *Client) Notifier() *notify.Notifier {
	return c.notifier
}

// Stats returns delivery counters since New.
func (c *Client) Stats() observability.Snapshot {
	return c.stats.Snapshot()
}

// TopFailures returns the most frequent delivery failure codes.
func (c *Client) TopFailures(n int) []observability.FailureStats {
	c.stats.Prune()
	return c.stats.TopFailures(n)
}
