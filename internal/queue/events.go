package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	cerrors "github.com/arkilian/courier/internal/errors"
	"github.com/arkilian/courier/internal/flush"
	"github.com/arkilian/courier/internal/kvstore"
	"github.com/arkilian/courier/internal/observability"
	"github.com/arkilian/courier/pkg/types"
)

const (
	// LastAnonymousIDKey persists the identity of the batch being written.
	LastAnonymousIDKey = "last.anonymous.id"

	// DefaultMaxEventSize bounds one serialized event.
	DefaultMaxEventSize = 32 * 1024
)

// Drop reasons reported to the metrics recorder.
const (
	DropSerialize = "serialize"
	DropTooLarge  = "too_large"
	DropRollover  = "rollover"
	DropStorage   = "storage"
	DropStopped   = "stopped"
)

// message is the writer's intake unit: an event, a sync marker, or a
// flush signal when both are nil.
type message struct {
	event  *types.Event
	synced chan struct{}
}

func (m message) isFlush() bool { return m.event == nil && m.synced == nil }

// Flusher is the uploader side the writer signals.
type Flusher interface {
	Start(ctx context.Context) error
	Flush()
	Cancel()
}

// EventQueueOptions configures an EventQueue.
type EventQueueOptions struct {
	// Storage receives serialized events
	Storage BatchStorage

	// Store persists the last anonymous id
	Store kvstore.Store

	// Uploader is signalled when a flush is due
	Uploader Flusher

	// Policies decides when to flush; nil means a Startup, Count and
	// Frequency facade with defaults
	Policies *flush.Facade

	// MaxEventSize bounds one serialized event; 0 means DefaultMaxEventSize
	MaxEventSize int

	// SourceDisabled starts the queue with scheduled flushing paused
	SourceDisabled bool

	Recorder observability.Recorder
	Logger   *slog.Logger
}

// EventQueue serializes events into batch storage from a single goroutine
// and signals the uploader according to its flush policies.
type EventQueue struct {
	storage      BatchStorage
	store        kvstore.Store
	uploader     Flusher
	policies     *flush.Facade
	maxEventSize int
	recorder     observability.Recorder
	logger       *slog.Logger

	intake        atomic.Pointer[mailbox[message]]
	sourceEnabled atomic.Bool

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
	abort   chan struct{}

	// owned by the writer goroutine
	lastAnonymousID string
}

// NewEventQueue creates a stopped queue. Events put before Start are kept
// and written once it starts.
func NewEventQueue(opts EventQueueOptions) (*EventQueue, error) {
	if opts.Storage == nil {
		return nil, cerrors.NewConfigError("event queue requires batch storage")
	}
	if opts.Store == nil {
		return nil, cerrors.NewConfigError("event queue requires a key/value store")
	}
	if opts.Uploader == nil {
		return nil, cerrors.NewConfigError("event queue requires an uploader")
	}
	if opts.Policies == nil {
		opts.Policies = flush.NewFacade(
			flush.NewStartup(),
			flush.NewCount(flush.DefaultFlushAt),
			flush.NewFrequency(flush.DefaultInterval, nil),
		)
	}
	if opts.MaxEventSize <= 0 {
		opts.MaxEventSize = DefaultMaxEventSize
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &EventQueue{
		storage:      opts.Storage,
		store:        opts.Store,
		uploader:     opts.Uploader,
		policies:     opts.Policies,
		maxEventSize: opts.MaxEventSize,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
	}
	q.intake.Store(newMailbox[message]())
	q.sourceEnabled.Store(!opts.SourceDisabled)
	return q, nil
}

// Put enqueues an event without blocking. The queue takes ownership of it.
func (q *EventQueue) Put(event *types.Event) {
	if event == nil {
		return
	}
	q.push(message{event: event})
}

// Flush enqueues a flush signal behind the events already put.
func (q *EventQueue) Flush() {
	q.push(message{})
}

func (q *EventQueue) push(msg message) {
	for {
		if q.intake.Load().push(msg) {
			return
		}
		// Stop swaps in a fresh mailbox before closing the old one, so a
		// retry lands in the replacement.
	}
}

// Sync waits until every event put before the call has been written or
// dropped. The queue must be running for Sync to return before ctx ends.
func (q *EventQueue) Sync(ctx context.Context) error {
	synced := make(chan struct{})
	q.push(message{synced: synced})
	select {
	case <-synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many items wait for the writer.
func (q *EventQueue) Pending() int {
	return q.intake.Load().len()
}

// SourceEnabled reports whether scheduled and policy flushes are active.
func (q *EventQueue) SourceEnabled() bool {
	return q.sourceEnabled.Load()
}

// SetSourceEnabled pauses or resumes scheduled and policy-triggered
// flushes. Explicit Flush calls are honored either way.
func (q *EventQueue) SetSourceEnabled(enabled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sourceEnabled.Swap(enabled) == enabled {
		return
	}
	q.logger.Info("source state changed", slog.Bool("enabled", enabled))
	if !q.running {
		return
	}
	if enabled {
		q.policies.Schedule(q.Flush)
	} else {
		q.policies.CancelSchedule()
	}
}

// Start launches the writer and the uploader. Calling Start on a running
// queue is a no-op.
func (q *EventQueue) Start(ctx context.Context) error {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	last, err := q.store.GetString(LastAnonymousIDKey)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return cerrors.NewStorageError(cerrors.CodeStateFailed, "failed to load last anonymous id", err)
	}
	q.lastAnonymousID = last

	if err := q.uploader.Start(ctx); err != nil {
		return fmt.Errorf("queue: failed to start uploader: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = make(chan struct{})
	q.abort = make(chan struct{})
	q.running = true
	go q.run(q.intake.Load(), q.done, q.abort)

	if q.sourceEnabled.Load() {
		q.policies.Schedule(q.Flush)
	}
	q.logger.Info("event queue started")
	return nil
}

// Stop cancels scheduled flushing, closes intake, waits for the writer to
// drain what was already put, stops the uploader and finishes the open
// batch file. If ctx ends first, undrained events are dropped. Stop is
// idempotent and the queue may be started again afterwards.
func (q *EventQueue) Stop(ctx context.Context) error {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.policies.CancelSchedule()
	done, abort := q.done, q.abort
	old := q.intake.Swap(newMailbox[message]())
	q.mu.Unlock()

	old.close()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		close(abort)
		<-done
		drainErr = ctx.Err()
	}

	q.uploader.Cancel()

	if err := q.storage.Finish(); err != nil {
		q.logger.Error("failed to finish batch file", slog.Any("error", err))
		return errors.Join(drainErr, err)
	}
	q.logger.Info("event queue stopped")
	return drainErr
}

func (q *EventQueue) run(intake *mailbox[message], done, abort chan struct{}) {
	defer close(done)

	for {
		items, open := intake.take()
		for i, msg := range items {
			select {
			case <-abort:
				q.dropUnwritten(items[i:])
				q.dropUnwritten(drainAll(intake))
				return
			default:
			}
			q.handle(msg)
		}
		if len(items) > 0 {
			continue
		}
		if !open {
			return
		}
		select {
		case <-intake.ready:
		case <-abort:
			q.dropUnwritten(drainAll(intake))
			return
		}
	}
}

func drainAll(m *mailbox[message]) []message {
	items, _ := m.take()
	return items
}

func (q *EventQueue) dropUnwritten(items []message) {
	for _, msg := range items {
		if msg.synced != nil {
			close(msg.synced)
			continue
		}
		if msg.isFlush() {
			continue
		}
		q.recorder.RecordEventDropped(context.Background(), DropStopped)
		observability.LogEventDropped(q.logger, msg.event.MessageID, DropStopped, nil)
	}
}

// handle processes one item. A failure affects only that item.
func (q *EventQueue) handle(msg message) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event writer panicked", slog.Any("panic", r))
		}
	}()

	if msg.synced != nil {
		close(msg.synced)
		return
	}
	if msg.isFlush() {
		q.triggerFlush()
		return
	}

	if q.write(msg.event) {
		q.policies.UpdateState()
	}
	if q.sourceEnabled.Load() && q.policies.ShouldFlush() {
		q.triggerFlush()
	}
}

func (q *EventQueue) triggerFlush() {
	q.uploader.Flush()
	q.policies.Reset()
}

// write stores one event, starting a new batch file when the identity
// changes. It reports whether the event was stored.
func (q *EventQueue) write(event *types.Event) bool {
	ctx := context.Background()

	data, err := json.Marshal(event)
	if err != nil {
		q.drop(event, DropSerialize, err)
		return false
	}
	if len(data) > q.maxEventSize {
		q.drop(event, DropTooLarge, cerrors.NewValidationError(cerrors.CodeEventTooLarge,
			fmt.Sprintf("event is %d bytes, limit is %d", len(data), q.maxEventSize)))
		return false
	}

	if event.AnonymousID != q.lastAnonymousID {
		if err := q.storage.Rollover(); err != nil {
			q.drop(event, DropRollover, err)
			return false
		}
		q.lastAnonymousID = event.AnonymousID
		if err := q.store.SetString(LastAnonymousIDKey, event.AnonymousID); err != nil {
			q.logger.Warn("failed to persist anonymous id", slog.Any("error", err))
		}
	}

	if err := q.storage.StoreEvent(data); err != nil {
		q.drop(event, DropStorage, err)
		return false
	}
	q.recorder.RecordEventStored(ctx, len(data))
	q.logger.Debug("event stored",
		slog.String("message_id", event.MessageID),
		slog.Int("bytes", len(data)),
	)
	return true
}

func (q *EventQueue) drop(event *types.Event, reason string, err error) {
	q.recorder.RecordEventDropped(context.Background(), reason)
	observability.LogEventDropped(q.logger, event.MessageID, reason, err)
}
