package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/arkilian/courier/internal/plugin"
	"github.com/arkilian/courier/pkg/types"
)

// DefaultTeardownTimeout bounds the queue drain when the plugin is removed.
const DefaultTeardownTimeout = 5 * time.Second

// DataplanePlugin is the destination that hands processed events to an
// EventQueue. Removing it from the chain stops the queue.
type DataplanePlugin struct {
	Queue           *EventQueue
	TeardownTimeout time.Duration
	Logger          *slog.Logger
}

// NewDataplanePlugin creates the destination for q.
func NewDataplanePlugin(q *EventQueue, logger *slog.Logger) *DataplanePlugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataplanePlugin{Queue: q, TeardownTimeout: DefaultTeardownTimeout, Logger: logger}
}

func (d *DataplanePlugin) Type() plugin.Type         { return plugin.Destination }
func (d *DataplanePlugin) Setup(*plugin.Chain) error { return nil }

// Intercept enqueues the event and passes it on unchanged.
func (d *DataplanePlugin) Intercept(_ context.Context, event *types.Event) *types.Event {
	d.Queue.Put(event.Clone())
	return event
}

// Teardown stops the queue, draining what it already holds.
func (d *DataplanePlugin) Teardown() {
	timeout := d.TeardownTimeout
	if timeout <= 0 {
		timeout = DefaultTeardownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Queue.Stop(ctx); err != nil {
		d.Logger.Warn("event queue did not stop cleanly", slog.Any("error", err))
	}
}
