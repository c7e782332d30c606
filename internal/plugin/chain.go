package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cerrors "github.com/arkilian/courier/internal/errors"
	"github.com/arkilian/courier/pkg/types"
)

// Chain holds registered plugins by type. Registration and removal are
// safe while events are being processed: iteration works on a snapshot.
type Chain struct {
	mu      sync.RWMutex
	plugins map[Type][]Plugin
	logger  *slog.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		plugins: make(map[Type][]Plugin),
		logger:  logger,
	}
}

// Add sets up the plugin and registers it under its type.
func (c *Chain) Add(p Plugin) error {
	if err := p.Setup(c); err != nil {
		return cerrors.NewPluginError(cerrors.CodeSetupFailed, fmt.Sprintf("setup of %T failed", p), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t := p.Type()
	list := make([]Plugin, len(c.plugins[t]), len(c.plugins[t])+1)
	copy(list, c.plugins[t])
	c.plugins[t] = append(list, p)
	return nil
}

// Remove unregisters the plugin from every type and tears it down. It
// reports whether the plugin was registered; teardown runs only then.
func (c *Chain) Remove(p Plugin) bool {
	c.mu.Lock()
	found := false
	for t, list := range c.plugins {
		kept := make([]Plugin, 0, len(list))
		for _, existing := range list {
			if existing == p {
				found = true
				continue
			}
			kept = append(kept, existing)
		}
		c.plugins[t] = kept
	}
	c.mu.Unlock()

	if found {
		p.Teardown()
	}
	return found
}

// RemoveAll unregisters and tears down every plugin.
func (c *Chain) RemoveAll() {
	c.mu.Lock()
	var all []Plugin
	for _, t := range []Type{PreProcess, OnProcess, Destination, After, Manual} {
		all = append(all, c.plugins[t]...)
	}
	c.plugins = make(map[Type][]Plugin)
	c.mu.Unlock()

	for _, p := range all {
		p.Teardown()
	}
}

// Plugins returns a snapshot of the plugins registered under t.
func (c *Chain) Plugins(t Type) []Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plugins[t]
}

// Process runs event through PreProcess, OnProcess and Destination in
// order. It returns the final event, or nil if a plugin dropped it.
func (c *Chain) Process(ctx context.Context, event *types.Event) *types.Event {
	for _, t := range pipeline {
		event = c.apply(ctx, t, event)
		if event == nil {
			return nil
		}
	}
	return event
}

// RunAfter runs the After plugins on event.
func (c *Chain) RunAfter(ctx context.Context, event *types.Event) *types.Event {
	return c.apply(ctx, After, event)
}

// RunManual runs the Manual plugins on event.
func (c *Chain) RunManual(ctx context.Context, event *types.Event) *types.Event {
	return c.apply(ctx, Manual, event)
}

func (c *Chain) apply(ctx context.Context, t Type, event *types.Event) *types.Event {
	for _, p := range c.Plugins(t) {
		if event == nil {
			return nil
		}
		event = c.intercept(ctx, p, event)
	}
	return event
}

// intercept calls one plugin with a copy of event. A panicking plugin is
// skipped and the event continues unchanged.
func (c *Chain) intercept(ctx context.Context, p Plugin, event *types.Event) (out *types.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("plugin panicked, skipping",
				"plugin", fmt.Sprintf("%T", p),
				"type", p.Type().String(),
				"message_id", event.MessageID,
				"panic", r,
			)
			out = event
		}
	}()

	out = p.Intercept(ctx, event.Clone())
	if out == nil {
		c.logger.Debug("event dropped by plugin", "plugin", fmt.Sprintf("%T", p), "message_id", event.MessageID)
	}
	return out
}
