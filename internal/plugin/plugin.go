// Package plugin runs events through an ordered chain of interceptors
// before they reach the event queue.
package plugin

import (
	"context"

	"github.com/arkilian/courier/pkg/types"
)

// Type is the stage a plugin runs in.
type Type int

const (
	// PreProcess plugins normalize and enrich events.
	PreProcess Type = iota
	// OnProcess plugins apply application logic.
	OnProcess
	// Destination plugins hand events off, e.g. to the event queue.
	Destination
	// After plugins run only when explicitly invoked through RunAfter.
	After
	// Manual plugins run only when explicitly invoked through RunManual.
	Manual
)

// pipeline is the automatic per-event order.
var pipeline = []Type{PreProcess, OnProcess, Destination}

var typeNames = [...]string{"pre_process", "on_process", "destination", "after", "manual"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Plugin intercepts events. Intercept receives a private copy of the event
// and returns the event to pass on, or nil to drop it.
type Plugin interface {
	Type() Type
	Setup(chain *Chain) error
	Intercept(ctx context.Context, event *types.Event) *types.Event
	Teardown()
}

// Func adapts a function into a Plugin with no setup or teardown.
type Func struct {
	Stage Type
	Fn    func(ctx context.Context, event *types.Event) *types.Event
}

func (f *Func) Type() Type         { return f.Stage }
func (f *Func) Setup(*Chain) error { return nil }
func (f *Func) Teardown()          {}
func (f *Func) Intercept(ctx context.Context, event *types.Event) *types.Event {
	return f.Fn(ctx, event)
}
