package plugin

import (
	"context"

	"github.com/arkilian/courier/pkg/types"
)

// Handlers holds optional per-variant callbacks. A nil handler passes the
// event through unchanged.
type Handlers struct {
	Track    func(ctx context.Context, event *types.Event, payload *types.Track) *types.Event
	Screen   func(ctx context.Context, event *types.Event, payload *types.Screen) *types.Event
	Group    func(ctx context.Context, event *types.Event, payload *types.Group) *types.Event
	Identify func(ctx context.Context, event *types.Event, payload *types.Identify) *types.Event
	Alias    func(ctx context.Context, event *types.Event, payload *types.Alias) *types.Event
}

// Dispatch calls the handler matching the event's variant.
func Dispatch(ctx context.Context, event *types.Event, h Handlers) *types.Event {
	switch p := event.Payload.(type) {
	case *types.Track:
		if h.Track != nil {
			return h.Track(ctx, event, p)
		}
	case *types.Screen:
		if h.Screen != nil {
			return h.Screen(ctx, event, p)
		}
	case *types.Group:
		if h.Group != nil {
			return h.Group(ctx, event, p)
		}
	case *types.Identify:
		if h.Identify != nil {
			return h.Identify(ctx, event, p)
		}
	case *types.Alias:
		if h.Alias != nil {
			return h.Alias(ctx, event, p)
		}
	}
	return event
}

// EventPlugin is a Plugin built from per-variant handlers.
type EventPlugin struct {
	Stage    Type
	Handlers Handlers
}

// NewEventPlugin creates an EventPlugin running in stage t.
func NewEventPlugin(t Type, h Handlers) *EventPlugin {
	return &EventPlugin{Stage: t, Handlers: h}
}

func (p *EventPlugin) Type() Type         { return p.Stage }
func (p *EventPlugin) Setup(*Chain) error { return nil }
func (p *EventPlugin) Teardown()          {}

func (p *EventPlugin) Intercept(ctx context.Context, event *types.Event) *types.Event {
	return Dispatch(ctx, event, p.Handlers)
}
