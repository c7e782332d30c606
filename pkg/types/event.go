// Package types provides the event model shipped by courier.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the fixed-width UTC layout used for originalTimestamp
// and sentAt. Every formatted value has the same length.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// EventType names an event variant on the wire.
type EventType string

const (
	TypeTrack    EventType = "track"
	TypeScreen   EventType = "screen"
	TypeGroup    EventType = "group"
	TypeIdentify EventType = "identify"
	TypeAlias    EventType = "alias"
)

// Payload is the variant-specific part of an event. The set of
// implementations is closed: *Track, *Screen, *Group, *Identify, *Alias.
type Payload interface {
	EventType() EventType
	clonePayload() Payload
}

// Track records a user action.
type Track struct {
	// Event is the action name
	Event string `json:"event"`

	// Properties describes the action
	Properties map[string]any `json:"properties,omitempty"`
}

// Screen records a screen view.
type Screen struct {
	// Name is the screen name, sent as "event"
	Name string `json:"event"`

	// Properties describes the screen
	Properties map[string]any `json:"properties,omitempty"`
}

// Group associates the user with a group.
type Group struct {
	GroupID string         `json:"groupId"`
	Traits  map[string]any `json:"traits,omitempty"`
}

// Identify attaches traits to the user.
type Identify struct {
	Traits map[string]any `json:"traits,omitempty"`
}

// Alias links a previous identity to the current one.
type Alias struct {
	PreviousID string `json:"previousId"`
}

func (*Track) EventType() EventType    { return TypeTrack }
func (*Screen) EventType() EventType   { return TypeScreen }
func (*Group) EventType() EventType    { return TypeGroup }
func (*Identify) EventType() EventType { return TypeIdentify }
func (*Alias) EventType() EventType    { return TypeAlias }

func (p *Track) clonePayload() Payload {
	return &Track{Event: p.Event, Properties: cloneMap(p.Properties)}
}

func (p *Screen) clonePayload() Payload {
	return &Screen{Name: p.Name, Properties: cloneMap(p.Properties)}
}

func (p *Group) clonePayload() Payload {
	return &Group{GroupID: p.GroupID, Traits: cloneMap(p.Traits)}
}

func (p *Identify) clonePayload() Payload {
	return &Identify{Traits: cloneMap(p.Traits)}
}

func (p *Alias) clonePayload() Payload {
	return &Alias{PreviousID: p.PreviousID}
}

// Event is a single analytics message: the common envelope plus one payload.
type Event struct {
	// MessageID uniquely identifies the event
	MessageID string

	// OriginalTimestamp is when the event was created, in TimestampLayout
	OriginalTimestamp string

	// Context is a free-form document that plugins may enrich
	Context map[string]any

	// AnonymousID identifies the device or install; batches never mix ids
	AnonymousID string

	// UserID is the known user, if any
	UserID string

	// Channel names the emitting surface (e.g. "mobile", "server")
	Channel string

	// Integrations toggles per-destination delivery
	Integrations map[string]any

	// Payload holds the variant fields
	Payload Payload
}

// envelope is the wire form of the common fields.
type envelope struct {
	Type              EventType      `json:"type"`
	MessageID         string         `json:"messageId"`
	OriginalTimestamp string         `json:"originalTimestamp"`
	Context           map[string]any `json:"context,omitempty"`
	AnonymousID       string         `json:"anonymousId"`
	UserID            string         `json:"userId,omitempty"`
	Channel           string         `json:"channel,omitempty"`
	Integrations      map[string]any `json:"integrations,omitempty"`
}

// NewEvent creates an event with a fresh message id and the current time.
func NewEvent(anonymousID string, payload Payload) *Event {
	return NewEventWithTime(anonymousID, payload, time.Now())
}

// NewEventWithTime creates an event stamped with the given time.
func NewEventWithTime(anonymousID string, payload Payload, t time.Time) *Event {
	return &Event{
		MessageID:         uuid.NewString(),
		OriginalTimestamp: FormatTimestamp(t),
		Context:           make(map[string]any),
		AnonymousID:       anonymousID,
		Payload:           payload,
	}
}

// Type returns the variant type, or "" when the payload is missing.
func (e *Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Validate checks the fields the pipeline relies on.
func (e *Event) Validate() error {
	if e.Payload == nil {
		return ErrMissingPayload
	}
	if e.AnonymousID == "" {
		return ErrMissingAnonymousID
	}
	return nil
}

// Clone returns a deep copy of the event. Nested maps and slices inside
// Context, Integrations and the payload are copied too.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Context = cloneMap(e.Context)
	cp.Integrations = cloneMap(e.Integrations)
	if e.Payload != nil {
		cp.Payload = e.Payload.clonePayload()
	}
	return &cp
}

func (e *Event) envelope() envelope {
	return envelope{
		Type:              e.Type(),
		MessageID:         e.MessageID,
		OriginalTimestamp: e.OriginalTimestamp,
		Context:           e.Context,
		AnonymousID:       e.AnonymousID,
		UserID:            e.UserID,
		Channel:           e.Channel,
		Integrations:      e.Integrations,
	}
}

// MarshalJSON encodes the envelope and payload as one flat object.
func (e Event) MarshalJSON() ([]byte, error) {
	env := e.envelope()
	switch p := e.Payload.(type) {
	case *Track:
		return json.Marshal(struct {
			envelope
			*Track
		}{env, p})
	case *Screen:
		return json.Marshal(struct {
			envelope
			*Screen
		}{env, p})
	case *Group:
		return json.Marshal(struct {
			envelope
			*Group
		}{env, p})
	case *Identify:
		return json.Marshal(struct {
			envelope
			*Identify
		}{env, p})
	case *Alias:
		return json.Marshal(struct {
			envelope
			*Alias
		}{env, p})
	case nil:
		return nil, ErrMissingPayload
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, p)
	}
}

// UnmarshalJSON decodes a flat event object, choosing the payload by "type".
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var payload Payload
	switch env.Type {
	case TypeTrack:
		payload = &Track{}
	case TypeScreen:
		payload = &Screen{}
	case TypeGroup:
		payload = &Group{}
	case TypeIdentify:
		payload = &Identify{}
	case TypeAlias:
		payload = &Alias{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}

	*e = Event{
		MessageID:         env.MessageID,
		OriginalTimestamp: env.OriginalTimestamp,
		Context:           env.Context,
		AnonymousID:       env.AnonymousID,
		UserID:            env.UserID,
		Channel:           env.Channel,
		Integrations:      env.Integrations,
		Payload:           payload,
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
