package types

import "errors"

// Event-related errors
var (
	// ErrUnknownEventType is returned when decoding an event whose type is not one of the known variants
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMissingAnonymousID is returned when an event carries no anonymous id
	ErrMissingAnonymousID = errors.New("event has no anonymous id")

	// ErrMissingPayload is returned when an event has no variant payload
	ErrMissingPayload = errors.New("event has no payload")
)
