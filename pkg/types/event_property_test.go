package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EventJSONPreservesFields checks that encoding then decoding
// any track event yields the same envelope and payload fields.
func TestProperty_EventJSONPreservesFields(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decoded event matches encoded event", prop.ForAll(
		func(anonID, name, userID string, ms int64) bool {
			e := NewEventWithTime(anonID, &Track{Event: name}, time.UnixMilli(ms))
			e.UserID = userID

			data, err := json.Marshal(e)
			if err != nil {
				return false
			}
			var out Event
			if err := json.Unmarshal(data, &out); err != nil {
				return false
			}
			track, ok := out.Payload.(*Track)
			return ok &&
				track.Event == name &&
				out.AnonymousID == anonID &&
				out.UserID == userID &&
				out.MessageID == e.MessageID &&
				out.OriginalTimestamp == e.OriginalTimestamp
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Int64Range(0, 4102444800000),
	))

	properties.Property("formatted timestamps have constant width", prop.ForAll(
		func(ms int64) bool {
			return len(FormatTimestamp(time.UnixMilli(ms))) == len(TimestampLayout)
		},
		gen.Int64Range(0, 253402300799000),
	))

	properties.TestingRun(t)
}
