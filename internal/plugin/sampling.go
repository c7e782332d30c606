package plugin

import (
	"context"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/courier/pkg/types"
)

const samplingBuckets = 10000

// Sampling keeps a deterministic fraction of identities: every event of a
// given anonymous id is either kept or dropped.
type Sampling struct {
	threshold uint32
}

// NewSampling keeps roughly rate (0..1) of anonymous ids.
func NewSampling(rate float64) *Sampling {
	switch {
	case rate <= 0:
		rate = 0
	case rate > 1:
		rate = 1
	}
	return &Sampling{threshold: uint32(rate * samplingBuckets)}
}

func (s *Sampling) Type() Type         { return PreProcess }
func (s *Sampling) Setup(*Chain) error { return nil }
func (s *Sampling) Teardown()          {}

// Keep reports whether events for anonymousID pass the sample.
func (s *Sampling) Keep(anonymousID string) bool {
	return murmur3.Sum32([]byte(anonymousID))%samplingBuckets < s.threshold
}

func (s *Sampling) Intercept(_ context.Context, event *types.Event) *types.Event {
	if !s.Keep(event.AnonymousID) {
		return nil
	}
	return event
}
