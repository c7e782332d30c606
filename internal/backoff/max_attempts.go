package backoff

import (
	"context"
	"sync"
	"time"

	"github.com/arkilian/courier/internal/clock"
)

const (
	DefaultMaxAttempts = 5
	DefaultCoolOff     = 30 * time.Minute
)

// MaxAttempts wraps a Policy and limits consecutive retries. Once more
// than maxAttempts delays have been requested without a Reset, the next
// delay is the cool-off and the count starts over.
type MaxAttempts struct {
	mu          sync.Mutex
	policy      Policy
	maxAttempts int
	coolOff     time.Duration
	attempts    int
	clock       clock.Clock
}

// NewMaxAttempts creates the wrapper. Non-positive maxAttempts or coolOff
// fall back to the defaults; a nil clock means the real clock.
func NewMaxAttempts(policy Policy, maxAttempts int, coolOff time.Duration, clk clock.Clock) *MaxAttempts {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if coolOff <= 0 {
		coolOff = DefaultCoolOff
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MaxAttempts{
		policy:      policy,
		maxAttempts: maxAttempts,
		coolOff:     coolOff,
		clock:       clk,
	}
}

// Next returns the delay to wait before the next retry.
func (m *MaxAttempts) Next() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.attempts > m.maxAttempts {
		m.attempts = 0
		m.policy.Reset()
		return m.coolOff
	}
	return m.policy.NextDelay()
}

// Wait sleeps for Next() or until ctx is done, returning ctx.Err() in the
// latter case. The chosen delay is returned either way.
func (m *MaxAttempts) Wait(ctx context.Context) (time.Duration, error) {
	d := m.Next()
	select {
	case <-ctx.Done():
		return d, ctx.Err()
	case <-m.clock.After(d):
		return d, nil
	}
}

// Reset clears the attempt counter and the wrapped policy.
func (m *MaxAttempts) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
	m.policy.Reset()
}

// Attempts returns the consecutive attempts since the last reset.
func (m *MaxAttempts) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
