// Package backoff computes retry delays for failed uploads.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultBase     = 2.0

	// MinInterval is the smallest accepted starting interval.
	MinInterval = 100 * time.Millisecond

	// MaxBase is the largest accepted growth factor.
	MaxBase = 5.0

	// maxDelay bounds the computed delay so large attempt counts cannot
	// overflow time.Duration.
	maxDelay = 24 * time.Hour
)

// Policy yields successive retry delays.
type Policy interface {
	// NextDelay returns the delay for the current attempt and advances
	// the attempt counter.
	NextDelay() time.Duration

	// Reset returns the policy to its first attempt.
	Reset()
}

// JitterFunc returns a jitter in [0, d) to add to the base delay d.
type JitterFunc func(d time.Duration) time.Duration

// UniformJitter draws uniformly from [0, d).
func UniformJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// Exponential grows the delay as interval * base^attempt plus jitter.
type Exponential struct {
	mu       sync.Mutex
	interval time.Duration
	base     float64
	attempt  int
	jitter   JitterFunc
}

// NewExponential creates an exponential policy. An interval below
// MinInterval or a base outside (1, MaxBase] falls back to the default.
func NewExponential(interval time.Duration, base float64) *Exponential {
	if interval < MinInterval {
		interval = DefaultInterval
	}
	if base <= 1 || base > MaxBase {
		base = DefaultBase
	}
	return &Exponential{
		interval: interval,
		base:     base,
		jitter:   UniformJitter,
	}
}

// WithJitter replaces the jitter source. Tests use it to pin delays.
func (e *Exponential) WithJitter(j JitterFunc) *Exponential {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jitter = j
	return e
}

// Interval returns the effective starting interval.
func (e *Exponential) Interval() time.Duration { return e.interval }

// Base returns the effective growth factor.
func (e *Exponential) Base() float64 { return e.base }

// BaseDelay returns interval * base^attempt without jitter.
func (e *Exponential) BaseDelay(attempt int) time.Duration {
	d := float64(e.interval) * math.Pow(e.base, float64(attempt))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		return maxDelay
	}
	return time.Duration(d)
}

// NextDelay implements Policy.
func (e *Exponential) NextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := e.BaseDelay(e.attempt)
	e.attempt++
	return d + e.jitter(d)
}

// Reset implements Policy.
func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

// Attempt returns the number of delays handed out since the last Reset.
func (e *Exponential) Attempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}
