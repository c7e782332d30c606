// Package flush decides when queued events should be uploaded.
package flush

import (
	"sync/atomic"
)

// Policy is consulted by the event writer after every stored event.
type Policy interface {
	// ShouldFlush reports whether an upload should be triggered now.
	ShouldFlush() bool

	// UpdateState records that one more event was stored.
	UpdateState()

	// Reset is called after an upload has been triggered.
	Reset()
}

// Scheduler is implemented by policies that trigger flushes on their own
// rather than through ShouldFlush.
type Scheduler interface {
	// Schedule starts calling flush periodically. Calling it again while
	// scheduled has no effect.
	Schedule(flush func())

	// CancelSchedule stops the periodic calls. Safe to call repeatedly.
	CancelSchedule()
}

// Startup triggers exactly one flush, the first time it is consulted, so
// batches left over from a previous run go out promptly.
type Startup struct {
	fired atomic.Bool
}

// NewStartup creates a Startup policy.
func NewStartup() *Startup { return &Startup{} }

func (s *Startup) ShouldFlush() bool { return s.fired.CompareAndSwap(false, true) }
func (s *Startup) UpdateState()      {}
func (s *Startup) Reset()            {}

const (
	DefaultFlushAt = 30
	MinFlushAt     = 1
	MaxFlushAt     = 100
)

// Count triggers a flush once flushAt events have been stored since the
// last Reset.
type Count struct {
	flushAt int64
	count   atomic.Int64
}

// NewCount creates a Count policy. Values outside [MinFlushAt, MaxFlushAt]
// use DefaultFlushAt.
func NewCount(flushAt int) *Count {
	if flushAt < MinFlushAt || flushAt > MaxFlushAt {
		flushAt = DefaultFlushAt
	}
	return &Count{flushAt: int64(flushAt)}
}

// FlushAt returns the effective threshold.
func (c *Count) FlushAt() int { return int(c.flushAt) }

func (c *Count) ShouldFlush() bool { return c.count.Load() >= c.flushAt }
func (c *Count) UpdateState()      { c.count.Add(1) }
func (c *Count) Reset()            { c.count.Store(0) }
