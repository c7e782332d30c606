package flush

import (
	"sync"
	"time"

	"github.com/arkilian/courier/internal/clock"
)

const (
	DefaultInterval = 10 * time.Second
	MinInterval     = time.Millisecond
)

// Frequency calls the flush callback on a fixed interval while scheduled.
// It never asks for a flush through ShouldFlush.
type Frequency struct {
	interval time.Duration
	clock    clock.Clock

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewFrequency creates a Frequency policy. An interval below MinInterval
// uses DefaultInterval; a nil clock means the real clock.
func NewFrequency(interval time.Duration, clk clock.Clock) *Frequency {
	if interval < MinInterval {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Frequency{interval: interval, clock: clk}
}

// Interval returns the effective interval.
func (f *Frequency) Interval() time.Duration { return f.interval }

func (f *Frequency) ShouldFlush() bool { return false }
func (f *Frequency) UpdateState()      {}
func (f *Frequency) Reset()            {}

// Schedule implements Scheduler.
func (f *Frequency) Schedule(flush func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	f.stop, f.done = stop, done

	ticker := f.clock.NewTicker(f.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				flush()
			}
		}
	}()
}

// CancelSchedule implements Scheduler. It returns once the ticker
// goroutine has exited.
func (f *Frequency) CancelSchedule() {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Scheduled reports whether a schedule is active.
func (f *Frequency) Scheduled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop != nil
}
