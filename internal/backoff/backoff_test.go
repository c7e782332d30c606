package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/courier/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func halfJitter(d time.Duration) time.Duration { return d / 2 }

func noJitter(time.Duration) time.Duration { return 0 }

func TestExponential_Sequence(t *testing.T) {
	p := NewExponential(time.Second, 2).WithJitter(halfJitter)

	assert.Equal(t, 1500*time.Millisecond, p.NextDelay())
	assert.Equal(t, 3000*time.Millisecond, p.NextDelay())
	assert.Equal(t, 6000*time.Millisecond, p.NextDelay())
	assert.Equal(t, 3, p.Attempt())

	p.Reset()
	assert.Equal(t, 1500*time.Millisecond, p.NextDelay())
}

func TestExponential_InvalidFallsBackToDefaults(t *testing.T) {
	p := NewExponential(5*time.Millisecond, 10)
	assert.Equal(t, DefaultInterval, p.Interval())
	assert.Equal(t, DefaultBase, p.Base())

	p = NewExponential(time.Second, 1)
	assert.Equal(t, DefaultBase, p.Base())
	assert.Equal(t, time.Second, p.Interval())
}

func TestExponential_LargeAttemptIsBounded(t *testing.T) {
	p := NewExponential(time.Second, 5)
	assert.Equal(t, maxDelay, p.BaseDelay(1000))
}

func TestMaxAttempts_CoolOffThenReset(t *testing.T) {
	inner := NewExponential(time.Second, 2).WithJitter(noJitter)
	m := NewMaxAttempts(inner, 3, 30*time.Minute, clock.Fake(time.Now()))

	assert.Equal(t, time.Second, m.Next())
	assert.Equal(t, 2*time.Second, m.Next())
	assert.Equal(t, 4*time.Second, m.Next())
	assert.Equal(t, 30*time.Minute, m.Next())
	assert.Equal(t, 0, m.Attempts())

	// After cool-off the sequence restarts from the first interval.
	assert.Equal(t, time.Second, m.Next())
}

func TestMaxAttempts_Defaults(t *testing.T) {
	m := NewMaxAttempts(NewExponential(time.Second, 2).WithJitter(noJitter), 0, 0, nil)
	for i := 0; i < DefaultMaxAttempts; i++ {
		assert.Less(t, m.Next(), DefaultCoolOff)
	}
	assert.Equal(t, DefaultCoolOff, m.Next())
}

func TestMaxAttempts_ResetClearsCounter(t *testing.T) {
	m := NewMaxAttempts(NewExponential(time.Second, 2).WithJitter(noJitter), 5, time.Hour, nil)
	m.Next()
	m.Next()
	m.Reset()
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, time.Second, m.Next())
}

func TestMaxAttempts_WaitUsesClock(t *testing.T) {
	fake := clock.Fake(time.Now())
	m := NewMaxAttempts(NewExponential(time.Second, 2).WithJitter(noJitter), 5, time.Hour, fake)

	done := make(chan error, 1)
	go func() {
		d, err := m.Wait(context.Background())
		assert.Equal(t, time.Second, d)
		done <- err
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after advance")
	}
}

func TestMaxAttempts_WaitCancelled(t *testing.T) {
	fake := clock.Fake(time.Now())
	m := NewMaxAttempts(NewExponential(time.Second, 2), 5, time.Hour, fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Wait(ctx)
		done <- err
	}()

	fake.WaitForTimers(1)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}
