package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStats_ConcurrentRecords(t *testing.T) {
	s := NewDeliveryStats(time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordEventStored(ctx, 10)
				s.RecordUpload(ctx, "retryable", "NETWORK_UNAVAILABLE", 0)
				s.RecordUpload(ctx, "non_retryable", "BAD_REQUEST", 0)
				if j%2 == 0 {
					s.RecordUpload(ctx, "retryable", "RETRYABLE_STATUS", 0)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), s.Snapshot().EventsStored)

	top := s.TopFailures(10)
	assert.Len(t, top, 3)
	assert.Equal(t, int64(1000), top[0].Frequency)
	assert.Equal(t, int64(1000), top[1].Frequency)
	assert.Equal(t, "RETRYABLE_STATUS", top[2].Code)
	assert.Equal(t, int64(500), top[2].Frequency)
	assert.Equal(t, 500, top[2].Statuses["retryable"])
}

func TestDeliveryStats_TopFailuresLimit(t *testing.T) {
	s := NewDeliveryStats(time.Hour)
	assert.Empty(t, s.TopFailures(3))

	s.RecordUpload(context.Background(), "retryable", "A", 0)
	s.RecordUpload(context.Background(), "retryable", "B", 0)
	assert.Len(t, s.TopFailures(1), 1)
	assert.Empty(t, s.TopFailures(0))
}

func TestDeliveryStats_SuccessTracked(t *testing.T) {
	s := NewDeliveryStats(time.Hour)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.RecordUpload(context.Background(), "success", "", 0)
	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.BatchesUploaded)
	assert.Equal(t, fixed, snap.LastSuccess)
	assert.Empty(t, s.TopFailures(5))
}

func TestDeliveryStats_Prune(t *testing.T) {
	s := NewDeliveryStats(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RecordUpload(context.Background(), "retryable", "OLD", 0)
	now = now.Add(2 * time.Minute)
	s.RecordUpload(context.Background(), "retryable", "NEW", 0)

	s.Prune()
	top := s.TopFailures(5)
	assert.Len(t, top, 1)
	assert.Equal(t, "NEW", top[0].Code)
}

func TestDeliveryStats_DroppedBy(t *testing.T) {
	s := NewDeliveryStats(time.Hour)
	s.RecordEventDropped(context.Background(), "too_large")
	s.RecordEventDropped(context.Background(), "too_large")
	s.RecordEventDropped(context.Background(), "serialize")

	assert.Equal(t, int64(2), s.DroppedBy("too_large"))
	assert.Equal(t, int64(3), s.Snapshot().EventsDropped)
}
