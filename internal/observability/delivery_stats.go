package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DeliveryStats keeps in-process delivery counters and failure
// frequencies. It implements Recorder so it can sit beside the OTel
// recorder in a Multi.
type DeliveryStats struct {
	mu          sync.RWMutex
	stored      int64
	dropped     map[string]int64
	finalized   int64
	uploaded    int64
	failures    map[string]*FailureStats
	lastSuccess time.Time
	window      time.Duration
	now         func() time.Time
}

// FailureStats holds statistics for one failure code.
type FailureStats struct {
	Code      string
	Frequency int64
	LastSeen  time.Time
	Statuses  map[string]int // status class → count
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EventsStored    int64
	EventsDropped   int64
	BatchesFinal    int64
	BatchesUploaded int64
	LastSuccess     time.Time
}

// NewDeliveryStats creates a tracker. window bounds how long an unseen
// failure code is kept by Prune.
func NewDeliveryStats(window time.Duration) *DeliveryStats {
	return &DeliveryStats{
		dropped:  make(map[string]int64),
		failures: make(map[string]*FailureStats),
		window:   window,
		now:      time.Now,
	}
}

func (d *DeliveryStats) RecordEventStored(_ context.Context, _ int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stored++
}

func (d *DeliveryStats) RecordEventDropped(_ context.Context, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped[reason]++
}

func (d *DeliveryStats) RecordBatchFinalized(_ context.Context, _ int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized++
}

func (d *DeliveryStats) RecordUpload(_ context.Context, status, code string, _ time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if code == "" {
		d.uploaded++
		d.lastSuccess = now
		return
	}

	stats, exists := d.failures[code]
	if !exists {
		stats = &FailureStats{
			Code:     code,
			Statuses: make(map[string]int),
		}
		d.failures[code] = stats
	}
	stats.Frequency++
	stats.LastSeen = now
	stats.Statuses[status]++
}

func (d *DeliveryStats) RecordBackoff(context.Context, time.Duration) {}

// Snapshot returns the current counters.
func (d *DeliveryStats) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var dropped int64
	for _, n := range d.dropped {
		dropped += n
	}
	return Snapshot{
		EventsStored:    d.stored,
		EventsDropped:   dropped,
		BatchesFinal:    d.finalized,
		BatchesUploaded: d.uploaded,
		LastSuccess:     d.lastSuccess,
	}
}

// DroppedBy returns how many events were dropped for reason.
func (d *DeliveryStats) DroppedBy(reason string) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped[reason]
}

// TopFailures returns the n most frequent failure codes, most frequent
// first. The returned values are copies.
func (d *DeliveryStats) TopFailures(n int) []FailureStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if n <= 0 || len(d.failures) == 0 {
		return []FailureStats{}
	}

	stats := make([]FailureStats, 0, len(d.failures))
	for _, s := range d.failures {
		cp := FailureStats{
			Code:      s.Code,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Statuses:  make(map[string]int, len(s.Statuses)),
		}
		for status, count := range s.Statuses {
			cp.Statuses[status] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Code < stats[j].Code
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune forgets failure codes not seen within the window.
func (d *DeliveryStats) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.now().Add(-d.window)
	for code, stats := range d.failures {
		if stats.LastSeen.Before(threshold) {
			delete(d.failures, code)
		}
	}
}
