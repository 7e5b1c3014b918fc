package gnss

import (
	"sync"
	"time"
)

// FixRecorder records the times of the last N fixes.
type FixRecorder struct {
	MaxRecordCount int
	LastFixTimes   []time.Time
	mu             *sync.Mutex
}

// NewFixRecorder returns a new FixRecorder.
func NewFixRecorder(maxRecordCount int) *FixRecorder {
	return &FixRecorder{
		MaxRecordCount: maxRecordCount,
		LastFixTimes:   make([]time.Time, 0),
		mu:             &sync.Mutex{},
	}
}

// AddRecord adds a new record.
func (r *FixRecorder) AddRecord(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strip monotonic clock reading.
	t = t.Round(0)

	if len(r.LastFixTimes) >= r.MaxRecordCount {
		r.LastFixTimes = r.LastFixTimes[1:]
	}
	r.LastFixTimes = append(r.LastFixTimes, t)
}

// ClearRecords clears all records.
func (r *FixRecorder) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.LastFixTimes = make([]time.Time, 0)
}

// GetRecords returns a copy of the records.
func (r *FixRecorder) GetRecords() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]time.Time, len(r.LastFixTimes))
	copy(out, r.LastFixTimes)
	return out
}

// Last returns the most recent record.
func (r *FixRecorder) Last() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.LastFixTimes) == 0 {
		return time.Time{}, false
	}
	return r.LastFixTimes[len(r.LastFixTimes)-1], true
}

// GetRecordsIn returns the number of records within last before now.
func (r *FixRecorder) GetRecordsIn(last time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for i := len(r.LastFixTimes) - 1; i >= 0; i-- {
		if now.Sub(r.LastFixTimes[i]) > last {
			break
		}
		count++
	}
	return count
}
