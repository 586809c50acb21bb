// Package stats holds the process-wide transcription counters.
package stats

import "sync"

// Registry counts successful transcriptions and the audio they covered.
// Counters only grow and reset only with the process.
type Registry struct {
	mu            sync.Mutex
	count         int64
	totalDuration float64
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Count         int64
	TotalDuration float64
	Average       float64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Record adds one successful transcription of the given duration and returns
// the new request count. Negative durations count as zero.
func (r *Registry) Record(durationSeconds float64) int64 {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.totalDuration += durationSeconds
	return r.count
}

// Snapshot returns the current totals with the average guarded by max(1, count).
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	divisor := r.count
	if divisor < 1 {
		divisor = 1
	}
	return Snapshot{
		Count:         r.count,
		TotalDuration: r.totalDuration,
		Average:       r.totalDuration / float64(divisor),
	}
}
