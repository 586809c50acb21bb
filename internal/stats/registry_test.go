package stats

import (
	"math"
	"sync"
	"testing"
)

func TestRegistryAverage(t *testing.T) {
	tests := []struct {
		name      string
		durations []float64
		wantCount int64
		wantTotal float64
		wantAvg   float64
	}{
		{name: "no transcriptions", wantCount: 0, wantTotal: 0, wantAvg: 0},
		{name: "single", durations: []float64{3}, wantCount: 1, wantTotal: 3, wantAvg: 3},
		{name: "several", durations: []float64{1.5, 2.5, 5}, wantCount: 3, wantTotal: 9, wantAvg: 3},
		{name: "negative clamps", durations: []float64{-4, 2}, wantCount: 2, wantTotal: 2, wantAvg: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, d := range tt.durations {
				r.Record(d)
			}
			snap := r.Snapshot()
			if snap.Count != tt.wantCount {
				t.Errorf("count = %d, want %d", snap.Count, tt.wantCount)
			}
			if math.Abs(snap.TotalDuration-tt.wantTotal) > 1e-9 {
				t.Errorf("total = %f, want %f", snap.TotalDuration, tt.wantTotal)
			}
			if math.Abs(snap.Average-tt.wantAvg) > 1e-9 {
				t.Errorf("average = %f, want %f", snap.Average, tt.wantAvg)
			}
		})
	}
}

// TestRegistryConcurrentRecord verifies counts survive concurrent readers and writers.
func TestRegistryConcurrentRecord(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Record(1)
		}()
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	if got := r.Snapshot().Count; got != 50 {
		t.Fatalf("count = %d, want 50", got)
	}
}
