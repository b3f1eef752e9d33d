package engine

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencyStats summarizes recent backend call durations in milliseconds.
type LatencyStats struct {
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	MeanMs   float64 `json:"mean_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
}

// LatencyRecorder keeps a bounded window of call durations per backend.
type LatencyRecorder struct {
	window int

	mu       sync.Mutex
	samples  map[string][]float64
	failures map[string]int
}

// NewLatencyRecorder keeps the last window samples per backend.
func NewLatencyRecorder(window int) *LatencyRecorder {
	if window <= 0 {
		window = 200
	}
	return &LatencyRecorder{
		window:   window,
		samples:  make(map[string][]float64),
		failures: make(map[string]int),
	}
}

// Observe records one call.
func (r *LatencyRecorder) Observe(backend string, d time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if failed {
		r.failures[backend]++
	}
	s := append(r.samples[backend], float64(d)/float64(time.Millisecond))
	if len(s) > r.window {
		s = s[len(s)-r.window:]
	}
	r.samples[backend] = s
}

// Snapshot returns stats for every backend observed so far.
func (r *LatencyRecorder) Snapshot() map[string]LatencyStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LatencyStats, len(r.samples))
	for name, s := range r.samples {
		if len(s) == 0 {
			continue
		}
		sorted := append([]float64(nil), s...)
		sort.Float64s(sorted)
		out[name] = LatencyStats{
			Count:    len(sorted),
			Failures: r.failures[name],
			MeanMs:   round1(stat.Mean(sorted, nil)),
			P50Ms:    round1(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
			P95Ms:    round1(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		}
	}
	return out
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
