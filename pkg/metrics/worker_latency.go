// Package metrics keeps in-process latency percentiles and pool health for
// the /stats endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const defaultWindow = 512

// LatencyTracker keeps the most recent samples in a ring and reports
// percentiles over them.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	total   int64
}

// NewLatencyTracker creates a tracker over the last window samples.
func NewLatencyTracker(window int) *LatencyTracker {
	if window <= 0 {
		window = defaultWindow
	}
	return &LatencyTracker{samples: make([]time.Duration, window)}
}

// Record adds one measurement, overwriting the oldest when the window is full.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.samples[lt.next] = d
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.full = true
	}
	lt.total++
}

// Stats returns percentiles over the current window. Count is the number of
// samples ever recorded.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	n := lt.next
	if lt.full {
		n = len(lt.samples)
	}
	window := make([]time.Duration, n)
	copy(window, lt.samples[:n])
	total := lt.total
	lt.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, v := range window {
		sum += v
	}

	return LatencyStats{
		Count:   total,
		Samples: n,
		MinMs:   toMs(window[0]),
		MaxMs:   toMs(window[n-1]),
		AvgMs:   toMs(sum / time.Duration(n)),
		P50Ms:   toMs(percentile(window, 0.50)),
		P95Ms:   toMs(percentile(window, 0.95)),
		P99Ms:   toMs(percentile(window, 0.99)),
	}
}

// percentile expects sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	return sorted[int(float64(len(sorted)-1)*p)]
}

func toMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// LatencyStats is a tracker snapshot in milliseconds.
type LatencyStats struct {
	Count   int64   `json:"count"`
	Samples int     `json:"samples"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

// =============================================================================
// Registry
// =============================================================================

// LatencyRegistry holds one tracker per named stage, e.g. "rules.select".
type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewLatencyRegistry(window int) *LatencyRegistry {
	return &LatencyRegistry{trackers: make(map[string]*LatencyTracker), window: window}
}

// Record adds a measurement for stage, creating its tracker on first use.
func (r *LatencyRegistry) Record(stage string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[stage]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[stage]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[stage] = tracker
		}
		r.mu.Unlock()
	}

	tracker.Record(d)
}

// AllStats returns a snapshot per stage.
func (r *LatencyRegistry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]LatencyStats, len(r.trackers))
	for name, tracker := range r.trackers {
		result[name] = tracker.Stats()
	}
	return result
}

var (
	globalRegistry     *LatencyRegistry
	globalRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry.
func GlobalRegistry() *LatencyRegistry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewLatencyRegistry(defaultWindow)
	})
	return globalRegistry
}

// RecordLatency records to the global registry.
func RecordLatency(stage string, d time.Duration) {
	GlobalRegistry().Record(stage, d)
}

// Since records the time elapsed since start; use as defer metrics.Since("x", time.Now()).
func Since(stage string, start time.Time) {
	GlobalRegistry().Record(stage, time.Since(start))
}

// GetAllLatencyStats returns all stats from the global registry.
func GetAllLatencyStats() map[string]LatencyStats {
	return GlobalRegistry().AllStats()
}
