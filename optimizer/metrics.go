package optimizer

import (
	"runtime"
	"sort"
	"sync"
)

// Snapshot is a point-in-time view of recent performance, consumed by the
// adaptive strategies and exposed through engine metrics.
type Snapshot struct {
	Samples      int     `json:"samples"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	Saturation   float64 `json:"saturation"` // in-flight / ceiling
	QueueDepth   int     `json:"queue_depth"`
	HeapMB       float64 `json:"heap_mb"`
}

// latencyWindow keeps a bounded rolling window of recent latency samples.
// When the cap is exceeded the oldest half is discarded, trading precision
// for a hard memory bound.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64
	cap     int
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity < 2 {
		capacity = 2
	}
	return &latencyWindow{
		samples: make([]float64, 0, capacity),
		cap:     capacity,
	}
}

func (w *latencyWindow) add(latencyMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= w.cap {
		keep := len(w.samples) / 2
		copy(w.samples, w.samples[len(w.samples)-keep:])
		w.samples = w.samples[:keep]
	}
	w.samples = append(w.samples, latencyMs)
}

// stats returns mean, p95 and p99 over the current window.
func (w *latencyWindow) stats() (count int, mean, p95, p99 float64) {
	w.mu.Lock()
	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	w.mu.Unlock()

	count = len(sorted)
	if count == 0 {
		return 0, 0, 0, 0
	}
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(count)
	p95 = sorted[percentileIndex(count, 0.95)]
	p99 = sorted[percentileIndex(count, 0.99)]
	return count, mean, p95, p99
}

func percentileIndex(n int, q float64) int {
	idx := int(float64(n)*q) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// heapMB samples current heap usage. Called on the tuning interval, not per
// operation; ReadMemStats stops the world briefly.
func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1024 * 1024)
}
