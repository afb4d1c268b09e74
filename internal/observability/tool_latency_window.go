package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ToolLatencyStats summarizes recent handler latencies for one tool.
type ToolLatencyStats struct {
	Tool    string  `json:"tool"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type ToolLatencySnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Tools       []ToolLatencyStats `json:"tools"`
}

// toolLatencyWindow keeps a fixed-size ring of latency samples per tool so
// the status endpoint can report percentiles without a metrics backend.
type toolLatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	tools      map[string]*latencyRing
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newToolLatencyWindow(maxSamples int) *toolLatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &toolLatencyWindow{
		maxSamples: maxSamples,
		tools:      make(map[string]*latencyRing),
	}
}

func (w *toolLatencyWindow) Observe(tool string, ms float64) {
	if tool == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.tools[tool]
	if !ok {
		ring = &latencyRing{values: make([]float64, w.maxSamples)}
		w.tools[tool] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *toolLatencyWindow) Snapshot() ToolLatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.tools))
	for tool := range w.tools {
		keys = append(keys, tool)
	}
	sort.Strings(keys)

	stats := make([]ToolLatencyStats, 0, len(keys))
	for _, tool := range keys {
		ring := w.tools[tool]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		stats = append(stats, ToolLatencyStats{
			Tool:    tool,
			Samples: n,
			LastMS:  round2(ring.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	return ToolLatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Tools:       stats,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
