package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	AudioChunks    *prometheus.CounterVec
	DroppedAudio   *prometheus.CounterVec
	ToolCalls      *prometheus.CounterVec
	ToolLatency    prometheus.Histogram
	UpstreamErrors *prometheus.CounterVec

	toolWindow *toolLatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket control messages by direction and type.",
		}, []string{"direction", "type"}),
		AudioChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Relayed audio chunks by direction.",
		}, []string{"direction"}),
		DroppedAudio: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_chunks_total",
			Help:      "Audio chunks dropped under backpressure by direction.",
		}, []string{"direction"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Dispatched tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool handler latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream voice-agent transport errors by code.",
		}, []string{"code"}),
		toolWindow: newToolLatencyWindow(256),
	}
}

// ObserveToolLatency feeds both the Prometheus histogram and the sliding
// window behind the status endpoint.
func (m *Metrics) ObserveToolLatency(tool string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.ToolLatency.Observe(ms)
	m.toolWindow.Observe(tool, ms)
}

func (m *Metrics) ToolLatencySnapshot() ToolLatencySnapshot {
	return m.toolWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
