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
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WSWriteErrors    *prometheus.CounterVec
	OutboundQueue    *prometheus.CounterVec
	Frames           *prometheus.CounterVec
	TierDegradations *prometheus.CounterVec
	DecodeFailures   prometheus.Counter
	SpeakingEdges    *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	FrameLatency     prometheus.Histogram
	AvatarPrepare    prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected lip-sync sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		OutboundQueue: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_queue_total",
			Help:      "Outbound messages offered to the writer queue by type and result.",
		}, []string{"type", "result"}),
		Frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames delivered by synthesis tier.",
		}, []string{"tier"}),
		TierDegradations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_degradations_total",
			Help:      "Session tier drops and neural pauses by reason.",
		}, []string{"from", "to", "reason"}),
		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_decode_failures_total",
			Help:      "Audio chunks that could not be decoded.",
		}),
		SpeakingEdges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaking_edges_total",
			Help:      "Speaking state transitions by new state.",
		}, []string{"state"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Per-chunk pipeline stage latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"stage"}),
		FrameLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_latency_ms",
			Help:      "Latency from audio message receipt to frame send in milliseconds.",
			Buckets:   []float64{5, 10, 20, 40, 60, 100, 150, 250, 500},
		}),
		AvatarPrepare: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "avatar_prepare_seconds",
			Help:      "Avatar load and latent preparation time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		stages: newStageWindow(512),
	}
}

// ObserveStage records one stage duration in both the histogram and the
// rolling window behind /v1/perf/latency. tier is the tier the frame was
// rendered at.
func (m *Metrics) ObserveStage(stage, tier string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, tier, ms)
}

func (m *Metrics) ObserveFrameLatency(tier string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.FrameLatency.Observe(ms)
	m.stages.Observe(StageFrameTotal, tier, ms)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundQueue.WithLabelValues(msgType, result).Inc()
}

// ObserveIndicator counts a named pipeline event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
