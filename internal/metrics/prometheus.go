package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice streaming service
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	Evictions         prometheus.Counter

	// Stream metrics
	ActiveStreams  prometheus.Gauge
	StreamsStarted prometheus.Counter
	StreamsEnded   prometheus.Counter

	// Audio pipeline metrics
	ChunksForwarded prometheus.Counter
	ChunkBytes      prometheus.Histogram

	// Protocol metrics
	ProtocolErrors  *prometheus.CounterVec
	MessagesDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics against the given registerer.
// Passing a fresh registry keeps parallel server instances in tests from
// colliding on metric names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_active_connections",
			Help: "Current number of open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_connections_total",
			Help: "Total number of websocket connections accepted",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_evictions_total",
			Help: "Total number of connections evicted for missed heartbeats",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicelink_active_streams",
			Help: "Current number of active audio streams",
		}),
		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_streams_started_total",
			Help: "Total number of audio streams started",
		}),
		StreamsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_streams_ended_total",
			Help: "Total number of audio streams ended",
		}),
		ChunksForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_audio_chunks_forwarded_total",
			Help: "Total number of audio chunks forwarded to the speech engine",
		}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicelink_audio_chunk_bytes",
			Help:    "Size of forwarded audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to ~128KB
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicelink_protocol_errors_total",
			Help: "Total number of error messages sent to clients",
		}, []string{"code"}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicelink_messages_dropped_total",
			Help: "Total number of outbound messages dropped on full send buffers",
		}),
	}
}

func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

func (m *Metrics) RecordEviction() {
	m.Evictions.Inc()
}

func (m *Metrics) RecordStreamStarted() {
	m.StreamsStarted.Inc()
	m.ActiveStreams.Inc()
}

func (m *Metrics) RecordStreamEnded() {
	m.StreamsEnded.Inc()
	m.ActiveStreams.Dec()
}

func (m *Metrics) RecordChunkForwarded(sizeBytes int) {
	m.ChunksForwarded.Inc()
	m.ChunkBytes.Observe(float64(sizeBytes))
}

func (m *Metrics) RecordProtocolError(code string) {
	m.ProtocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordMessageDropped() {
	m.MessagesDropped.Inc()
}
