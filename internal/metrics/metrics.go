// Package metrics provides Prometheus metrics for capture and transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postmic"

// Metrics holds all Prometheus metrics for a postmic process.
type Metrics struct {
	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsFailed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Connection metrics
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	TransportDrops  prometheus.Counter
	PingsAnswered   prometheus.Counter

	// Audio metrics
	FramesCaptured prometheus.Counter
	FramesSilent   prometheus.Counter
	ChunksSent     *prometheus.CounterVec
	SamplesSent    prometheus.Counter
	SendFailures   prometheus.Counter

	// Transcript metrics
	TranscriptsReceived prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of dictation sessions started",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of dictation sessions currently capturing",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions that ended in an error",
		}, []string{"code"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time between capture start and stop",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),

		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of WebSocket dial attempts",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total number of failed WebSocket dial attempts",
		}),
		TransportDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_drops_total",
			Help:      "Total number of connections lost while recording",
		}),
		PingsAnswered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_answered_total",
			Help:      "Total number of keep-alive pings answered with a pong",
		}),

		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Total number of capture frames delivered",
		}),
		FramesSilent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_silent_total",
			Help:      "Total number of capture frames dropped as silence",
		}),
		ChunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Total number of audio chunks queued for sending",
		}, []string{"final"}),
		SamplesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_sent_total",
			Help:      "Total number of PCM samples queued for sending",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of outbound messages that could not be sent",
		}),

		TranscriptsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_received_total",
			Help:      "Total number of transcript updates received",
		}),
	}
}

// Private returns metrics bound to a fresh registry. Used where no process
// registry is wired, and in tests.
func Private() *Metrics {
	return New(prometheus.NewRegistry())
}

// ChunkLabel is the value of the final label on ChunksSent.
func ChunkLabel(final bool) string {
	if final {
		return "true"
	}
	return "false"
}
