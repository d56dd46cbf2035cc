package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice session engine
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	ActiveSessions  prometheus.Gauge

	ChunksReceived prometheus.Counter
	ChunkBytes     prometheus.Histogram

	ProcessRuns        prometheus.Counter
	ProcessDuration    prometheus.Histogram
	FallbackExchanges  prometheus.Counter
	TriggerDecisions   *prometheus.CounterVec
	TransitionConflict prometheus.Counter
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer for the serve command.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "soniq_sessions_started_total",
			Help: "Total number of voice sessions started",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "soniq_sessions_ended_total",
			Help: "Total number of voice sessions ended",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "soniq_active_sessions",
			Help: "Current number of open voice sessions",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "soniq_chunks_received_total",
			Help: "Total number of audio chunks received",
		}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "soniq_chunk_bytes",
			Help:    "Size distribution of received audio chunks",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		}),
		ProcessRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "soniq_process_runs_total",
			Help: "Total number of full processing runs",
		}),
		ProcessDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "soniq_process_duration_seconds",
			Help:    "Duration of full speech-to-speech exchanges",
			Buckets: prometheus.DefBuckets,
		}),
		FallbackExchanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "soniq_fallback_exchanges_total",
			Help: "Total number of exchanges served by the degraded path",
		}),
		TriggerDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soniq_trigger_decisions_total",
			Help: "Flush decisions by trigger reason",
		}, []string{"reason"}),
		TransitionConflict: factory.NewCounter(prometheus.CounterOpts{
			Name: "soniq_transition_conflicts_total",
			Help: "Phase transitions lost to a concurrent handler",
		}),
	}
}
