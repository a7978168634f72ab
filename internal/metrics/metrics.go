// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SamplesIngested counts samples accepted into the queue, by path.
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_samples_ingested_total",
			Help: "Total number of metric samples accepted for evaluation",
		},
		[]string{"path"},
	)

	// SamplesRejected counts samples rejected before evaluation.
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_samples_rejected_total",
			Help: "Total number of metric samples rejected",
		},
		[]string{"path", "reason"},
	)

	// ThreatEvents counts detector matches by pattern.
	ThreatEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_threat_events_total",
			Help: "Total number of threat events emitted by the detector",
		},
		[]string{"pattern"},
	)

	// Transitions counts alert lifecycle transitions.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_alert_transitions_total",
			Help: "Total number of alert lifecycle transitions",
		},
		[]string{"type"},
	)

	// ActiveAlerts tracks the live alert population.
	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardpost_active_alerts",
			Help: "Number of currently active alerts",
		},
	)

	// QueueDepth tracks buffered samples awaiting a tick.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardpost_sample_queue_depth",
			Help: "Current depth of the sample queue",
		},
	)

	// TickDuration observes full evaluation tick latency.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardpost_tick_duration_seconds",
			Help:    "Evaluation tick duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// TickSamples observes samples evaluated per tick.
	TickSamples = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardpost_tick_samples",
			Help:    "Samples evaluated per tick",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)
