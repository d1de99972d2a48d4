package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdapterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillota_adapter_calls_total",
			Help: "Total source adapter fetches",
		},
		[]string{"adapter", "station", "status"},
	)

	AdapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quillota_adapter_latency_seconds",
			Help:    "Source adapter fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter", "station"},
	)

	ObservationsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillota_observations_stored_total",
			Help: "Observations persisted to the time series store",
		},
		[]string{"station", "provenance"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillota_alerts_emitted_total",
			Help: "Alerts emitted by the rules engine",
		},
		[]string{"kind", "severity"},
	)

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillota_dispatch_outcomes_total",
			Help: "Notification dispatch outcomes per channel",
		},
		[]string{"channel", "outcome"},
	)

	SessionValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillota_session_validations_total",
			Help: "Session validation results",
		},
		[]string{"result"},
	)
)
