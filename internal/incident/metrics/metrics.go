package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_alerts_ingested_total",
			Help: "Alerts accepted by the normalizer",
		},
		[]string{"source"},
	)

	AlertsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_alerts_rejected_total",
			Help: "Alerts rejected as malformed",
		},
		[]string{"reason"},
	)

	AlertsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incidentd_alerts_deduplicated_total",
			Help: "Alerts suppressed inside the dedup window",
		},
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_incidents_created_total",
			Help: "Incidents opened by the correlation engine",
		},
		[]string{"severity"},
	)

	IncidentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_incident_transitions_total",
			Help: "Incident status transitions",
		},
		[]string{"from", "to"},
	)

	MitigationSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_mitigation_steps_total",
			Help: "Mitigation step executions by result",
		},
		[]string{"result"},
	)

	RollbackDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_rollback_decisions_total",
			Help: "Rollback engine decisions",
		},
		[]string{"decision"},
	)

	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidentd_notification_deliveries_total",
			Help: "Notification delivery outcomes by channel",
		},
		[]string{"channel", "status"},
	)

	CorrelationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "incidentd_correlation_latency_seconds",
			Help:    "Time from alert receipt to incident assignment",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)
