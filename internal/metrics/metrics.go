// Package metrics holds the Prometheus collectors of the trust engine. They are
// registered on the default registry and served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_login_decisions_total",
		Help: "Login evaluations by decision.",
	}, []string{"decision"})

	RiskScores = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trust_risk_score",
		Help:    "Risk scores produced by the anomaly scorer.",
		Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.75, 0.9, 1},
	}, []string{"stage"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trust_monitor_sweep_duration_seconds",
		Help:    "Duration of session monitor sweeps.",
		Buckets: prometheus.DefBuckets,
	})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_monitor_sweep_errors_total",
		Help: "Per-record failures during monitor sweeps by step.",
	}, []string{"step"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trust_active_sessions",
		Help: "Active sessions seen by the last monitor sweep.",
	})

	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_security_events_total",
		Help: "Security events recorded by type and severity.",
	}, []string{"type", "severity"})

	AlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_alert_deliveries_total",
		Help: "Alert deliveries by sink and result.",
	}, []string{"sink", "result"})

	ChallengeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_mfa_challenge_outcomes_total",
		Help: "MFA challenge verification outcomes.",
	}, []string{"outcome"})

	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_side_effect_failures_total",
		Help: "Follow-up updates that failed after their primary operation succeeded.",
	}, []string{"op"})
)
