package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_claims_total",
		Help: "Accept attempts by outcome (won, already_claimed, active_commitment, error)",
	}, []string{"outcome"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_session_transitions_total",
		Help: "Applied session lifecycle transitions",
	}, []string{"from", "to", "event"})

	SweepRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_sweep_repairs_total",
		Help: "Records repaired by the reconciliation sweeper, by rule",
	}, []string{"rule"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consult_sweep_duration_seconds",
		Help:    "Duration of reconciliation sweeps",
		Buckets: prometheus.DefBuckets,
	})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_bus_published_total",
		Help: "Lifecycle events published on the event bus",
	}, []string{"type"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_bus_dropped_total",
		Help: "Lifecycle events not delivered to a subscriber, by reason",
	}, []string{"reason"})

	BillingAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consult_billing_attempts_total",
		Help: "Payment capture attempts by outcome (captured, retry, failed)",
	}, []string{"outcome"})

	ActiveClocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "consult_session_clocks_active",
		Help: "Session clocks currently armed on this instance",
	})
)

// IncDrop records an undelivered bus event.
func IncDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(reason).Inc()
}
