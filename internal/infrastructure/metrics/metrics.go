// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlm_ledger_batches_total",
			Help: "Ledger batches by source and outcome (applied, replayed, rejected).",
		},
		[]string{"source", "outcome"},
	)

	LedgerAppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlm_ledger_append_duration_seconds",
			Help:    "Time spent appending one ledger batch, lock wait included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"source"},
	)

	CyclePayouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlm_cycle_payout_minor_units_total",
			Help: "Sum of credits paid out for cycle events.",
		},
	)

	ClosingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlm_closing_events_total",
			Help: "Events processed by closing runs by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	ClosingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlm_closing_runs_total",
			Help: "Finished closing runs by category and final state.",
		},
		[]string{"category", "state"},
	)

	Withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlm_withdrawals_total",
			Help: "Withdrawal requests by status transition.",
		},
		[]string{"status"},
	)

	OutboxSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlm_outbox_messages_total",
			Help: "Outbox relay attempts by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)

	HTTPRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlm_http_request_duration_seconds",
			Help:    "Duration of API requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerBatches,
		LedgerAppendDuration,
		CyclePayouts,
		ClosingEvents,
		ClosingRuns,
		Withdrawals,
		OutboxSent,
		HTTPRequests,
	)
}
