// Package metrics holds the Prometheus collectors exported by loandesk.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var LoanTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loandesk",
	Subsystem: "loan",
	Name:      "transitions_total",
	Help:      "Loan status transitions applied, by target status.",
}, []string{"status"})

var LoanApplications = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "loandesk",
	Subsystem: "loan",
	Name:      "applications_total",
	Help:      "Loan applications accepted.",
})

var TransactionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loandesk",
	Subsystem: "ledger",
	Name:      "transactions_recorded_total",
	Help:      "Ledger entries created, by type and initial status.",
}, []string{"type", "status"})

var TransactionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loandesk",
	Subsystem: "ledger",
	Name:      "transactions_settled_total",
	Help:      "Pending ledger entries moved to a terminal status.",
}, []string{"status"})

// Reconciliations counts reconcile attempts by source (poll, webhook, sweep) and outcome.
var Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "loandesk",
	Subsystem: "payment",
	Name:      "reconciliations_total",
	Help:      "Payment reconciliation attempts by source and outcome.",
}, []string{"source", "outcome"})

var GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "loandesk",
	Subsystem: "gateway",
	Name:      "request_duration_seconds",
	Help:      "Payment gateway request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation", "result"})
