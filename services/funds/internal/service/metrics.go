// Package service holds process-wide funds instrumentation shared by the workflows.
package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	LedgerOperations     *prometheus.CounterVec
	Withdrawals          *prometheus.CounterVec
	Deposits             *prometheus.CounterVec
	CollaboratorDuration *prometheus.HistogramVec
	CollaboratorRetries  *prometheus.CounterVec
	RateFallbacks        *prometheus.CounterVec
	ObservationsConsumed *prometheus.CounterVec
	PollCycles           *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LedgerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_ledger_operations_total",
				Help: "Total ledger operations by type and outcome.",
			},
			[]string{"op", "status"},
		),
		Withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_withdrawals_total",
				Help: "Total withdrawal state transitions.",
			},
			[]string{"kind", "transition"},
		),
		Deposits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_deposits_total",
				Help: "Total deposit state transitions.",
			},
			[]string{"kind", "transition"},
		),
		CollaboratorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "funds_collaborator_call_duration_seconds",
				Help:    "External collaborator call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collaborator", "status"},
		),
		CollaboratorRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_collaborator_retries_total",
				Help: "Total external collaborator call retries.",
			},
			[]string{"collaborator"},
		),
		RateFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_rate_fallbacks_total",
				Help: "Total rate quotes served from the last good value.",
			},
			[]string{"policy"},
		),
		ObservationsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_chain_observations_total",
				Help: "Total chain observation events consumed.",
			},
			[]string{"status"},
		),
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funds_poll_items_total",
				Help: "Total records visited by the confirmation poller.",
			},
			[]string{"kind", "status"},
		),
	}

	registry.MustRegister(
		m.LedgerOperations,
		m.Withdrawals,
		m.Deposits,
		m.CollaboratorDuration,
		m.CollaboratorRetries,
		m.RateFallbacks,
		m.ObservationsConsumed,
		m.PollCycles,
	)
	return m
}

func (m *Metrics) IncLedgerOperation(op, status string) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(op, status).Inc()
}

func (m *Metrics) IncWithdrawal(kind, transition string) {
	if m == nil {
		return
	}
	m.Withdrawals.WithLabelValues(kind, transition).Inc()
}

func (m *Metrics) IncDeposit(kind, transition string) {
	if m == nil {
		return
	}
	m.Deposits.WithLabelValues(kind, transition).Inc()
}

func (m *Metrics) ObserveCollaboratorCall(collaborator, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CollaboratorDuration.WithLabelValues(collaborator, status).Observe(duration.Seconds())
}

func (m *Metrics) IncCollaboratorRetry(collaborator string) {
	if m == nil {
		return
	}
	m.CollaboratorRetries.WithLabelValues(collaborator).Inc()
}

func (m *Metrics) IncRateFallback(policy string) {
	if m == nil {
		return
	}
	m.RateFallbacks.WithLabelValues(policy).Inc()
}

func (m *Metrics) IncObservation(status string) {
	if m == nil {
		return
	}
	m.ObservationsConsumed.WithLabelValues(status).Inc()
}

func (m *Metrics) IncPollItem(kind, status string) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(kind, status).Inc()
}
