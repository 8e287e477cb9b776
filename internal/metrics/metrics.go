// Package metrics exposes Prometheus counters for the circulation service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const namespace = "circulation"

// Metrics holds the service's collectors
type Metrics struct {
	transitions      *prometheus.CounterVec
	expired          prometheus.Counter
	overdue          prometheus.Counter
	ledgerViolations prometheus.Counter
	finesCharged     prometheus.Counter
	events           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loan_operations_total",
			Help:      "Loan lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Reservations cancelled because the pickup deadline passed.",
		}),
		overdue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_marked_overdue_total",
			Help:      "Active loans moved to overdue.",
		}),
		ledgerViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_invariant_violations_total",
			Help:      "Availability ledger operations rejected for breaking 0 <= available <= total.",
		}),
		finesCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fines_charged_total",
			Help:      "Sum of fines finalized on return, in currency units.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Loan events handed to the broker by event type and outcome.",
		}, []string{"event_type", "outcome"}),
	}

	reg.MustRegister(m.transitions, m.expired, m.overdue, m.ledgerViolations, m.finesCharged, m.events)
	return m
}

// ObserveOperation counts one lifecycle operation
func (m *Metrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// ReservationsExpired adds n expired reservations
func (m *Metrics) ReservationsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// LoansMarkedOverdue adds n overdue loans
func (m *Metrics) LoansMarkedOverdue(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.overdue.Add(float64(n))
}

// LedgerViolation counts one invariant violation
func (m *Metrics) LedgerViolation(string) {
	if m == nil {
		return
	}
	m.ledgerViolations.Inc()
}

// FineCharged adds a finalized fine
func (m *Metrics) FineCharged(amount decimal.Decimal) {
	if m == nil || amount.Sign() <= 0 {
		return
	}
	m.finesCharged.Add(amount.InexactFloat64())
}

// EventPublished counts one publish attempt
func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}
