package credit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks credit engine activity.
type Metrics struct {
	// EventsProcessed counts processed provider events by provider and
	// result (credited, applied, duplicate, ignored, unresolved, error).
	EventsProcessed *prometheus.CounterVec

	// CreditsGranted counts credits granted through purchases.
	CreditsGranted prometheus.Counter

	// CreditsReversed counts credits removed by refunds and chargebacks.
	CreditsReversed prometheus.Counter

	// DebitsRejected counts debit attempts rejected for insufficient
	// balance.
	DebitsRejected prometheus.Counter
}

// NewMetrics creates the engine metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_events_processed_total",
				Help: "Provider events processed, by provider and result",
			},
			[]string{"provider", "result"},
		),
		CreditsGranted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditledger_credits_granted_total",
				Help: "Credits granted through purchases",
			},
		),
		CreditsReversed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditledger_credits_reversed_total",
				Help: "Credits removed by refunds and chargebacks",
			},
		),
		DebitsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "creditledger_debits_rejected_total",
				Help: "Debits rejected for insufficient balance",
			},
		),
	}
}

// Register registers all engine metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.EventsProcessed,
		m.CreditsGranted,
		m.CreditsReversed,
		m.DebitsRejected,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) recordEvent(providerName, result string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(providerName, result).Inc()
}

func (m *Metrics) recordGranted(credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.CreditsGranted.Add(float64(credits))
}

func (m *Metrics) recordReversed(credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.CreditsReversed.Add(float64(credits))
}

func (m *Metrics) recordDebitRejected() {
	if m == nil {
		return
	}
	m.DebitsRejected.Inc()
}
