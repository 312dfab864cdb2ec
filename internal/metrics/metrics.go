package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "point"

// Metrics exposes the collectors operators watch for the point ledger.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
}

// New registers the collectors with reg, reusing ones already registered so
// several components in one process can share them.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by type and handling outcome.",
		}, []string{"type", "outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Non-fatal ledger anomalies such as a cancellation without a grant.",
		}, []string{"kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages routed to the dead-letter topic.",
		}, []string{"reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Handling attempts retried after a storage failure.",
		}, []string{"type"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of ledger store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}

	var err error
	if m.events, err = registerCounterVec(reg, m.events); err != nil {
		return nil, err
	}
	if m.anomalies, err = registerCounterVec(reg, m.anomalies); err != nil {
		return nil, err
	}
	if m.deadLetters, err = registerCounterVec(reg, m.deadLetters); err != nil {
		return nil, err
	}
	if m.retries, err = registerCounterVec(reg, m.retries); err != nil {
		return nil, err
	}
	if err := reg.Register(m.storeDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		m.storeDuration = existing
	}
	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return c, nil
}

// Event counts one handled event.
func (m *Metrics) Event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

// Anomaly counts a non-fatal ledger anomaly.
func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(reason).Inc()
}

func (m *Metrics) Retry(eventType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(eventType).Inc()
}

// ObserveStore records the latency of a ledger call.
func (m *Metrics) ObserveStore(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.storeDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}
