package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of a bus. A nil *Metrics records nothing.
type Metrics struct {
	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	rejected        prometheus.Counter
	attempts        *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inflight        prometheus.Gauge
	handlers        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events accepted by the transport, by event name.",
			},
			[]string{"event_name"},
		),
		publishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_publish_failures_total",
				Help:      "Events the transport did not accept, by event name.",
			},
			[]string{"event_name"},
		),
		rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Events that failed envelope validation.",
			},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_attempts_total",
				Help:      "Handler invocations, by event name and handler.",
			},
			[]string{"event_name", "handler"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_outcomes_total",
				Help:      "Terminal handler outcomes, by event name, handler and status.",
			},
			[]string{"event_name", "handler", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Duration of single handler invocations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatches_in_flight",
				Help:      "Events currently being dispatched.",
			},
		),
		handlers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handlers_registered",
				Help:      "Number of handler registrations.",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.published, m.publishFailures, m.rejected, m.attempts,
		m.outcomes, m.duration, m.inflight, m.handlers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incPublished(name string) {
	if m != nil {
		m.published.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) incPublishFailure(name string) {
	if m != nil {
		m.publishFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *Metrics) observeAttempt(name, handler string, d time.Duration) {
	if m != nil {
		m.attempts.WithLabelValues(name, handler).Inc()
		m.duration.WithLabelValues(handler).Observe(d.Seconds())
	}
}

func (m *Metrics) incOutcome(name, handler, status string) {
	if m != nil {
		m.outcomes.WithLabelValues(name, handler, status).Inc()
	}
}

func (m *Metrics) addInflight(delta float64) {
	if m != nil {
		m.inflight.Add(delta)
	}
}

func (m *Metrics) setHandlers(n int) {
	if m != nil {
		m.handlers.Set(float64(n))
	}
}
