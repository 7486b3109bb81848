package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webhook"

// Delivery outcomes used as the outcome label.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
)

// Metrics exposes Prometheus collectors for emission and delivery activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	eventsEmitted    *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	recordsPurged    prometheus.Counter
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration conflict. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		eventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Events emitted into the dispatcher.",
			},
			[]string{"event_type"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery attempts by event type and outcome.",
			},
			[]string{"event_type", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent on the outbound HTTP request of an attempt.",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"event_type"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Delivery ids waiting in the hand-off queue.",
			},
		),
		recordsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_records_purged_total",
				Help:      "Delivery records removed after the retention window.",
			},
		),
	}

	reg.MustRegister(m.eventsEmitted, m.deliveries, m.deliveryDuration, m.queueDepth, m.recordsPurged)
	return m
}

// IncEventEmitted counts one emitted event.
func (m *Metrics) IncEventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}

// ObserveDelivery counts an attempt outcome and, when the request was sent,
// its duration.
func (m *Metrics) ObserveDelivery(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(eventType, outcome).Inc()
	if outcome != OutcomeDeferred {
		m.deliveryDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	}
}

// SetQueueDepth records the number of ids waiting in the queue.
func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// AddPurged counts delivery records removed by retention.
func (m *Metrics) AddPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsPurged.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
