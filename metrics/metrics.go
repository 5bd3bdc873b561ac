// Package metrics exposes Prometheus collectors for publishing and consuming.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "mmate"

	// Status label values for publish results
	StatusSuccess = "success"
	StatusError   = "error"

	// Outcome label values for deliveries
	OutcomeAck       = "ack"
	OutcomeRequeue   = "requeue"
	OutcomeAbandoned = "abandoned"
)

type Metrics struct {
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	consumersActive *prometheus.GaugeVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "published_total",
			Help:      "Total messages published by topology and status",
		}, []string{"topology", "status"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time to open a session, declare and publish one message",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"topology"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deliveries_total",
			Help:      "Total deliveries handled by queue and outcome (ack, requeue, abandoned)",
		}, []string{"queue", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the message handler per delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"queue"}),
		consumersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "consumers_active",
			Help:      "Number of running delivery loops per queue",
		}, []string{"queue"}),
	}

	collectors := []prometheus.Collector{
		m.published,
		m.publishDuration,
		m.deliveries,
		m.handlerDuration,
		m.consumersActive,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return m, nil
}

// ObservePublish records one publish attempt
func (m *Metrics) ObservePublish(topology string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.published.WithLabelValues(topology, status).Inc()
	m.publishDuration.WithLabelValues(topology).Observe(d.Seconds())
}

// ObserveDelivery records the outcome of one delivery and the handler latency
func (m *Metrics) ObserveDelivery(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
	m.handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// ConsumerStarted increments the active consumer gauge for queue
func (m *Metrics) ConsumerStarted(queue string) {
	if m == nil {
		return
	}
	m.consumersActive.WithLabelValues(queue).Inc()
}

// ConsumerStopped decrements the active consumer gauge for queue
func (m *Metrics) ConsumerStopped(queue string) {
	if m == nil {
		return
	}
	m.consumersActive.WithLabelValues(queue).Dec()
}
