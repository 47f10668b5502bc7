// Package metrics defines the Prometheus collectors of the encounter server.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dndtracker"

// Collectors groups every collector. A nil *Collectors is valid and records
// nothing.
type Collectors struct {
	Requests    *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Mutations   *prometheus.CounterVec
	Encounters  prometheus.Gauge
	Subscribers prometheus.Gauge
	Dropped     prometheus.Counter
	SinkDropped *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collectors{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests partitioned by method, route and status.",
		}, []string{"method", "route", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency partitioned by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "mutations_total",
			Help:      "Submitted mutations partitioned by action and outcome.",
		}, []string{"action", "outcome"}),
		Encounters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "encounters",
			Help:      "Live encounters held by this process.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Registered push channels.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_subscribers_total",
			Help:      "Push channels dropped because they could not accept a frame.",
		}),
		SinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "dropped_events_total",
			Help:      "Committed states a sink could not enqueue.",
		}, []string{"sink"}),
	}

	var err error
	if c.Requests, err = register(reg, c.Requests); err != nil {
		return nil, err
	}
	if c.Duration, err = register(reg, c.Duration); err != nil {
		return nil, err
	}
	if c.Mutations, err = register(reg, c.Mutations); err != nil {
		return nil, err
	}
	if c.Encounters, err = register(reg, c.Encounters); err != nil {
		return nil, err
	}
	if c.Subscribers, err = register(reg, c.Subscribers); err != nil {
		return nil, err
	}
	if c.Dropped, err = register(reg, c.Dropped); err != nil {
		return nil, err
	}
	if c.SinkDropped, err = register(reg, c.SinkDropped); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
			return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return collector, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}

// Mutation counts one submitted mutation.
func (c *Collectors) Mutation(action, outcome string) {
	if c == nil {
		return
	}
	c.Mutations.WithLabelValues(action, outcome).Inc()
}

// SetEncounters records the number of live encounters.
func (c *Collectors) SetEncounters(n int) {
	if c == nil {
		return
	}
	c.Encounters.Set(float64(n))
}

// SubscriberAdded increments the subscriber gauge.
func (c *Collectors) SubscriberAdded() {
	if c == nil {
		return
	}
	c.Subscribers.Inc()
}

// SubscriberRemoved decrements the subscriber gauge; dropped marks a
// removal caused by backpressure.
func (c *Collectors) SubscriberRemoved(dropped bool) {
	if c == nil {
		return
	}
	c.Subscribers.Dec()
	if dropped {
		c.Dropped.Inc()
	}
}

// SinkDrop counts an event a sink had to discard.
func (c *Collectors) SinkDrop(sink string) {
	if c == nil {
		return
	}
	c.SinkDropped.WithLabelValues(sink).Inc()
}
