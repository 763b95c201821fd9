// Package metrics provides Prometheus metrics for the flow engine.
//
// A nil *Collector and a nil *Scheme are valid and record nothing, so
// callers never need to check whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowvm"

// Collector holds all engine metrics.
type Collector struct {
	SignalsTotal     *prometheus.CounterVec
	InvocationsTotal *prometheus.CounterVec
	ChaseLength      *prometheus.HistogramVec
	PanicsTotal      *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	SchemesLive     prometheus.Gauge
	LoadsTotal      prometheus.Counter
	LoadErrorsTotal prometheus.Counter
	RootSignals     prometheus.Counter
}

// New registers the engine metrics with reg. It returns nil if reg is nil.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Collector{
		SignalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Flow ids dequeued by a scheme worker",
			},
			[]string{"scheme"},
		),
		InvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Logic callbacks invoked",
			},
			[]string{"scheme"},
		),
		ChaseLength: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chase_length",
				Help:      "Callbacks invoked per dequeued flow",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"scheme"},
		),
		PanicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_panics_total",
				Help:      "Callbacks that panicked",
			},
			[]string{"scheme"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Flow ids waiting in a scheme queue",
			},
			[]string{"scheme"},
		),
		SchemesLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schemes_live",
				Help:      "Schemes of the loaded project",
			},
		),
		LoadsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "project_loads_total",
				Help:      "Successful project loads",
			},
		),
		LoadErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "project_load_errors_total",
				Help:      "Failed project loads",
			},
		),
		RootSignals: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "root_signals_total",
				Help:      "Root signals injected",
			},
		),
	}
}

// Scheme returns the per-scheme view of c.
func (c *Collector) Scheme(name string) *Scheme {
	if c == nil {
		return nil
	}
	return &Scheme{
		signals:     c.SignalsTotal.WithLabelValues(name),
		invocations: c.InvocationsTotal.WithLabelValues(name),
		chase:       c.ChaseLength.WithLabelValues(name),
		panics:      c.PanicsTotal.WithLabelValues(name),
		depth:       c.QueueDepth.WithLabelValues(name),
	}
}

// Forget drops the per-scheme series of name.
func (c *Collector) Forget(name string) {
	if c == nil {
		return
	}
	c.SignalsTotal.DeleteLabelValues(name)
	c.InvocationsTotal.DeleteLabelValues(name)
	c.ChaseLength.DeleteLabelValues(name)
	c.PanicsTotal.DeleteLabelValues(name)
	c.QueueDepth.DeleteLabelValues(name)
}

func (c *Collector) Loaded(schemes int) {
	if c == nil {
		return
	}
	c.LoadsTotal.Inc()
	c.SchemesLive.Set(float64(schemes))
}

func (c *Collector) LoadFailed() {
	if c == nil {
		return
	}
	c.LoadErrorsTotal.Inc()
}

func (c *Collector) Unloaded() {
	if c == nil {
		return
	}
	c.SchemesLive.Set(0)
}

func (c *Collector) RootSignal() {
	if c == nil {
		return
	}
	c.RootSignals.Inc()
}

// Scheme records the metrics of one scheme worker.
type Scheme struct {
	signals     prometheus.Counter
	invocations prometheus.Counter
	chase       prometheus.Observer
	panics      prometheus.Counter
	depth       prometheus.Gauge
}

// Chased records one dequeued flow that ran n callbacks.
func (s *Scheme) Chased(n int) {
	if s == nil {
		return
	}
	s.signals.Inc()
	if n > 0 {
		s.invocations.Add(float64(n))
		s.chase.Observe(float64(n))
	}
}

func (s *Scheme) Panicked() {
	if s == nil {
		return
	}
	s.panics.Inc()
}

func (s *Scheme) Depth(n int) {
	if s == nil {
		return
	}
	s.depth.Set(float64(n))
}
