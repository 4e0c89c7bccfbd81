// Package metrics exposes Prometheus instrumentation for pool sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leasepool"

// Metrics groups the collectors updated by a pool. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Dispatched   prometheus.Counter
	Completed    prometheus.Counter
	Retried      prometheus.Counter
	Routed       *prometheus.CounterVec
	Outputs      *prometheus.CounterVec
	Acked        prometheus.Counter
	Renewed      prometheus.Counter
	Abandoned    prometheus.Counter
	DeadWorkers  prometheus.Counter
	InFlight     prometheus.Gauge
	DrainedBatch prometheus.Histogram
}

// New creates the collectors and registers them with reg. reg may be nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatched_total",
			Help: "Messages handed to the work channel.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "completed_total",
			Help: "Messages whose terminal outcome was recorded.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retried_total",
			Help: "Messages re-enqueued for another attempt.",
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routed_total",
			Help: "Terminal failures by routing result.",
		}, []string{"result"}),
		Outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "output_messages_total",
			Help: "Derived messages pushed per output.",
		}, []string{"output"}),
		Acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "acked_total",
			Help: "Leases acknowledged on the input.",
		}),
		Renewed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "renewed_total",
			Help: "Lease deadline renewals sent to the input.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "abandoned_total",
			Help: "Leases dropped by a degraded shutdown.",
		}),
		DeadWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_workers_total",
			Help: "Workers that exited without being told to stop.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight",
			Help: "Leases currently processing or waiting to be acked.",
		}),
		DrainedBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "drained_batch_size",
			Help:    "Result items handled per drain cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatched, m.Completed, m.Retried, m.Routed, m.Outputs,
			m.Acked, m.Renewed, m.Abandoned, m.DeadWorkers, m.InFlight, m.DrainedBatch)
	}
	return m
}

func (m *Metrics) IncDispatched() {
	if m != nil {
		m.Dispatched.Inc()
	}
}

func (m *Metrics) AddCompleted(n int) {
	if m != nil {
		m.Completed.Add(float64(n))
	}
}

func (m *Metrics) IncRetried() {
	if m != nil {
		m.Retried.Inc()
	}
}

// IncRouted counts a terminal failure; result is "routed", "unrouted" or "failed".
func (m *Metrics) IncRouted(result string) {
	if m != nil {
		m.Routed.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) AddOutputs(output string, n int) {
	if m != nil {
		m.Outputs.WithLabelValues(output).Add(float64(n))
	}
}

func (m *Metrics) AddAcked(n int) {
	if m != nil {
		m.Acked.Add(float64(n))
	}
}

func (m *Metrics) AddRenewed(n int) {
	if m != nil {
		m.Renewed.Add(float64(n))
	}
}

func (m *Metrics) AddAbandoned(n int) {
	if m != nil {
		m.Abandoned.Add(float64(n))
	}
}

func (m *Metrics) IncDeadWorkers() {
	if m != nil {
		m.DeadWorkers.Inc()
	}
}

func (m *Metrics) SetInFlight(n int) {
	if m != nil {
		m.InFlight.Set(float64(n))
	}
}

func (m *Metrics) ObserveDrained(n int) {
	if m != nil {
		m.DrainedBatch.Observe(float64(n))
	}
}
