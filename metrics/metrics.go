// Package metrics exposes transport and worker counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/go-gasrig/transport"
	"github.com/arloliu/go-gasrig/worker"
)

const namespace = "gasrig"

// RegisterTransport registers the counters of m under the given port label.
func RegisterTransport(reg prometheus.Registerer, port string, m *transport.Metrics) error {
	labels := prometheus.Labels{"port": port}
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}

	return register(reg,
		counter("requests_total", "Exchanges started.", func() float64 { return float64(m.RequestCount.Load()) }),
		counter("responses_total", "Exchanges answered.", func() float64 { return float64(m.ResponseCount.Load()) }),
		counter("timeouts_total", "Exchanges timed out.", func() float64 { return float64(m.TimeoutCount.Load()) }),
		counter("exceptions_total", "Device exception replies.", func() float64 { return float64(m.ExceptionCount.Load()) }),
		counter("errors_total", "Exchanges failed.", func() float64 { return float64(m.ErrorCount.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "inflight",
			Help:        "Exchanges waiting for a reply.",
			ConstLabels: labels,
		}, func() float64 { return float64(m.InflightCount.Load()) }),
	)
}

// RegisterWorker registers the counters and state of w.
func RegisterWorker(reg prometheus.Registerer, w *worker.Worker) error {
	labels := prometheus.Labels{"worker": w.Name()}
	m := w.Metrics()

	return register(reg,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "iterations_total",
			Help:        "Completed worker iterations.",
			ConstLabels: labels,
		}, func() float64 { return float64(m.Iterations.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "failures_total",
			Help:        "Failed worker iterations.",
			ConstLabels: labels,
		}, func() float64 { return float64(m.Failures.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "state",
			Help:        "Worker state: 0 created, 1 running, 2 paused, 3 stopped.",
			ConstLabels: labels,
		}, func() float64 { return float64(w.State()) }),
	)
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	var errs []error
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
