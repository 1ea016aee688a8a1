// Package telemetry exposes backtest counters and timings to Prometheus.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strategylab/internal/engine"
)

// Compile-time interface check.
var _ engine.Recorder = (*Collector)(nil)

// Collector holds the strategylab metrics on its own registry.
type Collector struct {
	registry    *prometheus.Registry
	periods     *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		periods: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategylab_periods_total",
				Help: "Trading periods handled by the engine, by result",
			},
			[]string{"result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategylab_runs_total",
				Help: "Backtest runs by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strategylab_run_duration_seconds",
				Help:    "Wall time of a backtest run in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"strategy"},
		),
	}
	c.registry.MustRegister(
		c.periods,
		c.runs,
		c.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObservePeriod counts one processed or skipped period.
func (c *Collector) ObservePeriod(outcome string) {
	c.periods.WithLabelValues(outcome).Inc()
}

// ObserveRun counts a finished run and records its duration.
func (c *Collector) ObserveRun(strategy, outcome string, elapsed time.Duration) {
	c.runs.WithLabelValues(strategy, outcome).Inc()
	c.runDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
