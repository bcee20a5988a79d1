// Package metrics exposes Prometheus collectors for the accession pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	accessionTransitionsTotal *prometheus.CounterVec
	accessionStepSeconds      *prometheus.HistogramVec
	accessionStepConflicts    prometheus.Counter
	accessionActiveWorkers    prometheus.Gauge
	crawlRequestsTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		accessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accession_transitions_total",
				Help: "Total number of accession status transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		accessionStepSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accession_step_duration_seconds",
				Help:    "Histogram of orchestration step latencies, labeled by step.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"step"},
		)

		accessionStepConflicts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "accession_step_conflicts_total",
				Help: "Total conditional status writes abandoned because another pass advanced the row.",
			},
		)

		accessionActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "accession_active_workers",
				Help: "Number of workers currently driving an accession step.",
			},
		)

		crawlRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_service_requests_total",
				Help: "Total crawl service calls, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)
	})
}

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTransition counts an accession entering the given status.
func ObserveTransition(status string) {
	if accessionTransitionsTotal == nil {
		return
	}
	accessionTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveStep records the latency of one orchestration step.
func ObserveStep(step string, d time.Duration) {
	if accessionStepSeconds == nil {
		return
	}
	accessionStepSeconds.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveConflict counts a benign optimistic-write loss.
func ObserveConflict() {
	if accessionStepConflicts == nil {
		return
	}
	accessionStepConflicts.Inc()
}

// WorkerStarted marks a worker as busy.
func WorkerStarted() {
	if accessionActiveWorkers == nil {
		return
	}
	accessionActiveWorkers.Inc()
}

// WorkerFinished marks a worker as idle.
func WorkerFinished() {
	if accessionActiveWorkers == nil {
		return
	}
	accessionActiveWorkers.Dec()
}

// ObserveCrawlRequest counts one crawl service call.
func ObserveCrawlRequest(operation, outcome string) {
	if crawlRequestsTotal == nil {
		return
	}
	crawlRequestsTotal.WithLabelValues(operation, outcome).Inc()
}
