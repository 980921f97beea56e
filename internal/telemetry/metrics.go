// Package telemetry exposes Prometheus metrics for the scheduler, the
// invocation layer, the gate pipeline and the publisher.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	global     *Metrics
	globalOnce sync.Once
)

// Metrics holds every collector the process registers.
type Metrics struct {
	SchedulerInFlight prometheus.Gauge
	SchedulerQueued   *prometheus.GaugeVec
	SchedulerWait     *prometheus.HistogramVec

	Invocations        *prometheus.CounterVec
	InvocationRetries  prometheus.Counter
	ModelSubstitutions prometheus.Counter

	GateResults      *prometheus.CounterVec
	PipelineOutcomes *prometheus.CounterVec

	Publications *prometheus.CounterVec
}

// Get returns the process-wide metrics, registering them on first use.
//
// Metrics:
//   - alphagate_scheduler_in_flight
//   - alphagate_scheduler_queued{priority}
//   - alphagate_scheduler_wait_seconds{priority}
//   - alphagate_invocations_total{model,outcome}
//   - alphagate_invocation_retries_total
//   - alphagate_model_substitutions_total
//   - alphagate_gate_results_total{stage,result}
//   - alphagate_pipeline_outcomes_total{verdict,blocked}
//   - alphagate_publications_total{result}
func Get() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			SchedulerInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "alphagate_scheduler_in_flight",
				Help: "API calls currently holding a scheduler slot",
			}),
			SchedulerQueued: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "alphagate_scheduler_queued",
				Help: "API calls waiting for a slot",
			}, []string{"priority"}),
			SchedulerWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "alphagate_scheduler_wait_seconds",
				Help:    "Time between submission and admission",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 15, 60},
			}, []string{"priority"}),
			Invocations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "alphagate_invocations_total",
				Help: "Completed invocations by outcome",
			}, []string{"model", "outcome"}), // success, exhausted, terminal
			InvocationRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "alphagate_invocation_retries_total",
				Help: "Retries performed after transient errors",
			}),
			ModelSubstitutions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "alphagate_model_substitutions_total",
				Help: "Requests whose model was replaced by the default",
			}),
			GateResults: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "alphagate_gate_results_total",
				Help: "Gate results by stage",
			}, []string{"stage", "result"}), // pass, fail, fallback
			PipelineOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "alphagate_pipeline_outcomes_total",
				Help: "Pipeline runs by final verdict",
			}, []string{"verdict", "blocked"}),
			Publications: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "alphagate_publications_total",
				Help: "Publisher writes by result",
			}, []string{"result"}), // ok, duplicate, error, dropped
		}
	})
	return global
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
