package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlistings/rcpeval/evaluator"
)

// serverMetrics collects Prometheus metrics for the serve command on a
// private registry so tests can run many servers without collisions.
type serverMetrics struct {
	registry *prometheus.Registry

	evaluations      *prometheus.CounterVec
	duration         prometheus.Histogram
	activeEvaluators prometheus.Gauge
	engineReloads    prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &serverMetrics{
		registry: registry,
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcpeval",
			Name:      "evaluations_total",
			Help:      "Expression evaluations by outcome.",
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rcpeval",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of one evaluation, including marshalling.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		activeEvaluators: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rcpeval",
			Name:      "active_evaluators",
			Help:      "Live server-side evaluator instances.",
		}),
		engineReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rcpeval",
			Name:      "engine_reloads_total",
			Help:      "Engine reloads triggered by artifact changes.",
		}),
	}
}

func (m *serverMetrics) observe(err error, elapsed time.Duration) {
	m.evaluations.WithLabelValues(outcomeLabel(err)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// outcomeLabel buckets an evaluation error into a low-cardinality label.
func outcomeLabel(err error) string {
	var evalErr *evaluator.EvalError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &evalErr):
		return "expression_error"
	case errors.Is(err, evaluator.ErrBusy):
		return "busy"
	case errors.Is(err, evaluator.ErrArtifactNotFound):
		return "artifact_missing"
	case errors.Is(err, evaluator.ErrNoOutput), errors.Is(err, evaluator.ErrBadResponse):
		return "protocol_error"
	case errors.Is(err, evaluator.ErrAllocationFailed):
		return "allocation_failed"
	default:
		return "internal"
	}
}
