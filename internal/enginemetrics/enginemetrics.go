// Package enginemetrics exposes Prometheus counters/histograms for the
// evaluation core, grounded directly on internal/app/metrics/metrics.go's
// package-level Registry + MustRegister-in-init + generic
// ObservationHooks(namespace, subsystem, name) factory. Retargeted from
// HTTP/function/automation metrics at formula evaluation cycles and
// circuit-breaker transitions.
package enginemetrics

import (
	"context"
	"net/http"
	"time"

	core "github.com/r3e-network/formula-engine/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds this engine's Prometheus collectors, separate from the
// default global registry so embedding applications can mount it on their
// own path.
var Registry = prometheus.NewRegistry()

var (
	formulaEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formula_engine",
			Subsystem: "formula",
			Name:      "evaluations_total",
			Help:      "Total number of formula evaluations, by result state class.",
		},
		[]string{"result"},
	)

	formulaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "formula_engine",
			Subsystem: "formula",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of a single formula evaluation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
		[]string{"result"},
	)

	circuitBreakerOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "formula_engine",
			Subsystem: "circuit_breaker",
			Name:      "open_total",
			Help:      "Total number of times a per-formula circuit breaker tripped open.",
		},
		[]string{"cache_key"},
	)

	astCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "formula_engine",
			Subsystem: "expr",
			Name:      "ast_cache_size",
			Help:      "Number of distinct formula texts currently compiled in the AST cache.",
		},
	)
)

func init() {
	Registry.MustRegister(
		formulaEvaluations,
		formulaDuration,
		circuitBreakerOpen,
		astCacheSize,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one formula evaluation's outcome and duration.
func RecordEvaluation(result string, duration time.Duration) {
	if result == "" {
		result = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	formulaEvaluations.WithLabelValues(result).Inc()
	formulaDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordCircuitBreakerOpen records one per-formula circuit breaker tripping
// open (spec §7).
func RecordCircuitBreakerOpen(cacheKey string) {
	circuitBreakerOpen.WithLabelValues(cacheKey).Inc()
}

// SetASTCacheSize publishes the Expression Engine's permanent AST cache
// size — a point-in-time gauge, sampled by the caller on a timer or after
// each cycle.
func SetASTCacheSize(n int) {
	astCacheSize.Set(float64(n))
}

// PhaseObservationHooks builds core.ObservationHooks for the Phase
// Orchestrator, recording each completed evaluation through
// RecordEvaluation under a "success" or "error" result label, so a phase's
// in-flight count and latency distribution show up next to the raw
// evaluation counters above. The in-flight gauge is registered once; later
// calls reuse the already registered gauge. Grounded on
// internal/app/metrics.ObservationHooks's generic
// gauge-in-flight/histogram-duration factory, simplified here since the
// evaluation core has exactly one phase pipeline rather than N dynamically
// named call sites.
func PhaseObservationHooks() core.ObservationHooks {
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "formula_engine",
		Subsystem: "phase",
		Name:      "evaluations_in_flight",
		Help:      "Current number of in-flight phase-orchestrator evaluations.",
	})
	if err := Registry.Register(inFlight); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		inFlight = are.ExistingCollector.(prometheus.Gauge)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			inFlight.Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			inFlight.Dec()
			result := "success"
			if err != nil {
				result = "error"
			}
			RecordEvaluation(result, duration)
		},
	}
}
