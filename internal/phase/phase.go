// Package phase implements C6, the Phase Orchestrator (spec §4.6): the
// five-phase pipeline (pre-evaluation, variable resolution, dependency
// management, execution routing, result processing) executed once per
// formula invocation. Wired to infrastructure/resilience.CircuitBreaker for
// Phase 0 (spec §7's "circuit breaker: after N consecutive failures...")
// and to internal/app/core/service's ObservationHooks/StartObservation for
// the same start/complete instrumentation shape the teacher uses around its
// own service calls.
package phase

import (
	"context"
	"fmt"

	appservice "github.com/r3e-network/formula-engine/internal/app/core/service"
	"github.com/r3e-network/formula-engine/internal/altstate"
	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/dependency"
	"github.com/r3e-network/formula-engine/internal/enginemetrics"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/metadatahandler"
	"github.com/r3e-network/formula-engine/internal/model"
	"github.com/r3e-network/formula-engine/internal/ports"
	"github.com/r3e-network/formula-engine/internal/refcontext"
	"github.com/r3e-network/formula-engine/internal/resolver"
	"github.com/r3e-network/formula-engine/infrastructure/config"
	"github.com/r3e-network/formula-engine/infrastructure/resilience"
)

// Circuit-breaker thresholds are process-wide and environment-tunable,
// matching the way the teacher's services read knobs like timeouts and
// retry counts from the environment rather than hard-coding them.
const (
	envCircuitMaxFailures = "FORMULA_CIRCUIT_MAX_FAILURES"
	envCircuitOpenTimeout = "FORMULA_CIRCUIT_OPEN_TIMEOUT"
)

func circuitConfigFromEnv() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.MaxFailures = config.GetEnvInt(envCircuitMaxFailures, cfg.MaxFailures)
	cfg.Timeout = config.ParseDurationOrDefault(config.GetEnv(envCircuitOpenTimeout, ""), cfg.Timeout)
	return cfg
}

// StateClass is the result classification spec §3's EvaluationResult
// carries (state_class: normal|unavailable|unknown|none).
type StateClass string

const (
	StateClassNormal      StateClass = "normal"
	StateClassUnavailable StateClass = "unavailable"
	StateClassUnknown     StateClass = "unknown"
	StateClassNone        StateClass = "none"
)

// Request bundles everything one formula invocation needs. It is
// deliberately flat rather than threading a dozen parameters — grounded on
// the teacher's preference for small request/response structs around
// service methods (internal/app/functions/service.go).
type Request struct {
	// CacheKey identifies this formula invocation for the circuit breaker
	// and result cache — typically "<sensor-key>:<formula-role>" so the
	// same formula text used by two different sensors gets independent
	// circuit-breaker state, matching spec §7's "per formula" failure
	// counting without conflating distinct call sites that happen to share
	// text.
	CacheKey        string
	Formula         string
	Resolver        *resolver.Resolver
	Literals        map[string]expr.Value
	ComputedNames   map[string]bool
	CrossSensorKeys map[string]bool
	BackingEntityID string
	Metadata        ports.MetadataProvider
	StateProvider   ports.StateProvider
	AlternateStates map[model.AlternateStateKey]*model.HandlerSpec
	AllowUnresolvedStates bool

	Context     *refcontext.HierarchicalContext
	EntityCache *refcontext.EntityCache
}

// Result is the outcome of one formula invocation (spec §3
// EvaluationResult, minus the fields that are orchestrator-internal).
type Result struct {
	Success       bool
	Value         expr.Value
	StateClass    StateClass
	AlternateUsed bool
	Err           error
	// Trace records one short line per phase transition — a supplemental
	// diagnostic (not required by the distilled spec) useful for
	// explaining why a formula landed on a particular alternate state
	// without re-running it under a debugger.
	Trace []string
}

func (r *Result) trace(format string, args ...interface{}) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}

// cachedOutcome is what the per-formula result cache stores (spec §5:
// "Result cache: per-formula-text, cleared on entity-id rename or set
// mutation").
type cachedOutcome struct {
	value      expr.Value
	stateClass StateClass
}

// Evaluator owns the per-formula circuit breakers and result cache — both
// keyed by Request.CacheKey — and the collaborators (C2 analysis, C5
// dependency manager) shared across every invocation.
type Evaluator struct {
	Engine     *expr.Engine
	Analysis   *analysis.Service
	Dependency *dependency.Manager
	Hooks      appservice.ObservationHooks

	breakers    map[string]*resilience.CircuitBreaker
	resultCache map[string]cachedOutcome
}

func NewEvaluator(e *expr.Engine, a *analysis.Service, d *dependency.Manager) *Evaluator {
	return &Evaluator{
		Engine:      e,
		Analysis:    a,
		Dependency:  d,
		Hooks:       enginemetrics.PhaseObservationHooks(),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		resultCache: make(map[string]cachedOutcome),
	}
}

func (e *Evaluator) breakerFor(key string) *resilience.CircuitBreaker {
	if cb, ok := e.breakers[key]; ok {
		return cb
	}
	cfg := circuitConfigFromEnv()
	cfg.OnStateChange = func(from, to resilience.State) {
		if to == resilience.StateOpen {
			enginemetrics.RecordCircuitBreakerOpen(key)
		}
	}
	cb := resilience.New(cfg)
	e.breakers[key] = cb
	return cb
}

// InvalidateResultCache drops a cached outcome — called by the storage
// layer on entity-id rename or set mutation (spec §4.10/§5).
func (e *Evaluator) InvalidateResultCache(cacheKey string) {
	delete(e.resultCache, cacheKey)
}

// Evaluate runs Phases 0-4 for one formula invocation.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) *Result {
	res := &Result{}
	done := appservice.StartObservation(ctx, e.Hooks, map[string]string{"formula_cache_key": req.CacheKey})
	defer func() { done(res.Err) }()

	// --- Phase 0: Pre-Evaluation ---------------------------------------
	cb := e.breakerFor(req.CacheKey)
	if cb.State() == resilience.StateOpen {
		res.trace("phase0: circuit open, serving last-good result")
		if cached, ok := e.resultCache[req.CacheKey]; ok {
			res.Success = true
			res.Value = cached.value
			res.StateClass = cached.stateClass
			return res
		}
		res.Success = false
		res.Value = expr.Unavailable()
		res.StateClass = StateClassUnavailable
		return res
	}

	planAnalysis, err := e.Analysis.GetFormulaAnalysis(req.Formula)
	if err != nil {
		res.trace("phase0: syntax error: %v", err)
		res.Err = err
		cb.Execute(ctx, func() error { return err })
		res.StateClass = StateClassUnavailable
		return res
	}

	plan, err := e.Analysis.BuildBindingPlan(req.Formula, req.Literals, req.ComputedNames, req.CrossSensorKeys)
	if err != nil {
		res.Err = err
		cb.Execute(ctx, func() error { return err })
		res.StateClass = StateClassUnavailable
		return res
	}
	res.trace("phase0: analysis ok, %d names, has_metadata=%v", len(plan.Names), plan.HasMetadata)

	// --- Phase 1: Variable Resolution -----------------------------------
	resolved := make(map[string]expr.Value, len(plan.Names))
	req.Context.PushLayer("formula:" + req.CacheKey)
	for _, name := range plan.Names {
		// A name already bound in an outer layer (a global, a
		// previously-computed variable, or the sensor's own just-computed
		// "state") is read from the context directly rather than
		// re-dispatched through the resolver — the layered context is the
		// single source of truth for anything already established earlier
		// in the cycle (spec §4.3).
		if e, ok := req.Context.Get(name); ok && e.Ref != nil {
			resolved[name] = e.Ref.Value()
			continue
		}
		strategy := plan.Strategies[name]
		v, rerr := req.Resolver.Resolve(ctx, name, strategy)
		if rerr != nil {
			if _, missing := rerr.(*resolver.MissingDependencyError); missing {
				v = expr.Unavailable()
			} else {
				res.Err = rerr
				cb.Execute(ctx, func() error { return rerr })
				res.StateClass = StateClassUnavailable
				return res
			}
		}
		if serr := req.Context.UnifiedSet(req.EntityCache, name, v); serr != nil {
			res.Err = serr
			res.StateClass = StateClassUnavailable
			return res
		}
		resolved[name] = v
	}
	res.trace("phase1: resolved %d names", len(resolved))

	// --- Phase 2: Dependency Management ---------------------------------
	if !req.AllowUnresolvedStates {
		if t, name := altstate.ScopedTriggerCheck(planAnalysis.Dependencies, resolved); t != altstate.TriggerNone {
			res.trace("phase2: short-circuit on %q (trigger=%v)", name, t)
			return e.finishAlternate(ctx, req, res, cb, t)
		}
	}

	transformedFormula := req.Formula
	evalFns := expr.Functions{}
	if plan.HasMetadata {
		mdResult, merr := metadatahandler.Handle(ctx, req.Metadata, req.BackingEntityID, req.Formula, plan.MetadataCalls)
		if merr != nil {
			res.Err = merr
			cb.Execute(ctx, func() error { return merr })
			res.StateClass = StateClassUnavailable
			return res
		}
		for sentinel, v := range mdResult.Injected {
			if serr := req.Context.UnifiedSet(req.EntityCache, sentinel, v); serr != nil {
				res.Err = serr
				res.StateClass = StateClassUnavailable
				return res
			}
		}
		transformedFormula = mdResult.TransformedFormula
		evalFns["metadata_result"] = metadatahandler.MetadataResultFn(req.Context.Lookup)
		res.trace("phase2: metadata rewrite -> %s", transformedFormula)
	}

	// --- Phase 3: Execution Routing --------------------------------------
	value, evalErr := e.Engine.Evaluate(transformedFormula, req.Context, evalFns)
	if evalErr != nil {
		res.trace("phase3: evaluation error: %v", evalErr)
		t := classifyEvalError(evalErr)
		return e.finishAlternate(ctx, req, res, cb, t)
	}
	res.trace("phase3: evaluated to %s", value.String())

	// --- Phase 4: Result Processing --------------------------------------
	cb.Execute(ctx, func() error { return nil })
	res.Success = true
	res.Value = value
	res.StateClass = classifyStateClass(value)
	e.resultCache[req.CacheKey] = cachedOutcome{value: value, stateClass: res.StateClass}
	return res
}

func (e *Evaluator) finishAlternate(ctx context.Context, req Request, res *Result, cb *resilience.CircuitBreaker, t altstate.Trigger) *Result {
	handler := altstate.SelectHandler(req.AlternateStates, t)
	failure := fmt.Errorf("alternate state triggered: %v", t)
	cb.Execute(ctx, func() error { return failure })
	res.AlternateUsed = true
	if handler == nil {
		res.Success = false
		res.Value = sentinelForTrigger(t)
		res.StateClass = stateClassForTrigger(t)
		return res
	}
	v, err := altstate.ResolveHandlerValue(ctx, handler, func(ctx context.Context, formula string, extra map[string]expr.Value) (expr.Value, error) {
		subReq := req
		subReq.Formula = formula
		subReq.Literals = mergeLiterals(req.Literals, extra)
		subReq.AlternateStates = nil
		subReq.CacheKey = req.CacheKey + ":handler"
		subRes := e.Evaluate(ctx, subReq)
		if subRes.Err != nil {
			return expr.Value{}, subRes.Err
		}
		return subRes.Value, nil
	})
	if err != nil {
		res.Success = false
		res.Err = err
		res.Value = sentinelForTrigger(t)
		res.StateClass = stateClassForTrigger(t)
		return res
	}
	res.Success = true
	res.Value = v
	res.StateClass = classifyStateClass(v)
	return res
}

func mergeLiterals(base map[string]expr.Value, extra map[string]expr.Value) map[string]expr.Value {
	out := make(map[string]expr.Value, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func sentinelForTrigger(t altstate.Trigger) expr.Value {
	switch t {
	case altstate.TriggerUnavailable:
		return expr.Unavailable()
	case altstate.TriggerUnknown:
		return expr.Unknown()
	case altstate.TriggerNullValue:
		return expr.None()
	default:
		return expr.Unavailable()
	}
}

func stateClassForTrigger(t altstate.Trigger) StateClass {
	switch t {
	case altstate.TriggerUnavailable:
		return StateClassUnavailable
	case altstate.TriggerUnknown:
		return StateClassUnknown
	case altstate.TriggerNullValue:
		return StateClassNone
	default:
		return StateClassUnavailable
	}
}

func classifyStateClass(v expr.Value) StateClass {
	switch v.Kind {
	case expr.KindUnavailable:
		return StateClassUnavailable
	case expr.KindUnknown:
		return StateClassUnknown
	case expr.KindNone:
		return StateClassNone
	default:
		return StateClassNormal
	}
}

// classifyEvalError maps an Expression Engine evaluation failure to its
// alternate-state trigger: a NameError means a referenced identifier could
// not be found at evaluation time and is treated the same way a missing
// dependency would be; any other evaluation error (type mismatch, division
// by zero, unknown function) is a recoverable runtime fault that routes to
// the FALLBACK handler.
func classifyEvalError(err error) altstate.Trigger {
	if _, ok := err.(*expr.NameError); ok {
		return altstate.TriggerUnavailable
	}
	return altstate.TriggerFallback
}
