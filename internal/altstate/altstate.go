// Package altstate implements C8 (spec §4.8): classification of
// alternate-state triggers, handler value resolution, and last-good
// (last_valid_state/last_valid_changed) preservation.
package altstate

import (
	"context"
	"strconv"
	"time"

	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/model"
)

// Trigger is the classification of why evaluation short-circuited into the
// alternate-state chain (spec §4.8).
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerUnavailable
	TriggerUnknown
	TriggerNullValue
	TriggerFallback
)

// Classify inspects the resolved value of one referenced name and reports
// the trigger it raises, if any (spec §4.8's first three bullets).
func Classify(v expr.Value) Trigger {
	switch v.Kind {
	case expr.KindUnavailable:
		return TriggerUnavailable
	case expr.KindUnknown:
		return TriggerUnknown
	case expr.KindNone:
		return TriggerNullValue
	default:
		return TriggerNone
	}
}

// handlerKeyFor maps a trigger to the handler key to look up, falling back
// to FALLBACK when the sensor defines no specific handler for it (spec
// §4.8: "(or FALLBACK if absent)").
func handlerKeyFor(t Trigger) model.AlternateStateKey {
	switch t {
	case TriggerUnavailable:
		return model.StateUnavailable
	case TriggerUnknown:
		return model.StateUnknown
	case TriggerNullValue:
		return model.StateNone
	default:
		return model.StateFallback
	}
}

// SelectHandler returns the handler spec to apply for trigger, falling
// back to FALLBACK, or nil if neither is configured (in which case the
// caller publishes the raw sentinel corresponding to the trigger, per spec
// §7 propagation policy).
func SelectHandler(handlers map[model.AlternateStateKey]*model.HandlerSpec, t Trigger) *model.HandlerSpec {
	if handlers == nil {
		return nil
	}
	key := handlerKeyFor(t)
	if h, ok := handlers[key]; ok {
		return h
	}
	if key != model.StateFallback {
		if h, ok := handlers[model.StateFallback]; ok {
			return h
		}
	}
	return nil
}

// FormulaRunner evaluates a handler's {formula, variables} object within
// an enhanced local layer — supplied by the phase orchestrator to avoid an
// import cycle (altstate is evaluated from inside the phase package).
type FormulaRunner func(ctx context.Context, formula string, extraLiterals map[string]expr.Value) (expr.Value, error)

// ResolveHandlerValue implements spec §4.8's "Handler value semantics":
// a bare literal is type-analyzed (boolean-first, then numeric, then HA
// sentinel strings, else passed through as a string); an object handler is
// evaluated via the full pipeline.
func ResolveHandlerValue(ctx context.Context, h *model.HandlerSpec, run FormulaRunner) (expr.Value, error) {
	if h == nil {
		return expr.Value{}, nil
	}
	if h.IsLiteral {
		return literalToValue(h.Literal), nil
	}
	extra := make(map[string]expr.Value, len(h.Variables))
	for k, v := range h.Variables {
		extra[k] = literalToValue(v)
	}
	return run(ctx, h.Formula, extra)
}

// literalToValue implements the boolean-first / HA-truthy-string / numeric
// / passthrough classification spec §4.8 describes for bare literal
// handlers.
func literalToValue(raw interface{}) expr.Value {
	switch x := raw.(type) {
	case nil:
		return expr.None()
	case bool:
		return expr.Bool(x)
	case float64:
		return expr.Number(x)
	case int:
		return expr.Number(float64(x))
	case string:
		switch x {
		case "unavailable":
			return expr.Unavailable()
		case "unknown":
			return expr.Unknown()
		case "true", "on", "yes":
			return expr.Bool(true)
		case "false", "off", "no":
			return expr.Bool(false)
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return expr.Number(f)
		}
		return expr.String(x)
	default:
		return expr.FromInterface(raw)
	}
}

// ScopedTriggerCheck implements spec §4.8's scoping rule: only names that
// the post-metadata resolved formula's Dependencies actually reference are
// checked for alternate-state triggers — a metadata-ref-only name like
// `state` in `metadata(state,'last_changed')` never participates, because
// C2 never adds a metadata-only ref to Dependencies in the first place (see
// internal/analysis). This function is the single point callers should use
// so that invariant is enforced in exactly one place.
func ScopedTriggerCheck(dependencies []string, resolved map[string]expr.Value) (Trigger, string) {
	for _, name := range dependencies {
		v, ok := resolved[name]
		if !ok {
			return TriggerNullValue, name
		}
		if t := Classify(v); t != TriggerNone {
			return t, name
		}
	}
	return TriggerNone, ""
}

// LastGood holds the two reserved attributes the orchestrator maintains
// across cycles (spec §4.8). They are not initialized until the first
// non-alternate value is observed.
type LastGood struct {
	Initialized bool
	State       expr.Value
	ChangedAt   time.Time
}

// Update applies spec §4.8's last-good preservation rule: update iff the
// final value is non-alternate; leave untouched otherwise.
func (lg *LastGood) Update(final expr.Value, now time.Time) {
	if final.IsAlternate() {
		return
	}
	lg.Initialized = true
	lg.State = final
	lg.ChangedAt = now
}

// Attributes returns the last_valid_state/last_valid_changed attribute
// pair to merge into a publication, or nil if never initialized.
func (lg *LastGood) Attributes() map[string]any {
	if !lg.Initialized {
		return nil
	}
	return map[string]any{
		"last_valid_state":   lg.State.ToPublishable(),
		"last_valid_changed": lg.ChangedAt.Format(time.RFC3339),
	}
}
