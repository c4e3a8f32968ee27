// Package resolver implements the strategy-based variable resolution
// described in spec §4.4: each name in a formula's BindingPlan resolves to
// a raw value through exactly one of six strategies, dispatched from a
// small factory table — grounded on the teacher's per-domain package
// convention (internal/app/domain/<x>) for keeping each strategy's
// collaborators isolated and independently testable.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/ports"
)

// MissingDependencyError signals an ha_state/data_provider lookup that
// found no backing value (spec §7 "Missing-dependency error") — the phase
// orchestrator catches this and routes into the alternate-state chain
// rather than treating it as fatal.
type MissingDependencyError struct{ Name string }

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency: %s", e.Name)
}

// ComputedEvaluator evaluates a computed variable's own formula within the
// caller's current context. The phase orchestrator supplies this as a
// closure so the resolver package does not need to import the phase
// package (which would create an import cycle, since phases use resolver).
type ComputedEvaluator func(ctx context.Context, name string) (expr.Value, error)

// CrossSensorReader reads the most recently committed value for another
// sensor in the same set (spec §5: "observe the result of the most
// recently committed cycle ... never an intra-cycle in-flight value").
type CrossSensorReader func(sensorKey string) (expr.Value, bool)

// Resolver dispatches a name to its strategy-specific resolution.
type Resolver struct {
	State      ports.StateProvider
	Metadata   ports.MetadataProvider
	DataCB     ports.DataProviderCallback
	Literals   map[string]expr.Value
	Computed   ComputedEvaluator
	CrossSensor CrossSensorReader
}

// Resolve dispatches name according to strategy and returns its raw value.
func (r *Resolver) Resolve(ctx context.Context, name string, strategy analysis.Strategy) (expr.Value, error) {
	switch strategy {
	case analysis.StrategyHAState:
		return r.resolveHAState(ctx, name)
	case analysis.StrategyDataProvider:
		return r.resolveDataProvider(ctx, name)
	case analysis.StrategyLiteral:
		return r.resolveLiteral(name)
	case analysis.StrategyComputed:
		return r.resolveComputed(ctx, name)
	case analysis.StrategyCrossSensor:
		return r.resolveCrossSensor(name)
	case analysis.StrategyStateAttribute:
		return r.resolveStateAttribute(ctx, name)
	default:
		return expr.Value{}, fmt.Errorf("unknown resolution strategy for %q", name)
	}
}

func (r *Resolver) resolveHAState(ctx context.Context, name string) (expr.Value, error) {
	if r.State == nil {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	res, err := r.State.GetState(ctx, name)
	if err != nil {
		return expr.Value{}, err
	}
	if !res.Exists {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	return expr.FromInterface(res.Value), nil
}

func (r *Resolver) resolveDataProvider(ctx context.Context, name string) (expr.Value, error) {
	if r.DataCB == nil {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	res, err := r.DataCB(ctx, name)
	if err != nil {
		return expr.Value{}, err
	}
	if !res.Exists {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	return expr.FromInterface(res.Value), nil
}

func (r *Resolver) resolveLiteral(name string) (expr.Value, error) {
	v, ok := r.Literals[name]
	if !ok {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	return v, nil
}

func (r *Resolver) resolveComputed(ctx context.Context, name string) (expr.Value, error) {
	if r.Computed == nil {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	return r.Computed(ctx, name)
}

func (r *Resolver) resolveCrossSensor(name string) (expr.Value, error) {
	if r.CrossSensor == nil {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	v, ok := r.CrossSensor(name)
	if !ok {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	return v, nil
}

// resolveStateAttribute handles "<var>.<attr>": it looks <var> up through
// the state provider only (a <var> that is not a host entity is reported
// as a missing dependency; the data provider is not consulted), then reads
// the named attribute through the metadata provider, falling back to the
// state provider's raw attribute (spec §4.4).
func (r *Resolver) resolveStateAttribute(ctx context.Context, name string) (expr.Value, error) {
	dot := strings.IndexByte(name, '.')
	if dot <= 0 {
		return expr.Value{}, fmt.Errorf("malformed state-attribute name %q", name)
	}
	base, attr := name[:dot], name[dot+1:]

	if r.State == nil {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	baseResult, err := r.State.GetState(ctx, base)
	if err != nil {
		return expr.Value{}, err
	}
	if !baseResult.Exists {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	if r.Metadata != nil {
		if v, err := r.Metadata.GetMetadata(ctx, base, attr); err == nil {
			return expr.FromInterface(v), nil
		}
	}
	raw, err := r.State.GetAttribute(ctx, base, attr)
	if err != nil {
		return expr.Value{}, &MissingDependencyError{Name: name}
	}
	return expr.FromInterface(raw), nil
}
