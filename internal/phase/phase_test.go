package phase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/dependency"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/model"
	"github.com/r3e-network/formula-engine/internal/ports"
	"github.com/r3e-network/formula-engine/internal/refcontext"
	"github.com/r3e-network/formula-engine/internal/resolver"
)

type mapState struct {
	states map[string]any
	attrs  map[string]any
}

func (m *mapState) GetState(_ context.Context, entityID string) (ports.StateResult, error) {
	v, ok := m.states[entityID]
	if !ok {
		return ports.StateResult{}, nil
	}
	return ports.StateResult{Value: v, Exists: true}, nil
}
func (m *mapState) GetAttribute(_ context.Context, entityID, key string) (any, error) {
	return m.attrs[entityID+"."+key], nil
}
func (m *mapState) Enumerate(context.Context, string) ([]string, error) { return nil, nil }

type mapMetadata struct{ values map[string]any }

func (m *mapMetadata) GetMetadata(_ context.Context, entityID, key string) (any, error) {
	return m.values[entityID+"."+key], nil
}

func newTestEvaluator() *Evaluator {
	engine := expr.NewEngine(nil)
	a := analysis.NewService(engine)
	d := dependency.NewManager(a)
	return NewEvaluator(engine, a, d)
}

func baseRequest(formula string, state *mapState) Request {
	return Request{
		CacheKey: "test:" + formula,
		Formula:  formula,
		Resolver: &resolver.Resolver{State: state},
		Context:  refcontext.New(),
		EntityCache: refcontext.NewEntityCache(),
		StateProvider: state,
	}
}

// Scenario 1: basic numeric evaluation.
func TestEvaluate_BasicNumeric(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{
		"sensor.power": 1500.0,
	}}
	req := baseRequest("sensor.power * 0.12 / 1000", state)
	res := e.Evaluate(context.Background(), req)

	require.True(t, res.Success)
	assert.InDelta(t, 0.18, res.Value.N, 1e-9)
	assert.Equal(t, StateClassNormal, res.StateClass)
}

// Scenario 2: conditional must preserve False, not trigger an alternate state.
func TestEvaluate_ConditionalPreservesFalse(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{"binary_sensor.door": false}}
	req := baseRequest("binary_sensor.door", state)
	res := e.Evaluate(context.Background(), req)

	require.True(t, res.Success)
	assert.Equal(t, expr.KindBool, res.Value.Kind)
	assert.False(t, res.Value.B)
	assert.Equal(t, StateClassNormal, res.StateClass)
}

// Scenario 3: metadata lookup merged with a duration computation.
func TestEvaluate_MetadataWithDuration(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{"sensor.door": "closed"}}
	md := &mapMetadata{values: map[string]any{"sensor.door.last_changed": time.Now().Add(-30 * time.Minute)}}

	req := baseRequest(`minutes_between(metadata(state,'last_changed'), now()) < 60`, state)
	req.BackingEntityID = "sensor.door"
	req.Metadata = md
	res := e.Evaluate(context.Background(), req)

	require.True(t, res.Success, res.Err)
	assert.Equal(t, StateClassNormal, res.StateClass)
	assert.Equal(t, expr.KindBool, res.Value.Kind)
	assert.True(t, res.Value.B)
}

// Scenario 4: alternate state with a literal handler substituting a value.
func TestEvaluate_AlternateStateLiteralSubstitution(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{}}
	req := baseRequest("sensor.missing", state)
	req.AlternateStates = map[model.AlternateStateKey]*model.HandlerSpec{
		model.StateUnavailable: {IsLiteral: true, Literal: 50.0},
	}
	res := e.Evaluate(context.Background(), req)

	require.True(t, res.Success)
	assert.True(t, res.AlternateUsed)
	assert.Equal(t, 50.0, res.Value.N)
}

// Scenario 5: computed-variable DAG producing a derived value.
func TestEvaluate_ComputedVariableResolution(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{}}
	req := baseRequest("avg_power + 1", state)
	req.ComputedNames = map[string]bool{"avg_power": true}
	req.Resolver.Computed = func(ctx context.Context, name string) (expr.Value, error) {
		return expr.Number(32), nil
	}
	res := e.Evaluate(context.Background(), req)

	require.True(t, res.Success)
	assert.Equal(t, 33.0, res.Value.N)
}

func TestEvaluate_NoHandlerPublishesRawSentinel(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{}}
	req := baseRequest("sensor.missing", state)
	res := e.Evaluate(context.Background(), req)

	assert.False(t, res.Success)
	assert.True(t, res.AlternateUsed)
	assert.Equal(t, StateClassUnavailable, res.StateClass)
	assert.True(t, res.Value.IsAlternate())
}

func TestEvaluate_CircuitBreakerOpensAndServesLastGood(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{"sensor.power": 10.0}}

	req := baseRequest("sensor.power", state)
	req.CacheKey = "breaker-test"
	res := e.Evaluate(context.Background(), req)
	require.True(t, res.Success)

	// Now drive the same cache key to repeated failures until the breaker
	// opens, then confirm it serves the last cached outcome instead of
	// re-evaluating.
	failingState := &mapState{states: map[string]any{}}
	req.Resolver = &resolver.Resolver{State: failingState}
	req.Context = refcontext.New()
	req.EntityCache = refcontext.NewEntityCache()

	var last *Result
	for i := 0; i < 10; i++ {
		req.Context = refcontext.New()
		req.EntityCache = refcontext.NewEntityCache()
		last = e.Evaluate(context.Background(), req)
	}
	require.NotNil(t, last)
	assert.True(t, last.Success)
	assert.Equal(t, 10.0, last.Value.N)
	if last.Trace != nil {
		assert.Contains(t, last.Trace[0], "phase0")
	}
}

func TestEvaluate_InvalidateResultCache(t *testing.T) {
	e := newTestEvaluator()
	state := &mapState{states: map[string]any{"sensor.power": 10.0}}
	req := baseRequest("sensor.power", state)
	res := e.Evaluate(context.Background(), req)
	require.True(t, res.Success)

	e.InvalidateResultCache(req.CacheKey)
	_, ok := e.resultCache[req.CacheKey]
	assert.False(t, ok)
}
