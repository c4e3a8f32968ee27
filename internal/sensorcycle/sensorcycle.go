// Package sensorcycle implements C9, the Sensor Orchestrator (spec §4.9):
// the fixed seven-step per-sensor, per-cycle sequence that builds a fresh
// context, resolves computed variables in topological order, runs the main
// formula through the Phase Orchestrator, evaluates attributes, consolidates
// the alternate-state decision, and emits one atomic publication. Grounded
// on internal/app/functions/service.go's service-struct-with-logger
// constructor convention (a thin struct holding its collaborators plus a
// *logger.Logger, built once by NewService/NewOrchestrator and reused across
// calls).
package sensorcycle

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/formula-engine/internal/altstate"
	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/dependency"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/model"
	"github.com/r3e-network/formula-engine/internal/phase"
	"github.com/r3e-network/formula-engine/internal/ports"
	"github.com/r3e-network/formula-engine/internal/refcontext"
	"github.com/r3e-network/formula-engine/internal/resolver"
	"github.com/r3e-network/formula-engine/pkg/logger"
)

// Publication is the single atomic per-sensor-per-cycle output (spec §4.9
// step 7).
type Publication struct {
	EntityID   string
	Value      expr.Value
	Attributes map[string]any
}

// Orchestrator runs sensor cycles for one sensor set's worth of sensors. It
// holds the collaborators shared across every cycle. The HierarchicalContext
// and EntityCache are built fresh on every RunSensor call; last-good
// tracking and last committed values live in Orchestrator's per-sensor side
// tables, keyed by sensor key, so last-good state survives across cycles
// the way spec §4.8 requires.
type Orchestrator struct {
	Evaluator *phase.Evaluator
	Analysis  *analysis.Service
	Manager   *dependency.Manager
	State     ports.StateProvider
	Metadata  ports.MetadataProvider
	DataCB    ports.DataProviderCallback
	Publish   ports.Publisher
	log       *logger.Logger
	nowFn     func() time.Time

	lastGood map[string]*altstate.LastGood // keyed by sensor key
	// lastCommitted holds the most recently published main value per
	// sensor key, read by other sensors' cross_sensor strategy lookups
	// (spec §5: "observe the result of the most recently committed
	// cycle... never an intra-cycle in-flight value").
	lastCommitted map[string]expr.Value
}

func NewOrchestrator(e *phase.Evaluator, a *analysis.Service, m *dependency.Manager, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("sensorcycle")
	}
	return &Orchestrator{
		Evaluator:     e,
		Analysis:      a,
		Manager:       m,
		log:           log,
		nowFn:         time.Now,
		lastGood:      make(map[string]*altstate.LastGood),
		lastCommitted: make(map[string]expr.Value),
	}
}

// RunSet evaluates every sensor in set, in declaration order (spec §5:
// "evaluation of a sensor set is an uninterruptible sequence of sensor
// evaluations; parallelism across sensors of the same set is prohibited").
// A cancelled context aborts before any further publication (spec §5
// "Cancellation: a cycle is all-or-nothing").
func (o *Orchestrator) RunSet(ctx context.Context, set *model.SensorSet) ([]Publication, error) {
	pubs := make([]Publication, 0, len(set.Sensors))
	for _, sensor := range set.Sensors {
		if err := ctx.Err(); err != nil {
			return pubs, err
		}
		pub, err := o.RunSensor(ctx, set, sensor)
		if err != nil {
			o.log.Errorf("sensor %s cycle failed: %v", sensor.Key, err)
			continue
		}
		pubs = append(pubs, *pub)
	}
	return pubs, nil
}

// RunSensor executes spec §4.9's seven steps for one sensor.
func (o *Orchestrator) RunSensor(ctx context.Context, set *model.SensorSet, sensor *model.Sensor) (*Publication, error) {
	if err := o.Manager.DetectCircularRefs(sensor); err != nil {
		return nil, err
	}

	// Step 1: fresh context, globals as L0, sensor variables as L1.
	rc := refcontext.New()
	cache := refcontext.NewEntityCache()
	literals := map[string]expr.Value{}
	for name, v := range set.GlobalVariables {
		val := expr.FromInterface(v)
		literals[name] = val
		if err := rc.UnifiedSet(cache, name, val); err != nil {
			return nil, err
		}
	}

	rc.PushLayer("sensor:" + sensor.Key)
	computedOrder, err := o.topologicalComputedOrder(sensor)
	if err != nil {
		return nil, err
	}
	computedNames := make(map[string]bool, len(computedOrder))
	for _, name := range computedOrder {
		computedNames[name] = true
	}
	for _, v := range sensor.Variables {
		if v.Kind == model.VarLiteral {
			literals[v.Name] = expr.FromInterface(v.Literal)
		}
	}

	// Any other sensor in the same set is a candidate cross-sensor
	// reference (spec §4.4 cross_sensor strategy); self-reference is
	// excluded since a sensor's own main formula never observes its own
	// in-flight result.
	crossSensorKeys := make(map[string]bool, len(set.Sensors))
	for _, other := range set.Sensors {
		if other.Key != sensor.Key {
			crossSensorKeys[other.Key] = true
		}
	}

	res := &resolver.Resolver{
		State:    o.State,
		Metadata: o.Metadata,
		DataCB:   o.DataCB,
		Literals: literals,
		CrossSensor: func(sensorKey string) (expr.Value, bool) {
			v, ok := o.lastCommitted[sensorKey]
			return v, ok
		},
	}

	// Step 2: computed variables, topologically ordered, each written via
	// unified_set so later computed variables (and the main formula) can
	// resolve earlier ones through the "computed" strategy.
	computedValues := make(map[string]expr.Value, len(computedOrder))
	res.Computed = func(ctx context.Context, name string) (expr.Value, error) {
		if v, ok := computedValues[name]; ok {
			return v, nil
		}
		return expr.Value{}, &resolver.MissingDependencyError{Name: name}
	}
	for _, name := range computedOrder {
		v := sensor.Variables[name]
		pr := o.Evaluator.Evaluate(ctx, phase.Request{
			CacheKey:        sensor.Key + ":computed:" + name,
			Formula:         v.Formula,
			Resolver:        res,
			Literals:        literals,
			ComputedNames:   computedNames,
			CrossSensorKeys: crossSensorKeys,
			AlternateStates: v.AlternateStates,
			Context:         rc,
			EntityCache:     cache,
			Metadata:        o.Metadata,
			StateProvider:   o.State,
		})
		if pr.Err != nil {
			return nil, fmt.Errorf("computed variable %s: %w", name, pr.Err)
		}
		if err := rc.UnifiedSet(cache, name, pr.Value); err != nil {
			return nil, err
		}
		computedValues[name] = pr.Value
	}

	// Step 3: main formula via the Phase Orchestrator.
	mainRes := o.Evaluator.Evaluate(ctx, phase.Request{
		CacheKey:        sensor.Key + ":main",
		Formula:         sensor.Formula,
		Resolver:        res,
		Literals:        literals,
		ComputedNames:   computedNames,
		CrossSensorKeys: crossSensorKeys,
		AlternateStates: sensor.AlternateStates,
		Context:         rc,
		EntityCache:     cache,
		Metadata:        o.Metadata,
		StateProvider:   o.State,
	})

	lg := o.lastGood[sensor.Key]
	if lg == nil {
		lg = &altstate.LastGood{}
		o.lastGood[sensor.Key] = lg
	}
	lg.Update(mainRes.Value, o.nowFn())

	// Step 4: "state" = main result, in a new layer.
	rc.PushLayer("state")
	if err := rc.UnifiedSet(cache, "state", mainRes.Value); err != nil {
		return nil, err
	}

	// Step 5: attributes, each with its own local layer above "state".
	attrs := make(map[string]any, len(sensor.Attributes)+2)
	for name, attr := range sensor.Attributes {
		v, aerr := o.evaluateAttribute(ctx, sensor, attr, res, rc, cache, literals, computedNames, crossSensorKeys)
		if aerr != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, aerr)
		}
		attrs[name] = v.ToPublishable()
	}

	// Step 6: consolidate alternate-state/last-good attributes.
	if lgAttrs := lg.Attributes(); lgAttrs != nil {
		for k, v := range lgAttrs {
			attrs[k] = v
		}
	}

	o.lastCommitted[sensor.Key] = mainRes.Value

	pub := &Publication{
		EntityID:   sensor.EntityID,
		Value:      mainRes.Value,
		Attributes: attrs,
	}

	// Step 7: single atomic publication.
	if o.Publish != nil {
		if err := o.Publish.Publish(ctx, pub.EntityID, pub.Value.ToPublishable(), pub.Attributes); err != nil {
			return nil, err
		}
	}
	o.lastCommitted[sensor.Key] = mainRes.Value
	return pub, nil
}

func (o *Orchestrator) evaluateAttribute(ctx context.Context, sensor *model.Sensor, attr model.Attribute, res *resolver.Resolver, rc *refcontext.HierarchicalContext, cache *refcontext.EntityCache, literals map[string]expr.Value, computedNames, crossSensorKeys map[string]bool) (expr.Value, error) {
	if attr.IsLiteral {
		return expr.FromInterface(attr.Literal), nil
	}
	rc.PushLayer("attribute:" + attr.Name)
	attrLiterals := mergeLiterals(literals, attr.Variables)
	attrRes := *res
	attrRes.Literals = attrLiterals
	pr := o.Evaluator.Evaluate(ctx, phase.Request{
		CacheKey:        sensor.Key + ":attribute:" + attr.Name,
		Formula:         attr.Formula,
		Resolver:        &attrRes,
		Literals:        attrLiterals,
		ComputedNames:   computedNames,
		CrossSensorKeys: crossSensorKeys,
		AlternateStates: attr.AlternateStates,
		Context:         rc,
		EntityCache:     cache,
		Metadata:        o.Metadata,
		StateProvider:   o.State,
	})
	if pr.Err != nil {
		return expr.Value{}, pr.Err
	}
	return pr.Value, nil
}

func mergeLiterals(base map[string]expr.Value, attrVars map[string]model.Variable) map[string]expr.Value {
	out := make(map[string]expr.Value, len(base)+len(attrVars))
	for k, v := range base {
		out[k] = v
	}
	for name, v := range attrVars {
		if v.Kind == model.VarLiteral {
			out[name] = expr.FromInterface(v.Literal)
		}
	}
	return out
}

// topologicalComputedOrder orders a sensor's computed variables so each
// appears after every other computed variable it depends on (spec §4.9
// step 2 / §5 "computed variables happen-before the main formula"), using
// the finish order of a local post-order DFS over the computed-variable
// dependency edges. Cycles are not detected here; RunSensor runs
// DetectCircularRefs first.
func (o *Orchestrator) topologicalComputedOrder(sensor *model.Sensor) ([]string, error) {
	computedNames := make(map[string]bool)
	for name, v := range sensor.Variables {
		if v.Kind == model.VarComputed {
			computedNames[name] = true
		}
	}

	deps := make(map[string][]string, len(computedNames))
	for name := range computedNames {
		d, err := o.Manager.ExtractDependencies(sensor.Variables[name].Formula)
		if err != nil {
			return nil, err
		}
		var filtered []string
		for _, dep := range d {
			if computedNames[dep] {
				filtered = append(filtered, dep)
			}
		}
		deps[name] = filtered
	}

	var order []string
	visited := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range deps[name] {
			visit(dep)
		}
		order = append(order, name)
	}
	// Iterate in a stable order (declaration order isn't preserved by Go
	// maps) by sorting names, so the topological order is deterministic
	// across runs given the same sensor definition.
	names := make([]string, 0, len(computedNames))
	for name := range computedNames {
		names = append(names, name)
	}
	sortStrings(names)
	for _, name := range names {
		visit(name)
	}
	return order, nil
}

// sortStrings is a small insertion sort — the computed-variable count per
// sensor is small enough that avoiding an extra sort import isn't worth it
// here either, matching the style of analysis.sortStrings.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
