// Package analysis implements the parse-once AST analysis service (spec
// §4.2): given formula text it produces a FormulaAnalysis (names, entity
// references, metadata call sites, collection-function call sites,
// cross-sensor keys) and a derived BindingPlan (name -> resolution
// strategy). Both are memoized in an infrastructure/cache.Cache, keyed by
// formula text, for the lifetime of the process — a near-infinite TTL plus
// explicit InvalidateVersion on entity rename stand in for spec §5's
// "global, permanent, thread-safe" resource policy for these two caches.
package analysis

import (
	"strings"
	"time"

	"github.com/r3e-network/formula-engine/infrastructure/cache"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/expr/ast"
)

// permanentTTL stands in for "never expires": spec §5 wants these caches to
// live for the process lifetime, but infrastructure/cache.Cache only offers
// TTL-based expiry plus explicit version invalidation, so a very long TTL
// combined with InvalidateVersion on entity rename gets the same effect.
const permanentTTL = 100 * 365 * 24 * time.Hour

// Strategy is a BindingPlan resolution strategy (spec §4.4).
type Strategy int

const (
	StrategyHAState Strategy = iota
	StrategyDataProvider
	StrategyLiteral
	StrategyComputed
	StrategyCrossSensor
	StrategyStateAttribute
)

func (s Strategy) String() string {
	switch s {
	case StrategyHAState:
		return "ha_state"
	case StrategyDataProvider:
		return "data_provider"
	case StrategyLiteral:
		return "literal"
	case StrategyComputed:
		return "computed"
	case StrategyCrossSensor:
		return "cross_sensor"
	case StrategyStateAttribute:
		return "state_attribute"
	default:
		return "unknown"
	}
}

// MetadataCall records one metadata(ref, 'key') call site found during
// analysis, in source order — C7 uses this order to assign deterministic
// _metadata_<n> sentinel names.
type MetadataCall struct {
	Ref string
	Key string
}

// CollectionCall records one call site whose single string-literal argument
// is a collection pattern (spec §6), e.g. count("device_class:power").
type CollectionCall struct {
	Func    string
	Pattern string
}

// FormulaAnalysis is the pure, memoized result of one AST walk (spec §3).
type FormulaAnalysis struct {
	Formula             string
	Variables            []string // all identifier names referenced, in first-seen order, deduplicated
	EntityReferences      []string // identifiers shaped like "<domain>.<object>"
	Dependencies          []string // same names as Variables; a name used only as a metadata(...) ref argument is in neither
	MetadataCalls         []MetadataCall
	CollectionFunctions   []CollectionCall
	CrossSensorRefs       []string // populated later once a sensor-key universe is known; empty from the raw walk
	HasMetadata           bool
}

// BindingPlan is the derived, immutable per-formula strategy map (spec §3).
type BindingPlan struct {
	Names               []string
	Strategies          map[string]Strategy
	HasMetadata         bool
	HasCollections      bool
	CollectionQueries   []CollectionCall
	MetadataCalls       []MetadataCall
}

// entityRefRE-equivalent check without regexp: "<domain>.<object>" shaped,
// i.e. exactly one dot and both sides non-empty, and not itself a bare
// dotted attribute access into a local variable name (the binding step,
// not the analysis step, tells those apart using the known-name universe).
func looksLikeEntityReference(name string) bool {
	idx := strings.IndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return false
	}
	return strings.Count(name, ".") == 1
}

// collectionFuncs is the fixed set of builtins whose single string-literal
// argument is a collection pattern rather than a plain value (spec §4.5/§6).
var collectionFuncs = map[string]bool{
	"sum": true, "count": true, "avg": true, "mean": true,
	"min": true, "max": true, "std": true, "var": true,
}

// Service owns the permanent analysis/binding-plan caches and the Engine
// used to compile formulas (C1).
type Service struct {
	engine *expr.Engine

	analysisC *cache.Cache
	bindingC  *cache.Cache
}

func NewService(engine *expr.Engine) *Service {
	cfg := cache.DefaultConfig()
	cfg.DefaultTTL = permanentTTL
	return &Service{
		engine:    engine,
		analysisC: cache.NewCache(cfg),
		bindingC:  cache.NewCache(cfg),
	}
}

// InvalidateAll drops both caches in full — called on entity-id rename
// (spec §5's "cleared on entity-id rename or set mutation"), since a
// rename can change which names in an already-analyzed formula resolve to
// entity references.
func (s *Service) InvalidateAll() {
	s.analysisC.InvalidateVersion()
	s.bindingC.InvalidateVersion()
}

// GetFormulaAnalysis returns the memoized analysis for formula, computing
// and caching it on first use. Never returns a partially-built result: a
// parse failure is returned as an error and nothing is cached.
func (s *Service) GetFormulaAnalysis(formula string) (*FormulaAnalysis, error) {
	if v, ok := s.analysisC.Get(formula); ok {
		return v.(*FormulaAnalysis), nil
	}

	node, err := s.engine.Compile(formula)
	if err != nil {
		return nil, err
	}
	a := walk(formula, node)

	s.analysisC.Set(formula, a, 0)
	return a, nil
}

// BuildBindingPlan derives strategies for each name in the formula's
// analysis. computedNames and crossSensorKeys describe the current sensor's
// and sensor-set's universes respectively — the same formula text can
// legitimately bind differently across sensor sets, so the BindingPlan
// cache is keyed on (formula, computed-set, cross-sensor-set) rather than
// formula text alone.
func (s *Service) BuildBindingPlan(formula string, literals map[string]expr.Value, computedNames, crossSensorKeys map[string]bool) (*BindingPlan, error) {
	a, err := s.GetFormulaAnalysis(formula)
	if err != nil {
		return nil, err
	}
	cacheKey := bindingCacheKey(formula, computedNames, crossSensorKeys)

	if v, ok := s.bindingC.Get(cacheKey); ok {
		return v.(*BindingPlan), nil
	}

	strategies := make(map[string]Strategy, len(a.Variables))
	for _, name := range a.Variables {
		strategies[name] = classify(name, literals, computedNames, crossSensorKeys)
	}
	plan := &BindingPlan{
		Names:             a.Variables,
		Strategies:        strategies,
		HasMetadata:       a.HasMetadata,
		HasCollections:    len(a.CollectionFunctions) > 0,
		CollectionQueries: a.CollectionFunctions,
		MetadataCalls:     a.MetadataCalls,
	}

	s.bindingC.Set(cacheKey, plan, 0)
	return plan, nil
}

func bindingCacheKey(formula string, computedNames, crossSensorKeys map[string]bool) string {
	var sb strings.Builder
	sb.WriteString(formula)
	sb.WriteByte('\x00')
	writeSortedKeys(&sb, computedNames)
	sb.WriteByte('\x00')
	writeSortedKeys(&sb, crossSensorKeys)
	return sb.String()
}

func writeSortedKeys(sb *strings.Builder, set map[string]bool) {
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sortStrings(names)
	for i, n := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(n)
	}
}

// sortStrings avoids importing "sort" twice across the package; kept local
// and tiny (insertion sort) since cache keys involve at most a few dozen
// names per sensor.
func sortStrings(names []string) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
}

// classify implements the binding table from spec §4.2.
func classify(name string, literals map[string]expr.Value, computedNames, crossSensorKeys map[string]bool) Strategy {
	if name == "state" {
		return StrategyHAState
	}
	if crossSensorKeys[name] {
		return StrategyCrossSensor
	}
	if _, ok := literals[name]; ok {
		return StrategyLiteral
	}
	if computedNames[name] {
		return StrategyComputed
	}
	if looksLikeEntityReference(name) {
		return StrategyHAState
	}
	if strings.Contains(name, ".") {
		return StrategyStateAttribute
	}
	return StrategyDataProvider
}

// walker accumulates analysis state during one AST traversal.
type walker struct {
	seen          map[string]bool
	variables     []string
	entityRefs    []string
	metadataCalls []MetadataCall
	collections   []CollectionCall
}

func walk(formula string, node ast.Node) *FormulaAnalysis {
	w := &walker{seen: make(map[string]bool)}
	w.visit(node)
	// Dependencies are every plainly-referenced identifier. Names that occur
	// ONLY as a metadata(...) ref argument never reach w.variables in the
	// first place (visitCall skips addVariable for the ref slot), so the
	// spec §4.8 scoping rule falls out of the walk directly — no separate
	// filtering step is needed here.
	deps := append([]string(nil), w.variables...)
	return &FormulaAnalysis{
		Formula:             formula,
		Variables:           w.variables,
		EntityReferences:    w.entityRefs,
		Dependencies:        deps,
		MetadataCalls:       w.metadataCalls,
		CollectionFunctions: w.collections,
		HasMetadata:         len(w.metadataCalls) > 0,
	}
}

func (w *walker) addVariable(name string) {
	if !w.seen[name] {
		w.seen[name] = true
		w.variables = append(w.variables, name)
		if looksLikeEntityReference(name) {
			w.entityRefs = append(w.entityRefs, name)
		}
	}
}

func (w *walker) visit(node ast.Node) {
	switch n := node.(type) {
	case nil:
		return
	case *ast.NumberLit, *ast.StringLit, *ast.BoolLit, *ast.NoneLit:
		return
	case *ast.FStringLit:
		for _, p := range n.Parts {
			if p.Expr != nil {
				w.visit(p.Expr)
			}
		}
	case *ast.Identifier:
		w.addVariable(n.Name)
	case *ast.UnaryOp:
		w.visit(n.X)
	case *ast.BinaryOp:
		w.visit(n.L)
		w.visit(n.R)
	case *ast.BoolOp:
		w.visit(n.L)
		w.visit(n.R)
	case *ast.CompareOp:
		w.visit(n.L)
		w.visit(n.R)
	case *ast.Ternary:
		w.visit(n.Cond)
		w.visit(n.Then)
		w.visit(n.Else)
	case *ast.Index:
		w.visit(n.X)
		w.visit(n.Start)
		w.visit(n.Stop)
	case *ast.Call:
		w.visitCall(n)
	}
}

func (w *walker) visitCall(n *ast.Call) {
	if strings.EqualFold(n.Func, "metadata") && len(n.Args) == 2 {
		ref, refIsIdent := n.Args[0].(*ast.Identifier)
		key, keyIsString := n.Args[1].(*ast.StringLit)
		if refIsIdent && keyIsString {
			w.metadataCalls = append(w.metadataCalls, MetadataCall{Ref: ref.Name, Key: key.Value})
			// Deliberately do not visit the ref argument as a plain
			// identifier: a name used only as a metadata(...) ref must not
			// enter w.variables, so it never triggers the missing-state
			// guard (spec §4.8). The key argument is a string literal and
			// has nothing to visit.
			return
		}
	}
	if collectionFuncs[strings.ToLower(n.Func)] && len(n.Args) == 1 {
		if lit, ok := n.Args[0].(*ast.StringLit); ok && looksLikeCollectionPattern(lit.Value) {
			w.collections = append(w.collections, CollectionCall{Func: n.Func, Pattern: lit.Value})
			return
		}
	}
	for _, arg := range n.Args {
		w.visit(arg)
	}
}

// looksLikeCollectionPattern distinguishes a collection-pattern string
// literal argument (e.g. "device_class:power|area:kitchen,!label:test")
// from an ordinary string argument by checking for the selector-colon
// shape spec §6 defines.
func looksLikeCollectionPattern(s string) bool {
	for _, selector := range []string{"device_class:", "area:", "label:", "state:", "attribute:", "regex:"} {
		if strings.HasPrefix(s, selector) || strings.Contains(s, "|"+selector) || strings.Contains(s, ",!"+selector) {
			return true
		}
	}
	return false
}
