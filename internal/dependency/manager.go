package dependency

import (
	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/model"
)

// Manager extracts dependencies from formula analysis and validates a
// sensor's internal reference graph before any cycle runs (spec §4.5).
type Manager struct {
	Analysis *analysis.Service
}

func NewManager(a *analysis.Service) *Manager {
	return &Manager{Analysis: a}
}

// ExtractDependencies returns the analysis-derived dependency set for a
// formula (spec §4.5: "from FormulaAnalysis.dependencies").
func (m *Manager) ExtractDependencies(formula string) ([]string, error) {
	a, err := m.Analysis.GetFormulaAnalysis(formula)
	if err != nil {
		return nil, err
	}
	return a.Dependencies, nil
}

// DetectCircularRefs builds the DAG over a sensor's main formula ->
// computed variables -> attributes and returns an error if it contains a
// cycle (spec §4.5, fatal before any evaluation begins).
func (m *Manager) DetectCircularRefs(sensor *model.Sensor) error {
	g := NewGraph()

	computedNames := make(map[string]bool)
	for name, v := range sensor.Variables {
		if v.Kind == model.VarComputed {
			computedNames[name] = true
		}
	}

	addEdges := func(from, formula string) error {
		deps, err := m.ExtractDependencies(formula)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if computedNames[d] || d == "state" {
				g.AddEdge(from, d)
			}
		}
		return nil
	}

	if err := addEdges("state", sensor.Formula); err != nil {
		return err
	}
	for name, v := range sensor.Variables {
		if v.Kind != model.VarComputed {
			continue
		}
		if err := addEdges(name, v.Formula); err != nil {
			return err
		}
	}
	for name, attr := range sensor.Attributes {
		if attr.IsLiteral {
			continue
		}
		if err := addEdges("attribute:"+name, attr.Formula); err != nil {
			return err
		}
	}

	if cycle := g.DetectCycle(); cycle != nil {
		return &CircularReferenceError{Sensor: sensor.Key, Cycle: cycle}
	}

	// Open Question #1 (spec §9, resolved in DESIGN.md): a computed
	// variable referencing a name that only an attribute's local layer
	// defines is a configuration error — computed variables run before
	// attributes exist (spec §4.9 ordering).
	attributeOnlyNames := make(map[string]bool)
	for name, attr := range sensor.Attributes {
		_ = name
		for varName := range attr.Variables {
			attributeOnlyNames[varName] = true
		}
	}
	for name, v := range sensor.Variables {
		if v.Kind != model.VarComputed {
			continue
		}
		deps, err := m.ExtractDependencies(v.Formula)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if attributeOnlyNames[d] && !computedNames[d] {
				return &AttributeLocalReferenceError{Sensor: sensor.Key, Computed: name, Name: d}
			}
		}
	}

	return nil
}

// AttributeLocalReferenceError reports a computed variable illegally
// referencing a name that only exists in an attribute's local layer (spec
// §9 Open Question #1).
type AttributeLocalReferenceError struct {
	Sensor   string
	Computed string
	Name     string
}

func (e *AttributeLocalReferenceError) Error() string {
	return "computed variable " + e.Computed + " in sensor " + e.Sensor +
		" references attribute-local name " + e.Name + ", which does not exist yet when computed variables evaluate"
}
