package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/formula-engine/internal/analysis"
	"github.com/r3e-network/formula-engine/internal/expr"
	"github.com/r3e-network/formula-engine/internal/model"
)

func newManager() *Manager {
	return NewManager(analysis.NewService(expr.NewEngine(nil)))
}

func TestDetectCircularRefs_NoCycle(t *testing.T) {
	m := newManager()
	sensor := &model.Sensor{
		Key:     "power_cost",
		Formula: "avg_power * rate",
		Variables: map[string]model.Variable{
			"avg_power": {Name: "avg_power", Kind: model.VarComputed, Formula: "raw_power / 2"},
			"rate":      {Name: "rate", Kind: model.VarLiteral, Literal: 0.12},
		},
	}
	assert.NoError(t, m.DetectCircularRefs(sensor))
}

func TestDetectCircularRefs_DetectsCycle(t *testing.T) {
	m := newManager()
	sensor := &model.Sensor{
		Key:     "broken",
		Formula: "a",
		Variables: map[string]model.Variable{
			"a": {Name: "a", Kind: model.VarComputed, Formula: "b"},
			"b": {Name: "b", Kind: model.VarComputed, Formula: "a"},
		},
	}
	err := m.DetectCircularRefs(sensor)
	require.Error(t, err)
	var cycleErr *CircularReferenceError
	assert.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, "broken", cycleErr.Sensor)
}

func TestDetectCircularRefs_AttributeLocalReferenceIsRejected(t *testing.T) {
	m := newManager()
	sensor := &model.Sensor{
		Key:     "sensor_with_bad_ref",
		Formula: "derived",
		Variables: map[string]model.Variable{
			"derived": {Name: "derived", Kind: model.VarComputed, Formula: "local_only"},
		},
		Attributes: map[string]model.Attribute{
			"friendly": {
				Name:    "friendly",
				Formula: "local_only * 2",
				Variables: map[string]model.Variable{
					"local_only": {Name: "local_only", Kind: model.VarLiteral, Literal: 1},
				},
			},
		},
	}
	err := m.DetectCircularRefs(sensor)
	require.Error(t, err)
	var attrErr *AttributeLocalReferenceError
	assert.ErrorAs(t, err, &attrErr)
	assert.Equal(t, "derived", attrErr.Computed)
	assert.Equal(t, "local_only", attrErr.Name)
}

func TestExtractDependencies(t *testing.T) {
	m := newManager()
	deps, err := m.ExtractDependencies("sensor.power * rate")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sensor.power", "rate"}, deps)
}
