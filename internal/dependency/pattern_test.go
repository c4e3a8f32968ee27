package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern_SimpleDeviceClass(t *testing.T) {
	p, err := ParsePattern("device_class:power")
	require.NoError(t, err)
	require.Len(t, p.Include, 1)
	assert.Equal(t, SelectorDeviceClass, p.Include[0].Kind)
	assert.Equal(t, "==", p.Include[0].Op)
	assert.Equal(t, "power", p.Include[0].Value)
	assert.Empty(t, p.Exclude)
}

func TestParsePattern_OrAlternatives(t *testing.T) {
	p, err := ParsePattern("area:kitchen|area:garage")
	require.NoError(t, err)
	require.Len(t, p.Include, 2)
	assert.Equal(t, SelectorArea, p.Include[0].Kind)
	assert.Equal(t, "kitchen", p.Include[0].Value)
	assert.Equal(t, "garage", p.Include[1].Value)
}

func TestParsePattern_ExclusionSuffix(t *testing.T) {
	p, err := ParsePattern("device_class:power,!label:test")
	require.NoError(t, err)
	require.Len(t, p.Include, 1)
	require.Len(t, p.Exclude, 1)
	assert.Equal(t, SelectorLabel, p.Exclude[0].Kind)
	assert.Equal(t, "test", p.Exclude[0].Value)
	assert.True(t, p.Exclude[0].Negate)
}

func TestParsePattern_AttributeSelectorWithOperator(t *testing.T) {
	p, err := ParsePattern("attribute:battery_level<20")
	require.NoError(t, err)
	require.Len(t, p.Include, 1)
	term := p.Include[0]
	assert.Equal(t, SelectorAttribute, term.Kind)
	assert.Equal(t, "battery_level", term.Name)
	assert.Equal(t, "<", term.Op)
	assert.Equal(t, "20", term.Value)
}

func TestParsePattern_RegexSelector(t *testing.T) {
	p, err := ParsePattern("regex:room_sensors")
	require.NoError(t, err)
	require.Len(t, p.Include, 1)
	assert.Equal(t, SelectorRegex, p.Include[0].Kind)
	assert.Equal(t, "room_sensors", p.Include[0].Name)
}

func TestParsePattern_StateSelectorWithComparisonOperator(t *testing.T) {
	p, err := ParsePattern("state!=off")
	require.NoError(t, err)
	require.Len(t, p.Include, 1)
	assert.Equal(t, SelectorState, p.Include[0].Kind)
	assert.Equal(t, "!=", p.Include[0].Op)
	assert.Equal(t, "off", p.Include[0].Value)
}

func TestParsePattern_ExclusionMustStartWithBang(t *testing.T) {
	_, err := ParsePattern("device_class:power,label:test")
	require.Error(t, err)
	var pe *PatternError
	assert.ErrorAs(t, err, &pe)
}

func TestParsePattern_EmptyPattern(t *testing.T) {
	_, err := ParsePattern("")
	require.Error(t, err)
}

func TestParsePattern_UnknownSelector(t *testing.T) {
	_, err := ParsePattern("bogus:value")
	require.Error(t, err)
}
