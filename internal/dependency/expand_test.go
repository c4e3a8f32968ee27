package dependency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/formula-engine/internal/ports"
)

type testStateProvider struct {
	bySpec map[string][]string
}

func (s *testStateProvider) GetState(context.Context, string) (ports.StateResult, error) {
	return ports.StateResult{}, nil
}
func (s *testStateProvider) GetAttribute(context.Context, string, string) (any, error) {
	return nil, nil
}
func (s *testStateProvider) Enumerate(_ context.Context, spec string) ([]string, error) {
	return s.bySpec[spec], nil
}

func TestExpandCollectionQuery_UnionsAndDedupes(t *testing.T) {
	p, err := ParsePattern("area:kitchen|area:garage")
	require.NoError(t, err)

	state := &testStateProvider{bySpec: map[string][]string{
		"area:kitchen": {"sensor.a", "sensor.b"},
		"area:garage":  {"sensor.b", "sensor.c"},
	}}

	ids, err := ExpandCollectionQuery(context.Background(), state, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor.a", "sensor.b", "sensor.c"}, ids)
}

func TestExpandCollectionQuery_ExclusionIsPostFilter(t *testing.T) {
	p, err := ParsePattern("device_class:power,!label:test")
	require.NoError(t, err)

	state := &testStateProvider{bySpec: map[string][]string{
		"device_class:power": {"sensor.a", "sensor.b", "sensor.c"},
		"label:test":         {"sensor.b"},
	}}

	ids, err := ExpandCollectionQuery(context.Background(), state, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor.a", "sensor.c"}, ids)
}

func TestExpandCollectionQuery_IdempotentAndOrderIndependent(t *testing.T) {
	state := &testStateProvider{bySpec: map[string][]string{
		"area:kitchen": {"sensor.a", "sensor.b"},
		"area:garage":  {"sensor.b", "sensor.c"},
	}}

	p1, err := ParsePattern("area:kitchen|area:garage")
	require.NoError(t, err)
	p2, err := ParsePattern("area:garage|area:kitchen")
	require.NoError(t, err)

	ids1, err := ExpandCollectionQuery(context.Background(), state, p1)
	require.NoError(t, err)
	ids2, err := ExpandCollectionQuery(context.Background(), state, p2)
	require.NoError(t, err)

	// Spec §8 invariant 7: the set of matched entities is the same
	// regardless of alternative ordering, even though list order may differ.
	assert.ElementsMatch(t, ids1, ids2)

	again, err := ExpandCollectionQuery(context.Background(), state, p1)
	require.NoError(t, err)
	assert.Equal(t, ids1, again)
}

func TestExpandCollectionQuery_NilStateProviderErrors(t *testing.T) {
	p, err := ParsePattern("area:kitchen")
	require.NoError(t, err)
	_, err = ExpandCollectionQuery(context.Background(), nil, p)
	assert.Error(t, err)
}
