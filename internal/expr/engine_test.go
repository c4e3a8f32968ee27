package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_CompileCachesByText(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Compile("1 + 2")
	require.NoError(t, err)
	require.Equal(t, 1, e.CacheSize())

	// Same text again must not grow the cache (spec §5: additive cache
	// keyed by formula text).
	_, err = e.Compile("1 + 2")
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	_, err = e.Compile("3 * 4")
	require.NoError(t, err)
	assert.Equal(t, 2, e.CacheSize())
}

func TestEngine_CompileDoesNotCacheSyntaxErrors(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Compile("1 +")
	require.Error(t, err)
	var syn *SyntaxError
	assert.ErrorAs(t, err, &syn)
	assert.Equal(t, 0, e.CacheSize())
}

func TestEngine_EvaluateDeterministic(t *testing.T) {
	e := NewEngine(nil)
	vars := MapEnvironment{"p": Number(1500), "r": Number(0.12)}
	v1, err := e.Evaluate("p * r / 1000", vars, nil)
	require.NoError(t, err)
	v2, err := e.Evaluate("p * r / 1000", vars, nil)
	require.NoError(t, err)

	// Spec §8 invariant 5: evaluate(f, E1) == evaluate(f, E2) for E1 == E2.
	assert.True(t, Equal(v1, v2))
	assert.Equal(t, 0.18, v1.N)
}

func TestEngine_EvaluateMergesExtraFunctions(t *testing.T) {
	e := NewEngine(nil)
	extra := Functions{
		"double": func(args []Value) (Value, error) { return Number(args[0].N * 2), nil },
	}
	v, err := e.Evaluate("double(21)", MapEnvironment{}, extra)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v.N)
}

func TestEngine_NowIsOverridable(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(func() time.Time { return fixed })
	v, err := e.Evaluate("today()", MapEnvironment{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindDate, v.Kind)
	assert.True(t, fixed.Equal(v.T))
}

func TestASTCache_GetPutSize(t *testing.T) {
	c := newASTCache()
	assert.Equal(t, 0, c.size())
	_, ok := c.get("missing")
	assert.False(t, ok)

	node, err := Parse("1 + 1")
	require.NoError(t, err)
	c.put("1 + 1", node)
	assert.Equal(t, 1, c.size())
	got, ok := c.get("1 + 1")
	assert.True(t, ok)
	assert.Same(t, node, got)
}
