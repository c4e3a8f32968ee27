package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValue_IsNonePreservesFalsyValues(t *testing.T) {
	// Spec §8 invariant 3: False, 0, 0.0, "" round-trip through an is-None
	// check unchanged — only KindNone reports IsNone.
	cases := []Value{Bool(false), Number(0), Number(0.0), String("")}
	for _, v := range cases {
		assert.False(t, v.IsNone(), "value %+v must not be treated as None", v)
	}
	assert.True(t, None().IsNone())
}

func TestValue_Truthy(t *testing.T) {
	assert.False(t, None().Truthy())
	assert.False(t, Unavailable().Truthy())
	assert.False(t, Unknown().Truthy())
	assert.False(t, Bool(false).Truthy())
	assert.True(t, Bool(true).Truthy())
	assert.False(t, Number(0).Truthy())
	assert.True(t, Number(1).Truthy())
	assert.False(t, String("").Truthy())
	assert.True(t, String("x").Truthy())
	assert.False(t, List(nil).Truthy())
	assert.True(t, List([]Value{Number(1)}).Truthy())
}

func TestValue_IsAlternate(t *testing.T) {
	assert.True(t, Unavailable().IsAlternate())
	assert.True(t, Unknown().IsAlternate())
	assert.True(t, None().IsAlternate())
	assert.False(t, Bool(false).IsAlternate())
	assert.False(t, Number(0).IsAlternate())
}

func TestValue_ToPublishable(t *testing.T) {
	assert.Nil(t, None().ToPublishable())
	assert.Equal(t, "unavailable", Unavailable().ToPublishable())
	assert.Equal(t, "unknown", Unknown().ToPublishable())
	assert.Equal(t, false, Bool(false).ToPublishable())
	assert.Equal(t, 0.0, Number(0).ToPublishable())
	assert.Equal(t, "", String("").ToPublishable())

	d := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-01-01", Date(d).ToPublishable())

	dur := DurationOf(90 * time.Second)
	assert.Equal(t, 90.0, dur.ToPublishable())

	list := List([]Value{Number(1), String("a")})
	assert.Equal(t, []any{1.0, "a"}, list.ToPublishable())
}

func TestValue_FromInterface(t *testing.T) {
	assert.True(t, FromInterface(nil).IsNone())
	assert.Equal(t, KindUnavailable, FromInterface("unavailable").Kind)
	assert.Equal(t, KindUnknown, FromInterface("unknown").Kind)
	assert.Equal(t, "hello", FromInterface("hello").S)
	assert.Equal(t, 3.0, FromInterface(3).N)
	assert.Equal(t, 3.0, FromInterface(int64(3)).N)
	assert.Equal(t, false, FromInterface(false).B)
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Equal(Number(1), Number(1)))
	assert.False(t, Equal(Number(1), Number(2)))
	assert.True(t, Equal(None(), None()))
	assert.True(t, Equal(Unavailable(), Unavailable()))
	assert.False(t, Equal(Number(0), Bool(false)))
	assert.True(t, Equal(String("a"), String("a")))
}
