// Package expr implements the restricted expression sub-language used by
// sensor formulas: arithmetic, boolean and string operators, membership and
// identity tests, a bounded ternary, date/datetime/duration arithmetic, and a
// fixed builtin function environment. It deliberately stops short of a
// general-purpose scripting language — there is no assignment, no lambda, no
// import, no arbitrary code execution surface.
package expr

import (
	"fmt"
	"time"
)

// Kind tags the dynamic type carried by a Value. The evaluator is dynamically
// typed at runtime, but every value is one of a fixed, closed set of kinds —
// a sum type rather than an interface{} grab-bag.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindNumber
	KindString
	KindDate
	KindDateTime
	KindDuration
	KindUnavailable
	KindUnknown
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindDateTime:
		return "datetime"
	case KindDuration:
		return "duration"
	case KindUnavailable:
		return "unavailable"
	case KindUnknown:
		return "unknown"
	case KindList:
		return "list"
	default:
		return "unknown-kind"
	}
}

// Value is the tagged-variant result of evaluating an expression or
// resolving a name. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	B    bool
	N    float64
	S    string
	T    time.Time
	D    time.Duration
	L    []Value
}

func None() Value                 { return Value{Kind: KindNone} }
func Unavailable() Value          { return Value{Kind: KindUnavailable} }
func Unknown() Value              { return Value{Kind: KindUnknown} }
func Bool(b bool) Value           { return Value{Kind: KindBool, B: b} }
func Number(n float64) Value      { return Value{Kind: KindNumber, N: n} }
func String(s string) Value       { return Value{Kind: KindString, S: s} }
func Date(t time.Time) Value      { return Value{Kind: KindDate, T: t} }
func DateTime(t time.Time) Value  { return Value{Kind: KindDateTime, T: t} }
func DurationOf(d time.Duration) Value { return Value{Kind: KindDuration, D: d} }
func List(vs []Value) Value       { return Value{Kind: KindList, L: vs} }

// IsNone reports the "is None" check the spec mandates instead of truthiness
// for round-tripping False/0/"" values through Phase 4 unchanged.
func (v Value) IsNone() bool { return v.Kind == KindNone }

// IsAlternate reports whether v is one of the alternate-state sentinels
// (unavailable/unknown/none) that §4.8 routes through the alternate-state
// chain.
func (v Value) IsAlternate() bool {
	return v.Kind == KindUnavailable || v.Kind == KindUnknown || v.Kind == KindNone
}

// Truthy implements Python-style truthiness, used only where the grammar
// explicitly calls for it (boolean operators, ternary condition, `not`) —
// never for the None-check invariant in Phase 4.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNone, KindUnavailable, KindUnknown:
		return false
	case KindBool:
		return v.B
	case KindNumber:
		return v.N != 0
	case KindString:
		return v.S != ""
	case KindList:
		return len(v.L) > 0
	default:
		return true
	}
}

// ToPublishable converts v into the representation the host publication
// contract expects: durations as total_seconds(), dates/datetimes as ISO
// strings, everything else passed through as a scalar (§4.6 Phase 4).
func (v Value) ToPublishable() any {
	switch v.Kind {
	case KindNone:
		return nil
	case KindUnavailable:
		return "unavailable"
	case KindUnknown:
		return "unknown"
	case KindBool:
		return v.B
	case KindNumber:
		return v.N
	case KindString:
		return v.S
	case KindDate:
		return v.T.Format("2006-01-02")
	case KindDateTime:
		return v.T.Format(time.RFC3339)
	case KindDuration:
		return v.D.Seconds()
	case KindList:
		out := make([]any, len(v.L))
		for i, e := range v.L {
			out[i] = e.ToPublishable()
		}
		return out
	default:
		return nil
	}
}

// FromInterface wraps a raw Go value (as produced by a state provider, data
// provider, or YAML literal) into a Value.
func FromInterface(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return None()
	case bool:
		return Bool(x)
	case string:
		switch x {
		case "unavailable":
			return Unavailable()
		case "unknown":
			return Unknown()
		default:
			return String(x)
		}
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case time.Time:
		return DateTime(x)
	case time.Duration:
		return DurationOf(x)
	case []Value:
		return List(x)
	case Value:
		return x
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNone:
		return "None"
	case KindUnavailable:
		return "unavailable"
	case KindUnknown:
		return "unknown"
	case KindBool:
		if v.B {
			return "True"
		}
		return "False"
	case KindNumber:
		return trimFloat(v.N)
	case KindString:
		return v.S
	case KindDate:
		return v.T.Format("2006-01-02")
	case KindDateTime:
		return v.T.Format(time.RFC3339)
	case KindDuration:
		return fmt.Sprintf("%gs", v.D.Seconds())
	case KindList:
		return fmt.Sprintf("%v", v.L)
	default:
		return ""
	}
}

// Equal reports whether a and b carry the same kind and payload. Used by
// the hierarchical context to detect a conflicting global redefinition
// (spec §4.3 invariant 4) and by the evaluator's own equality operator.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		if a.Kind == KindNumber && b.Kind == KindNumber {
			return a.N == b.N
		}
		return false
	}
	switch a.Kind {
	case KindNone, KindUnavailable, KindUnknown:
		return true
	case KindBool:
		return a.B == b.B
	case KindNumber:
		return a.N == b.N
	case KindString:
		return a.S == b.S
	case KindDate, KindDateTime:
		return a.T.Equal(b.T)
	case KindDuration:
		return a.D == b.D
	default:
		return false
	}
}

func trimFloat(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}
