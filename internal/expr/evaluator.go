package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/formula-engine/internal/expr/ast"
)

// Environment resolves identifiers to values during evaluation. NameError is
// the caller's signal (via the ok return) that a name is missing — the phase
// orchestrator classifies this as a missing dependency, never a fatal error.
type Environment interface {
	Lookup(name string) (Value, bool)
}

// MapEnvironment is the simplest Environment implementation, used directly
// by tests and by callers that already hold a flat name->Value map.
type MapEnvironment map[string]Value

func (m MapEnvironment) Lookup(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// Func is a builtin or caller-supplied callable.
type Func func(args []Value) (Value, error)

// Functions is a name->Func environment merged at evaluation time from the
// engine's builtins and any per-call additions (e.g. C7's metadata_result).
type Functions map[string]Func

// Eval walks node against vars/fns and produces a Value. It never panics on
// malformed input that the parser itself could not have produced; runtime
// errors are returned as NameError/TypeError/ZeroDivisionError/
// UnknownFunctionError so the phase orchestrator can classify them (§4.1).
func Eval(node ast.Node, vars Environment, fns Functions) (Value, error) {
	switch n := node.(type) {
	case *ast.NumberLit:
		return Number(n.Value), nil
	case *ast.StringLit:
		return String(n.Value), nil
	case *ast.BoolLit:
		return Bool(n.Value), nil
	case *ast.NoneLit:
		return None(), nil
	case *ast.FStringLit:
		return evalFString(n, vars, fns)
	case *ast.Identifier:
		v, ok := vars.Lookup(n.Name)
		if !ok {
			return Value{}, &NameError{Name: n.Name}
		}
		return v, nil
	case *ast.UnaryOp:
		return evalUnary(n, vars, fns)
	case *ast.BinaryOp:
		return evalBinary(n, vars, fns)
	case *ast.BoolOp:
		return evalBoolOp(n, vars, fns)
	case *ast.CompareOp:
		return evalCompare(n, vars, fns)
	case *ast.Ternary:
		cond, err := Eval(n.Cond, vars, fns)
		if err != nil {
			return Value{}, err
		}
		if cond.Truthy() {
			return Eval(n.Then, vars, fns)
		}
		return Eval(n.Else, vars, fns)
	case *ast.Call:
		return evalCall(n, vars, fns)
	case *ast.Index:
		return evalIndex(n, vars, fns)
	default:
		return Value{}, &TypeError{Msg: fmt.Sprintf("unhandled node type %T", node)}
	}
}

func evalFString(n *ast.FStringLit, vars Environment, fns Functions) (Value, error) {
	var sb strings.Builder
	for _, part := range n.Parts {
		if part.Expr == nil {
			sb.WriteString(part.Text)
			continue
		}
		v, err := Eval(part.Expr, vars, fns)
		if err != nil {
			return Value{}, err
		}
		sb.WriteString(v.String())
	}
	return String(sb.String()), nil
}

func evalUnary(n *ast.UnaryOp, vars Environment, fns Functions) (Value, error) {
	x, err := Eval(n.X, vars, fns)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "not":
		return Bool(!x.Truthy()), nil
	case "-":
		if x.Kind != KindNumber {
			return Value{}, &TypeError{Msg: "unary '-' requires a number"}
		}
		return Number(-x.N), nil
	case "+":
		if x.Kind != KindNumber {
			return Value{}, &TypeError{Msg: "unary '+' requires a number"}
		}
		return x, nil
	default:
		return Value{}, &TypeError{Msg: "unknown unary operator " + n.Op}
	}
}

func evalBoolOp(n *ast.BoolOp, vars Environment, fns Functions) (Value, error) {
	left, err := Eval(n.L, vars, fns)
	if err != nil {
		return Value{}, err
	}
	if n.Op == "or" {
		if left.Truthy() {
			return left, nil
		}
		return Eval(n.R, vars, fns)
	}
	// "and"
	if !left.Truthy() {
		return left, nil
	}
	return Eval(n.R, vars, fns)
}

func evalCompare(n *ast.CompareOp, vars Environment, fns Functions) (Value, error) {
	left, err := Eval(n.L, vars, fns)
	if err != nil {
		return Value{}, err
	}
	right, err := Eval(n.R, vars, fns)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case "is":
		return Bool(left.Kind == KindNone && right.Kind == KindNone), nil
	case "is not":
		return Bool(!(left.Kind == KindNone && right.Kind == KindNone)), nil
	case "in", "not in":
		found, err := membership(left, right)
		if err != nil {
			return Value{}, err
		}
		if n.Op == "not in" {
			found = !found
		}
		return Bool(found), nil
	default:
		return compareOrdered(n.Op, left, right)
	}
}

func membership(needle, haystack Value) (bool, error) {
	switch haystack.Kind {
	case KindString:
		if needle.Kind != KindString {
			return false, &TypeError{Msg: "'in' on a string requires a string operand"}
		}
		return strings.Contains(haystack.S, needle.S), nil
	case KindList:
		for _, v := range haystack.L {
			if valuesEqual(needle, v) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &TypeError{Msg: "'in' requires a string or list right-hand side"}
	}
}

func valuesEqual(a, b Value) bool { return Equal(a, b) }

func compareOrdered(op string, l, r Value) (Value, error) {
	if op == "==" || op == "!=" {
		eq := valuesEqual(l, r)
		if op == "!=" {
			eq = !eq
		}
		return Bool(eq), nil
	}
	switch {
	case l.Kind == KindNumber && r.Kind == KindNumber:
		return Bool(orderFloat(op, l.N, r.N)), nil
	case l.Kind == KindString && r.Kind == KindString:
		return Bool(orderString(op, l.S, r.S)), nil
	case (l.Kind == KindDate || l.Kind == KindDateTime) && (r.Kind == KindDate || r.Kind == KindDateTime):
		return Bool(orderTime(op, l.T, r.T)), nil
	case l.Kind == KindDuration && r.Kind == KindDuration:
		return Bool(orderFloat(op, float64(l.D), float64(r.D))), nil
	default:
		return Value{}, &TypeError{Msg: fmt.Sprintf("cannot compare %s and %s", l.Kind, r.Kind)}
	}
}

func orderFloat(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func orderString(op, a, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func orderTime(op string, a, b time.Time) bool {
	switch op {
	case "<":
		return a.Before(b)
	case "<=":
		return a.Before(b) || a.Equal(b)
	case ">":
		return a.After(b)
	case ">=":
		return a.After(b) || a.Equal(b)
	}
	return false
}

func evalCall(n *ast.Call, vars Environment, fns Functions) (Value, error) {
	args := make([]Value, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, vars, fns)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	fn, ok := fns[n.Func]
	if !ok {
		return Value{}, &UnknownFunctionError{Name: n.Func}
	}
	return fn(args)
}

func evalIndex(n *ast.Index, vars Environment, fns Functions) (Value, error) {
	x, err := Eval(n.X, vars, fns)
	if err != nil {
		return Value{}, err
	}
	if x.Kind != KindString {
		return Value{}, &TypeError{Msg: "indexing/slicing is only supported on strings"}
	}
	runes := []rune(x.S)
	length := len(runes)
	if !n.IsSlice {
		idx, err := evalIntArg(n.Start, vars, fns, 0)
		if err != nil {
			return Value{}, err
		}
		if idx < 0 {
			idx += length
		}
		if idx < 0 || idx >= length {
			return Value{}, &TypeError{Msg: "string index out of range"}
		}
		return String(string(runes[idx])), nil
	}
	start, err := evalIntArg(n.Start, vars, fns, 0)
	if err != nil {
		return Value{}, err
	}
	stop, err := evalIntArg(n.Stop, vars, fns, length)
	if err != nil {
		return Value{}, err
	}
	start = clampIndex(start, length)
	stop = clampIndex(stop, length)
	if stop < start {
		stop = start
	}
	return String(string(runes[start:stop])), nil
}

func clampIndex(i, length int) int {
	if i < 0 {
		i += length
	}
	if i < 0 {
		return 0
	}
	if i > length {
		return length
	}
	return i
}

func evalIntArg(n ast.Node, vars Environment, fns Functions, def int) (int, error) {
	if n == nil {
		return def, nil
	}
	v, err := Eval(n, vars, fns)
	if err != nil {
		return 0, err
	}
	if v.Kind != KindNumber {
		return 0, &TypeError{Msg: "index must be a number"}
	}
	return int(v.N), nil
}
