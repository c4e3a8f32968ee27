package expr

import (
	"math"
	"time"

	"github.com/r3e-network/formula-engine/internal/expr/ast"
)

// evalBinary implements + - * / // % ** with the promotion rules from
// spec §4.1's duration-arithmetic table:
//
//	date/datetime ± duration -> date/datetime
//	date/datetime - date/datetime -> duration
//	duration / duration -> dimensionless number
//	duration / number -> duration
//	duration * number, number * duration -> duration
func evalBinary(n *ast.BinaryOp, vars Environment, fns Functions) (Value, error) {
	l, err := Eval(n.L, vars, fns)
	if err != nil {
		return Value{}, err
	}
	r, err := Eval(n.R, vars, fns)
	if err != nil {
		return Value{}, err
	}
	return applyBinary(n.Op, l, r)
}

func applyBinary(op string, l, r Value) (Value, error) {
	isTemporal := l.Kind == KindDate || l.Kind == KindDateTime
	isTemporalR := r.Kind == KindDate || r.Kind == KindDateTime

	switch {
	case op == "+" && isTemporal && r.Kind == KindDuration:
		return Value{Kind: l.Kind, T: l.T.Add(r.D)}, nil
	case op == "+" && l.Kind == KindDuration && isTemporalR:
		return Value{Kind: r.Kind, T: r.T.Add(l.D)}, nil
	case op == "-" && isTemporal && r.Kind == KindDuration:
		return Value{Kind: l.Kind, T: l.T.Add(-r.D)}, nil
	case op == "-" && isTemporal && isTemporalR:
		return DurationOf(l.T.Sub(r.T)), nil
	case op == "+" && l.Kind == KindDuration && r.Kind == KindDuration:
		return DurationOf(l.D + r.D), nil
	case op == "-" && l.Kind == KindDuration && r.Kind == KindDuration:
		return DurationOf(l.D - r.D), nil
	case op == "/" && l.Kind == KindDuration && r.Kind == KindDuration:
		if r.D == 0 {
			return Value{}, &ZeroDivisionError{}
		}
		return Number(l.D.Seconds() / r.D.Seconds()), nil
	case op == "/" && l.Kind == KindDuration && r.Kind == KindNumber:
		if r.N == 0 {
			return Value{}, &ZeroDivisionError{}
		}
		return DurationOf(time.Duration(float64(l.D) / r.N)), nil
	case op == "*" && l.Kind == KindDuration && r.Kind == KindNumber:
		return DurationOf(time.Duration(float64(l.D) * r.N)), nil
	case op == "*" && l.Kind == KindNumber && r.Kind == KindDuration:
		return DurationOf(time.Duration(l.N * float64(r.D))), nil
	case op == "+" && l.Kind == KindString && r.Kind == KindString:
		return String(l.S + r.S), nil
	case l.Kind == KindNumber && r.Kind == KindNumber:
		return applyNumeric(op, l.N, r.N)
	default:
		return Value{}, &TypeError{Msg: "unsupported operand types for '" + op + "': " + l.Kind.String() + ", " + r.Kind.String()}
	}
}

func applyNumeric(op string, a, b float64) (Value, error) {
	switch op {
	case "+":
		return Number(a + b), nil
	case "-":
		return Number(a - b), nil
	case "*":
		return Number(a * b), nil
	case "/":
		if b == 0 {
			return Value{}, &ZeroDivisionError{}
		}
		return Number(a / b), nil
	case "//":
		if b == 0 {
			return Value{}, &ZeroDivisionError{}
		}
		return Number(math.Floor(a / b)), nil
	case "%":
		if b == 0 {
			return Value{}, &ZeroDivisionError{}
		}
		return Number(math.Mod(a, b)), nil
	case "**":
		return Number(math.Pow(a, b)), nil
	default:
		return Value{}, &TypeError{Msg: "unknown binary operator " + op}
	}
}
