package expr

import "math"

// mathFunctions returns the math builtin environment (spec §4.1). Several of
// these (sum, count, avg/mean, min, max, std, var) double as collection
// aggregates: called with a single KindList argument they reduce over the
// list; called with 2+ scalar arguments they reduce over the argument list
// itself.
func mathFunctions() Functions {
	return Functions{
		"abs":   unaryNumFn(math.Abs),
		"round": roundFn,
		"floor": unaryNumFn(math.Floor),
		"ceil":  unaryNumFn(math.Ceil),
		"sqrt":  unaryNumFn(math.Sqrt),
		"pow":   powFn,
		"sin":   unaryNumFn(math.Sin),
		"cos":   unaryNumFn(math.Cos),
		"tan":   unaryNumFn(math.Tan),
		"log":   logFn,
		"exp":   unaryNumFn(math.Exp),
		"min":   minFn,
		"max":   maxFn,
		"sum":   sumFn,
		"count": countFn,
		"avg":   avgFn,
		"mean":  avgFn,
		"clamp": clampFn,
		"map":   mapRangeFn,
		"percent": percentFn,
		"std":   stdFn,
		"var":   varFn,
	}
}

func unaryNumFn(f func(float64) float64) Func {
	return func(args []Value) (Value, error) {
		if len(args) != 1 || args[0].Kind != KindNumber {
			return Value{}, &TypeError{Msg: "expected exactly one numeric argument"}
		}
		return Number(f(args[0].N)), nil
	}
}

func roundFn(args []Value) (Value, error) {
	if len(args) < 1 || args[0].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "round expects a numeric first argument"}
	}
	digits := 0
	if len(args) > 1 {
		if args[1].Kind != KindNumber {
			return Value{}, &TypeError{Msg: "round digits must be numeric"}
		}
		digits = int(args[1].N)
	}
	factor := math.Pow(10, float64(digits))
	return Number(math.Round(args[0].N*factor) / factor), nil
}

func powFn(args []Value) (Value, error) {
	if len(args) != 2 || args[0].Kind != KindNumber || args[1].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "pow expects two numeric arguments"}
	}
	return Number(math.Pow(args[0].N, args[1].N)), nil
}

func logFn(args []Value) (Value, error) {
	if len(args) < 1 || args[0].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "log expects a numeric first argument"}
	}
	if len(args) == 1 {
		return Number(math.Log(args[0].N)), nil
	}
	if args[1].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "log base must be numeric"}
	}
	return Number(math.Log(args[0].N) / math.Log(args[1].N)), nil
}

// numericOperands flattens call arguments into a plain []float64, expanding
// a single KindList argument into its elements (the collection-aggregate
// shape from spec §4.1).
func numericOperands(args []Value) ([]float64, error) {
	if len(args) == 1 && args[0].Kind == KindList {
		out := make([]float64, 0, len(args[0].L))
		for _, v := range args[0].L {
			if v.Kind != KindNumber {
				continue // skip non-numeric entries (e.g. unavailable sentinels)
			}
			out = append(out, v.N)
		}
		return out, nil
	}
	out := make([]float64, len(args))
	for i, v := range args {
		if v.Kind != KindNumber {
			return nil, &TypeError{Msg: "expected numeric arguments"}
		}
		out[i] = v.N
	}
	return out, nil
}

func minFn(args []Value) (Value, error) {
	nums, err := numericOperands(args)
	if err != nil {
		return Value{}, err
	}
	if len(nums) == 0 {
		return Value{}, &TypeError{Msg: "min requires at least one value"}
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n < m {
			m = n
		}
	}
	return Number(m), nil
}

func maxFn(args []Value) (Value, error) {
	nums, err := numericOperands(args)
	if err != nil {
		return Value{}, err
	}
	if len(nums) == 0 {
		return Value{}, &TypeError{Msg: "max requires at least one value"}
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n > m {
			m = n
		}
	}
	return Number(m), nil
}

func sumFn(args []Value) (Value, error) {
	nums, err := numericOperands(args)
	if err != nil {
		return Value{}, err
	}
	var s float64
	for _, n := range nums {
		s += n
	}
	return Number(s), nil
}

func countFn(args []Value) (Value, error) {
	if len(args) == 1 && args[0].Kind == KindList {
		return Number(float64(len(args[0].L))), nil
	}
	return Number(float64(len(args))), nil
}

func avgFn(args []Value) (Value, error) {
	nums, err := numericOperands(args)
	if err != nil {
		return Value{}, err
	}
	if len(nums) == 0 {
		return Value{}, &TypeError{Msg: "avg requires at least one value"}
	}
	var s float64
	for _, n := range nums {
		s += n
	}
	return Number(s / float64(len(nums))), nil
}

func variance(nums []float64) float64 {
	mean := 0.0
	for _, n := range nums {
		mean += n
	}
	mean /= float64(len(nums))
	var sq float64
	for _, n := range nums {
		d := n - mean
		sq += d * d
	}
	return sq / float64(len(nums))
}

func stdFn(args []Value) (Value, error) {
	nums, err := numericOperands(args)
	if err != nil {
		return Value{}, err
	}
	if len(nums) == 0 {
		return Value{}, &TypeError{Msg: "std requires at least one value"}
	}
	return Number(math.Sqrt(variance(nums))), nil
}

func varFn(args []Value) (Value, error) {
	nums, err := numericOperands(args)
	if err != nil {
		return Value{}, err
	}
	if len(nums) == 0 {
		return Value{}, &TypeError{Msg: "var requires at least one value"}
	}
	return Number(variance(nums)), nil
}

func clampFn(args []Value) (Value, error) {
	if len(args) != 3 {
		return Value{}, &TypeError{Msg: "clamp expects (value, min, max)"}
	}
	for _, a := range args {
		if a.Kind != KindNumber {
			return Value{}, &TypeError{Msg: "clamp arguments must be numeric"}
		}
	}
	v, lo, hi := args[0].N, args[1].N, args[2].N
	if v < lo {
		return Number(lo), nil
	}
	if v > hi {
		return Number(hi), nil
	}
	return Number(v), nil
}

// mapRangeFn re-scales value from [inLo,inHi] to [outLo,outHi].
func mapRangeFn(args []Value) (Value, error) {
	if len(args) != 5 {
		return Value{}, &TypeError{Msg: "map expects (value, in_lo, in_hi, out_lo, out_hi)"}
	}
	for _, a := range args {
		if a.Kind != KindNumber {
			return Value{}, &TypeError{Msg: "map arguments must be numeric"}
		}
	}
	v, inLo, inHi, outLo, outHi := args[0].N, args[1].N, args[2].N, args[3].N, args[4].N
	if inHi == inLo {
		return Value{}, &ZeroDivisionError{}
	}
	ratio := (v - inLo) / (inHi - inLo)
	return Number(outLo + ratio*(outHi-outLo)), nil
}

func percentFn(args []Value) (Value, error) {
	if len(args) != 2 || args[0].Kind != KindNumber || args[1].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "percent expects (part, whole)"}
	}
	if args[1].N == 0 {
		return Value{}, &ZeroDivisionError{}
	}
	return Number(args[0].N / args[1].N * 100), nil
}
