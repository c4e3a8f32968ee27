package expr

import (
	"strings"
	"time"
)

// datetimeFunctions returns the datetime/duration builtin environment
// (spec §4.1): current-time accessors, explicit constructors, duration unit
// constructors, and the between/business-day helpers.
func datetimeFunctions(now func() time.Time) Functions {
	return Functions{
		"now":            func(args []Value) (Value, error) { return DateTime(now()), nil },
		"local_now":      func(args []Value) (Value, error) { return DateTime(now().Local()), nil },
		"utc_now":        func(args []Value) (Value, error) { return DateTime(now().UTC()), nil },
		"today":          func(args []Value) (Value, error) { return Date(startOfDay(now())), nil },
		"utc_today":      func(args []Value) (Value, error) { return Date(startOfDay(now().UTC())), nil },
		"yesterday":      func(args []Value) (Value, error) { return Date(startOfDay(now().AddDate(0, 0, -1))), nil },
		"utc_yesterday":  func(args []Value) (Value, error) { return Date(startOfDay(now().UTC().AddDate(0, 0, -1))), nil },
		"tomorrow":       func(args []Value) (Value, error) { return Date(startOfDay(now().AddDate(0, 0, 1))), nil },
		"date":           dateFn,
		"datetime":       datetimeCtorFn,
		"timedelta":      timedeltaFn,
		"seconds":        durationUnitFn(time.Second),
		"minutes":        durationUnitFn(time.Minute),
		"hours":          durationUnitFn(time.Hour),
		"days":           durationUnitFn(24 * time.Hour),
		"weeks":          durationUnitFn(7 * 24 * time.Hour),
		"months":         monthsFn,
		"seconds_between": betweenFn(time.Second),
		"minutes_between": betweenFn(time.Minute),
		"hours_between":   betweenFn(time.Hour),
		"days_between":    betweenFn(24 * time.Hour),
		"format_friendly": formatFriendlyFn,
		"format_date":     formatDateFn,
		"is_business_day": isBusinessDayFn,
		"next_business_day":     nextBusinessDayFn,
		"previous_business_day": previousBusinessDayFn,
		"add_business_days":     addBusinessDaysFn,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dateFn(args []Value) (Value, error) {
	if len(args) == 1 && args[0].Kind == KindString {
		t, err := time.Parse("2006-01-02", args[0].S)
		if err != nil {
			return Value{}, &TypeError{Msg: "date expects an ISO date string (YYYY-MM-DD)"}
		}
		return Date(t), nil
	}
	y, m, d, err := ymd(args)
	if err != nil {
		return Value{}, err
	}
	return Date(time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)), nil
}

func datetimeCtorFn(args []Value) (Value, error) {
	if len(args) < 3 {
		return Value{}, &TypeError{Msg: "datetime expects at least (year, month, day)"}
	}
	y, m, d, err := ymd(args[:3])
	if err != nil {
		return Value{}, err
	}
	hh, mm, ss := 0, 0, 0
	rest := []int{}
	for _, a := range args[3:] {
		if a.Kind != KindNumber {
			return Value{}, &TypeError{Msg: "datetime time components must be numeric"}
		}
		rest = append(rest, int(a.N))
	}
	if len(rest) > 0 {
		hh = rest[0]
	}
	if len(rest) > 1 {
		mm = rest[1]
	}
	if len(rest) > 2 {
		ss = rest[2]
	}
	return DateTime(time.Date(y, time.Month(m), d, hh, mm, ss, 0, time.UTC)), nil
}

func ymd(args []Value) (int, int, int, error) {
	if len(args) != 3 {
		return 0, 0, 0, &TypeError{Msg: "expected (year, month, day)"}
	}
	for _, a := range args {
		if a.Kind != KindNumber {
			return 0, 0, 0, &TypeError{Msg: "year/month/day must be numeric"}
		}
	}
	return int(args[0].N), int(args[1].N), int(args[2].N), nil
}

// timedeltaFn builds a duration from keyword-style positional args in the
// fixed order (days, hours, minutes, seconds) — whichever trailing ones are
// supplied.
func timedeltaFn(args []Value) (Value, error) {
	if len(args) == 0 || len(args) > 4 {
		return Value{}, &TypeError{Msg: "timedelta expects up to (days, hours, minutes, seconds)"}
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, a := range args {
		if a.Kind != KindNumber {
			return Value{}, &TypeError{Msg: "timedelta arguments must be numeric"}
		}
		total += time.Duration(a.N * float64(units[i]))
	}
	return DurationOf(total), nil
}

func durationUnitFn(unit time.Duration) Func {
	return func(args []Value) (Value, error) {
		if len(args) != 1 || args[0].Kind != KindNumber {
			return Value{}, &TypeError{Msg: "expected exactly one numeric argument"}
		}
		return DurationOf(time.Duration(args[0].N * float64(unit))), nil
	}
}

// monthsFn approximates a month as 30.44 days, deliberately left unrounded
// (spec §4.1 resolves the Open Question this way: no day-of-month snapping).
func monthsFn(args []Value) (Value, error) {
	if len(args) != 1 || args[0].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "months expects one numeric argument"}
	}
	const avgMonthDays = 30.44
	return DurationOf(time.Duration(args[0].N * avgMonthDays * float64(24*time.Hour))), nil
}

func betweenFn(unit time.Duration) Func {
	return func(args []Value) (Value, error) {
		if len(args) != 2 {
			return Value{}, &TypeError{Msg: "expected two date/datetime arguments"}
		}
		a, b := args[0], args[1]
		if (a.Kind != KindDate && a.Kind != KindDateTime) || (b.Kind != KindDate && b.Kind != KindDateTime) {
			return Value{}, &TypeError{Msg: "expected date or datetime arguments"}
		}
		diff := b.T.Sub(a.T)
		return Number(float64(diff) / float64(unit)), nil
	}
}

func formatFriendlyFn(args []Value) (Value, error) {
	if len(args) != 1 || (args[0].Kind != KindDate && args[0].Kind != KindDateTime) {
		return Value{}, &TypeError{Msg: "format_friendly expects a date or datetime"}
	}
	return String(args[0].T.Format("Jan 2, 2006 3:04 PM")), nil
}

func formatDateFn(args []Value) (Value, error) {
	if len(args) != 2 || (args[0].Kind != KindDate && args[0].Kind != KindDateTime) || args[1].Kind != KindString {
		return Value{}, &TypeError{Msg: "format_date expects (date, layout)"}
	}
	return String(args[0].T.Format(pythonToGoLayout(args[1].S))), nil
}

// pythonToGoLayout translates the small subset of strftime-style directives
// the spec's formula authors are expected to write into Go's reference
// layout. Unrecognized directives pass through unchanged.
func pythonToGoLayout(layout string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006", "%m", "01", "%d", "02",
		"%H", "15", "%M", "04", "%S", "05",
		"%B", "January", "%b", "Jan", "%A", "Monday", "%a", "Mon",
	)
	return replacer.Replace(layout)
}

func isBusinessDayFn(args []Value) (Value, error) {
	if len(args) != 1 || (args[0].Kind != KindDate && args[0].Kind != KindDateTime) {
		return Value{}, &TypeError{Msg: "is_business_day expects a date or datetime"}
	}
	return Bool(isWeekday(args[0].T)), nil
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func nextBusinessDayFn(args []Value) (Value, error) {
	if len(args) != 1 || (args[0].Kind != KindDate && args[0].Kind != KindDateTime) {
		return Value{}, &TypeError{Msg: "next_business_day expects a date or datetime"}
	}
	t := args[0].T.AddDate(0, 0, 1)
	for !isWeekday(t) {
		t = t.AddDate(0, 0, 1)
	}
	return Value{Kind: args[0].Kind, T: t}, nil
}

func previousBusinessDayFn(args []Value) (Value, error) {
	if len(args) != 1 || (args[0].Kind != KindDate && args[0].Kind != KindDateTime) {
		return Value{}, &TypeError{Msg: "previous_business_day expects a date or datetime"}
	}
	t := args[0].T.AddDate(0, 0, -1)
	for !isWeekday(t) {
		t = t.AddDate(0, 0, -1)
	}
	return Value{Kind: args[0].Kind, T: t}, nil
}

func addBusinessDaysFn(args []Value) (Value, error) {
	if len(args) != 2 || (args[0].Kind != KindDate && args[0].Kind != KindDateTime) || args[1].Kind != KindNumber {
		return Value{}, &TypeError{Msg: "add_business_days expects (date, count)"}
	}
	n := int(args[1].N)
	t := args[0].T
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for i := 0; i < n; i++ {
		t = t.AddDate(0, 0, step)
		for !isWeekday(t) {
			t = t.AddDate(0, 0, step)
		}
	}
	return Value{Kind: args[0].Kind, T: t}, nil
}
