package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldRange bounds a single cron field.
type fieldRange struct {
	min, max int
}

var hubCronFieldRanges = [5]fieldRange{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

// HubCronField is one parsed field of a classical 5-field cron expression:
// a set of allowed values within the field's range.
type HubCronField struct {
	allowed map[int]bool
}

func (f HubCronField) matches(v int) bool {
	return f.allowed[v]
}

// HubSchedule is a parsed classical 5-field cron expression
// (min hour dom month dow), matched against the calendar rather than a
// wall-clock offset from "now".
type HubSchedule struct {
	raw    string
	fields [5]HubCronField
}

// ParseHubCron parses a 5-field cron expression, rejecting step-zero
// (`*/0`), inverted ranges (`5-2`), and out-of-bounds values.
func ParseHubCron(expr string) (HubSchedule, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return HubSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}
	var sched HubSchedule
	sched.raw = expr
	for i, part := range parts {
		field, err := parseHubCronField(part, hubCronFieldRanges[i])
		if err != nil {
			return HubSchedule{}, fmt.Errorf("field %d (%q): %w", i, part, err)
		}
		sched.fields[i] = field
	}
	return sched, nil
}

func parseHubCronField(part string, r fieldRange) (HubCronField, error) {
	field := HubCronField{allowed: make(map[int]bool)}
	for _, segment := range strings.Split(part, ",") {
		if err := applyHubCronSegment(&field, segment, r); err != nil {
			return HubCronField{}, err
		}
	}
	return field, nil
}

func applyHubCronSegment(field *HubCronField, segment string, r fieldRange) error {
	step := 1
	base := segment
	if idx := strings.IndexByte(segment, '/'); idx >= 0 {
		base = segment[:idx]
		stepStr := segment[idx+1:]
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid step %q", stepStr)
		}
		step = s
	}

	var lo, hi int
	switch {
	case base == "*":
		lo, hi = r.min, r.max
	case strings.Contains(base, "-"):
		bounds := strings.SplitN(base, "-", 2)
		if len(bounds) != 2 {
			return fmt.Errorf("invalid range %q", base)
		}
		var err error
		lo, err = strconv.Atoi(bounds[0])
		if err != nil {
			return fmt.Errorf("invalid range start %q", bounds[0])
		}
		hi, err = strconv.Atoi(bounds[1])
		if err != nil {
			return fmt.Errorf("invalid range end %q", bounds[1])
		}
		if lo > hi {
			return fmt.Errorf("inverted range %q", base)
		}
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("invalid value %q", base)
		}
		lo, hi = v, v
	}

	if lo < r.min || hi > r.max {
		return fmt.Errorf("value out of bounds [%d,%d]", r.min, r.max)
	}

	for v := lo; v <= hi; v += step {
		field.allowed[v] = true
	}
	return nil
}

// Matches reports whether t falls on a calendar instant selected by the
// schedule, matched at minute granularity.
func (s HubSchedule) Matches(t time.Time) bool {
	return s.fields[0].matches(t.Minute()) &&
		s.fields[1].matches(t.Hour()) &&
		s.fields[2].matches(t.Day()) &&
		s.fields[3].matches(int(t.Month())) &&
		s.fields[4].matches(int(t.Weekday()))
}

// String returns the original expression.
func (s HubSchedule) String() string { return s.raw }

// EvalEventCondition evaluates the restricted grammar allowed for a
// scheduled entry's eventCondition: "always", "changed", or one of
// >,<,>=,<=,==,!= against a single literal. Anything else (arbitrary
// expressions) is refused and evaluates to false.
func EvalEventCondition(condition string, value, previous any) bool {
	condition = strings.TrimSpace(condition)
	switch condition {
	case "", "always":
		return true
	case "changed":
		return !valuesEqual(value, previous)
	}

	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if idx := strings.Index(condition, op); idx >= 0 {
			literal := strings.TrimSpace(condition[idx+len(op):])
			return evalComparison(value, op, literal)
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func evalComparison(value any, op, literal string) bool {
	lf, lok := toFloat(literal)
	vf, vok := toFloat(value)
	if lok && vok {
		switch op {
		case ">":
			return vf > lf
		case "<":
			return vf < lf
		case ">=":
			return vf >= lf
		case "<=":
			return vf <= lf
		case "==":
			return vf == lf
		case "!=":
			return vf != lf
		}
		return false
	}
	vs := fmt.Sprint(value)
	switch op {
	case "==":
		return vs == literal
	case "!=":
		return vs != literal
	default:
		// ordering comparisons are only defined for numeric values
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
