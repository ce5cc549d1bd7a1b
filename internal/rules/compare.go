package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
)

// apply evaluates operator(actual, expected) with type-aware comparison:
// numeric, date, string and set-membership semantics, range-inclusive
// between.
func apply(op domain.Operator, actual, expected any) (bool, error) {
	switch op {
	case domain.OpEq:
		return valuesEqual(actual, expected), nil

	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		cmp, err := compareOrdered(actual, expected)
		if err != nil {
			return false, err
		}
		switch op {
		case domain.OpGt:
			return cmp > 0, nil
		case domain.OpGte:
			return cmp >= 0, nil
		case domain.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case domain.OpIn, domain.OpNotIn:
		list, ok := toList(expected)
		if !ok {
			return false, fmt.Errorf("operator %s requires a list value", op)
		}
		member := false
		for _, item := range list {
			if valuesEqual(actual, item) {
				member = true
				break
			}
		}
		if op == domain.OpIn {
			return member, nil
		}
		return !member, nil

	case domain.OpBetween:
		pair, ok := toList(expected)
		if !ok || len(pair) != 2 {
			return false, fmt.Errorf("operator between requires a [low, high] pair")
		}
		low, err := compareOrdered(actual, pair[0])
		if err != nil {
			return false, err
		}
		high, err := compareOrdered(actual, pair[1])
		if err != nil {
			return false, err
		}
		// Range-inclusive on both bounds.
		return low >= 0 && high <= 0, nil

	case domain.OpContains:
		if list, ok := toList(actual); ok {
			for _, item := range list {
				if valuesEqual(item, expected) {
					return true, nil
				}
			}
			return false, nil
		}
		if s, ok := actual.(string); ok {
			return strings.Contains(s, formatValue(expected)), nil
		}
		return false, fmt.Errorf("operator contains requires a string or list field")

	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// valuesEqual compares numerically when both sides are numbers, by instant
// when both are dates, and by string form otherwise (covers strings and
// booleans).
func valuesEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	if ta, aok := toTime(a); aok {
		if tb, bok := toTime(b); bok {
			return ta.Equal(tb)
		}
	}
	return formatValue(a) == formatValue(b)
}

// compareOrdered returns -1/0/1 for actual vs expected, accepting numeric
// and date operands.
func compareOrdered(actual, expected any) (int, error) {
	if fa, aok := toFloat(actual); aok {
		fb, bok := toFloat(expected)
		if !bok {
			return 0, fmt.Errorf("cannot compare number with %T", expected)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if ta, aok := toTime(actual); aok {
		tb, bok := toTime(expected)
		if !bok {
			return 0, fmt.Errorf("cannot compare date with %T", expected)
		}
		switch {
		case ta.Before(tb):
			return -1, nil
		case ta.After(tb):
			return 1, nil
		default:
			return 0, nil
		}
	}

	return 0, fmt.Errorf("values of type %T are not ordered", actual)
}

// toFloat coerces the numeric types that survive JSON decoding and the
// common Go integer widths.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Date layouts accepted in snapshot values and rule literals.
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// formatValue renders a value for RuleResult explanations.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}

	if list, ok := toList(v); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}

	return fmt.Sprintf("%v", v)
}
