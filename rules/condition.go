package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// EvaluateCondition reports whether record (with optional enrichment) satisfies cond.
// It never fails: a missing attribute, a value that cannot be coerced or an
// invalid pattern all evaluate to false.
func EvaluateCondition(cond Condition, record, enrichment Record) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()

	actual, ok := Lookup(cond.Attribute, record, enrichment)
	if !ok {
		return false
	}

	switch cond.Operator {
	case OperatorEquals:
		return valuesEqual(actual, cond.Value)
	case OperatorNotEquals:
		return !valuesEqual(actual, cond.Value)
	case OperatorGreaterThan:
		a, b, ok := numericPair(actual, cond.Value)
		return ok && a > b
	case OperatorLessThan:
		a, b, ok := numericPair(actual, cond.Value)
		return ok && a < b
	case OperatorBetween:
		x, ok := toFloat(actual)
		if !ok {
			return false
		}
		lo, hi, ok := bounds(cond.Value)
		return ok && x >= lo && x <= hi
	case OperatorContains:
		return contains(actual, cond.Value)
	case OperatorNotContains:
		if _, isList := toSlice(actual); !isList && !isScalar(actual) {
			return false
		}
		return !contains(actual, cond.Value)
	case OperatorInList:
		return inList(actual, cond.Value)
	case OperatorMatchesPattern:
		return matchesPattern(actual, cond.Value)
	default:
		return false
	}
}

// Lookup resolves a dotted attribute path. Paths starting with the
// enrichment namespace are resolved against enrichment, everything else
// against record. A nil value counts as missing.
func Lookup(path string, record, enrichment Record) (any, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")

	var root any = map[string]any(record)
	if segments[0] == EnrichmentNamespace {
		if enrichment == nil {
			return nil, false
		}
		root = map[string]any(enrichment)
		segments = segments[1:]
	}

	cur := root
	for _, seg := range segments {
		next, ok := child(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// child returns the named member of a map, or the indexed element of a slice.
func child(parent any, seg string) (any, bool) {
	switch m := parent.(type) {
	case map[string]any:
		v, ok := m[seg]
		return v, ok
	case Record:
		v, ok := m[seg]
		return v, ok
	case map[string]string:
		v, ok := m[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(m) {
			return nil, false
		}
		return m[idx], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(parent)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

// toFloat coerces numbers, numeric strings and json.Number to float64.
func toFloat(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int8:
		f = float64(val)
	case int16:
		f = float64(val)
	case int32:
		f = float64(val)
	case int64:
		f = float64(val)
	case uint:
		f = float64(val)
	case uint8:
		f = float64(val)
	case uint16:
		f = float64(val)
	case uint32:
		f = float64(val)
	case uint64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func numericPair(a, b any) (float64, float64, bool) {
	x, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	y, ok := toFloat(b)
	if !ok {
		return 0, 0, false
	}
	return x, y, true
}

// bounds extracts an inclusive [lo, hi] pair from a two element array.
func bounds(v any) (float64, float64, bool) {
	list, ok := toSlice(v)
	if !ok || len(list) != 2 {
		return 0, 0, false
	}
	return numericPair(list[0], list[1])
}

func toSlice(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// valuesEqual compares numerically when both sides coerce to numbers and by
// string form for other scalars.
func valuesEqual(a, b any) bool {
	if x, y, ok := numericPair(a, b); ok {
		return x == y
	}
	if isScalar(a) && isScalar(b) {
		return stringify(a) == stringify(b)
	}
	return reflect.DeepEqual(a, b)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(v)
	}
}

// contains is substring containment for scalars and element membership for arrays.
func contains(actual, needle any) bool {
	if list, ok := toSlice(actual); ok {
		for _, elem := range list {
			if valuesEqual(elem, needle) {
				return true
			}
		}
		return false
	}
	if !isScalar(actual) || !isScalar(needle) {
		return false
	}
	return strings.Contains(stringify(actual), stringify(needle))
}

// inList reports whether actual equals any element of list. A scalar list is
// treated as a single element list.
func inList(actual, list any) bool {
	elems, ok := toSlice(list)
	if !ok {
		if list == nil {
			return false
		}
		elems = []any{list}
	}
	for _, elem := range elems {
		if valuesEqual(actual, elem) {
			return true
		}
	}
	return false
}

func matchesPattern(actual, pattern any) bool {
	expr, ok := pattern.(string)
	if !ok || !isScalar(actual) {
		return false
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(stringify(actual))
}
