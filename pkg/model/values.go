package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// NormalizeValue converts a property value into its canonical representation:
// integers become int64, floats become float64, lists become []any of
// normalized scalars. Maps, nested lists and other types are rejected.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidProperty, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidProperty, x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			n, err := normalizeScalar(el)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out, nil
	case []int:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = int64(el)
		}
		return out, nil
	case []int64:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out, nil
	case []float64:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = el
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidProperty, v)
}

func normalizeScalar(v any) (any, error) {
	n, err := NormalizeValue(v)
	if err != nil {
		return nil, err
	}
	if _, isList := n.([]any); isList {
		return nil, fmt.Errorf("%w: nested lists are not supported", ErrInvalidProperty)
	}
	return n, nil
}

// NormalizeProperties returns a normalized copy of props. Keys must be
// non-empty. A nil map stays nil.
func NormalizeProperties(props map[string]any) (map[string]any, error) {
	if props == nil {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == "" {
			return nil, fmt.Errorf("%w: empty property name", ErrInvalidProperty)
		}
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// CloneProperties copies a property map, including list values.
func CloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue copies list values; scalars are returned as is.
func CloneValue(v any) any {
	if l, ok := v.([]any); ok {
		return append([]any(nil), l...)
	}
	return v
}

// Value ranks in the total order used by indexes, ORDER BY and range scans.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankList
	rankOther
)

func rankOf(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case int64, float64, int, int32, float32:
		return rankNumber
	case string:
		return rankString
	case []any:
		return rankList
	}
	return rankOther
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float32:
		return float64(x), true
	}
	return 0, false
}

// CompareValues orders two normalized values:
// nil < bool < number < string < list. Numbers compare numerically across
// int64 and float64, lists compare element-wise then by length.
// It returns -1, 0 or +1.
func CompareValues(a, b any) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankNull:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankNumber:
		if ai, ok := a.(int64); ok {
			if bi, ok := b.(int64); ok {
				switch {
				case ai < bi:
					return -1
				case ai > bi:
					return 1
				}
				return 0
			}
		}
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankList:
		al, bl := a.([]any), b.([]any)
		for i := 0; i < len(al) && i < len(bl); i++ {
			if c := CompareValues(al[i], bl[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(al) < len(bl):
			return -1
		case len(al) > len(bl):
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// ValuesEqual reports whether two values are equal under CompareValues.
func ValuesEqual(a, b any) bool {
	return CompareValues(a, b) == 0
}

// SortedKeys returns the keys of props in ascending order.
func SortedKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
