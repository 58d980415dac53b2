package configstore

import "math"

// asNumber reports whether v can stand in for a JSON number, the way
// jsoncpp's Json::Value::isConvertibleTo treats numbers and booleans
// interchangeably. encoding/json decodes all JSON numbers into float64 when
// the target is `any`, but callers may also hand the store native Go ints
// when building updates programmatically, so both are accepted here.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func isIntegral(f float64) bool {
	return f == math.Trunc(f)
}

// stringConvertible mirrors Json::Value::isConvertibleTo(stringValue):
// everything except JSON objects and arrays.
func stringConvertible(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

func isInteger(v any) bool {
	f, ok := asNumber(v)
	return ok && isIntegral(f)
}

func isNumber(v any) bool {
	_, ok := asNumber(v)
	return ok
}

func isBoolConvertible(v any) bool {
	if _, ok := v.(bool); ok {
		return true
	}
	f, ok := asNumber(v)
	return ok && (f == 0 || f == 1)
}
