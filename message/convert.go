package message

import (
	"encoding/json"
	"fmt"
)

// ToFloat converts a decoded argument or return value to float64.
// JSON yields float64, CBOR yields uint64/int64/float64; callers in Go may
// pass any numeric type directly.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case nil:
		return 0, fmt.Errorf("expected a number, got nil")
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

// ToString converts a decoded argument to a string.
func ToString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}
