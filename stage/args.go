package stage

import (
	"fmt"

	"stacker/message"
)

// floatArg returns positional argument i, or kwargs[key] when fewer
// positional arguments were given.
func floatArg(args []any, kwargs map[string]any, i int, key string) (float64, error) {
	v, ok := lookupArg(args, kwargs, i, key)
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	f, err := message.ToFloat(v)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return f, nil
}

// optionalFloatArg is floatArg with a fallback; ok is false when the
// argument was absent.
func optionalFloatArg(args []any, kwargs map[string]any, i int, key string, fallback float64) (float64, bool, error) {
	v, ok := lookupArg(args, kwargs, i, key)
	if !ok || v == nil {
		return fallback, false, nil
	}
	f, err := message.ToFloat(v)
	if err != nil {
		return 0, false, fmt.Errorf("argument %q: %w", key, err)
	}
	return f, true, nil
}

func stringArg(args []any, kwargs map[string]any, i int, key string) (string, error) {
	v, ok := lookupArg(args, kwargs, i, key)
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, err := message.ToString(v)
	if err != nil {
		return "", fmt.Errorf("argument %q: %w", key, err)
	}
	return s, nil
}

func lookupArg(args []any, kwargs map[string]any, i int, key string) (any, bool) {
	if i < len(args) {
		return args[i], true
	}
	v, ok := kwargs[key]
	return v, ok
}
