package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/skyrelay/skyrelay/pkg/models"
)

// RejectionError marks an invocation that must not execute. It covers both
// schema failures and security rejections; the sandbox maps it to the
// rejected outcome.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

func rejectf(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateArgs checks caller-supplied arguments against the declared
// parameter schema and returns them stringified for template rendering.
// Every required name must be present with a type-conformant value;
// unknown arguments are dropped, never passed through. Validation is a
// pure function over the definition and the argument map.
func ValidateArgs(def *models.ToolDefinition, args map[string]any) (map[string]string, error) {
	props := def.Parameters.Properties

	for _, required := range def.Parameters.Required {
		if _, ok := args[required]; !ok {
			return nil, rejectf("missing required argument %q", required)
		}
	}

	out := make(map[string]string, len(props))
	for name, spec := range props {
		raw, ok := args[name]
		if !ok {
			continue
		}
		rendered, err := coerce(spec.Type, raw)
		if err != nil {
			return nil, rejectf("argument %q: %v", name, err)
		}
		out[name] = rendered
	}
	return out, nil
}

// coerce checks a value against a declared type and stringifies it.
// Numbers arrive as float64 from JSON decoding; integers are accepted only
// when the value is integral.
func coerce(declared string, v any) (string, error) {
	switch declared {
	case "string", "":
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case "number":
		f, ok := toFloat(v)
		if !ok {
			return "", fmt.Errorf("expected number, got %T", v)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case "integer":
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return "", fmt.Errorf("expected integer, got %v", v)
		}
		return strconv.FormatInt(int64(f), 10), nil
	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("expected boolean, got %T", v)
		}
		return strconv.FormatBool(b), nil
	default:
		return "", fmt.Errorf("unsupported declared type %q", declared)
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
