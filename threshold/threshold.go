// Package threshold implements the pure comparison engine used by the data
// sync cycle to decide whether a dynamic field value breaches its configured
// limit.
package threshold

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidValue signals a non-numeric comparison input.
	ErrInvalidValue = errors.New("threshold: value is not numeric")
	// ErrUnsupportedOperator signals an operator outside the closed set.
	ErrUnsupportedOperator = errors.New("threshold: unsupported operator")
)

// Operator is the closed set of supported comparison operators.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpEqual        Operator = "=="
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// ParseOperator validates a raw operator string against the closed set.
func ParseOperator(raw string) (Operator, error) {
	switch op := Operator(raw); op {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOperator, raw)
	}
}

// Evaluate reports whether value breaches limit under op. Unknown operators
// fail closed: the breach result is always false and ErrUnsupportedOperator
// is returned.
func Evaluate(value, limit float64, op Operator) (bool, error) {
	switch op {
	case OpGreater:
		return value > limit, nil
	case OpLess:
		return value < limit, nil
	case OpEqual:
		return value == limit, nil
	case OpGreaterEqual:
		return value >= limit, nil
	case OpLessEqual:
		return value <= limit, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}

// ParseValue extracts a float64 from a decoded JSON value. Only numeric
// inputs are accepted; strings and booleans are rejected rather than coerced.
func ParseValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, raw)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrInvalidValue, raw)
	}
}
