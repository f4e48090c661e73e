package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrConversion indicates a remote value could not be converted to the declared type.
var ErrConversion = errors.New("mapping: conversion failed")

// Converter turns a remote value into the canonical Go value of a ValueType:
// string, int64, float64, bool or time.Time. Returning nil clears the property.
type Converter func(value any) (any, error)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts value to the canonical representation of declared. Values whose natural
// type already matches pass through; otherwise a registered converter wins over the
// built-in conversion.
func Coerce(value any, declared ValueType, converters map[ValueType]Converter) (any, error) {
	if value == nil {
		return nil, nil
	}
	if natural, ok := naturalValue(value, declared); ok {
		return natural, nil
	}
	if converter, ok := converters[declared]; ok && converter != nil {
		converted, err := converter(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return converted, nil
	}
	switch declared {
	case TypeString:
		return toString(value)
	case TypeInt:
		return toInt(value)
	case TypeFloat:
		return toFloat(value)
	case TypeBool:
		return toBool(value)
	case TypeTime:
		return toTime(value)
	default:
		return nil, fmt.Errorf("%w: unsupported declared type %q", ErrConversion, declared)
	}
}

func naturalValue(value any, declared ValueType) (any, bool) {
	switch declared {
	case TypeString:
		typed, ok := value.(string)
		return typed, ok
	case TypeInt:
		switch typed := value.(type) {
		case int64:
			return typed, true
		case int:
			return int64(typed), true
		}
	case TypeFloat:
		typed, ok := value.(float64)
		return typed, ok
	case TypeBool:
		typed, ok := value.(bool)
		return typed, ok
	case TypeTime:
		typed, ok := value.(time.Time)
		return typed, ok
	}
	return nil, false
}

func toString(value any) (any, error) {
	switch typed := value.(type) {
	case []any, map[string]any, []string:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return string(encoded), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case int:
		return strconv.Itoa(typed), nil
	case bool:
		return strconv.FormatBool(typed), nil
	case json.Number:
		return typed.String(), nil
	case time.Time:
		return typed.UTC().Format(time.RFC3339), nil
	default:
		return nil, fmt.Errorf("%w: %T to string", ErrConversion, value)
	}
}

func toInt(value any) (any, error) {
	switch typed := value.(type) {
	case float64:
		if typed != math.Trunc(typed) || math.IsInf(typed, 0) || math.IsNaN(typed) {
			return nil, fmt.Errorf("%w: %v is not integral", ErrConversion, typed)
		}
		if typed >= math.MaxInt64 || typed < math.MinInt64 {
			return nil, fmt.Errorf("%w: %v overflows int64", ErrConversion, typed)
		}
		return int64(typed), nil
	case json.Number:
		n, err := typed.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return n, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return int64(0), nil
		}
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrConversion, typed)
		}
		return n, nil
	case bool:
		if typed {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("%w: %T to int", ErrConversion, value)
	}
}

func toFloat(value any) (any, error) {
	switch typed := value.(type) {
	case int64:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConversion, err)
		}
		return f, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return float64(0), nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrConversion, typed)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T to float", ErrConversion, value)
	}
}

func toBool(value any) (any, error) {
	switch typed := value.(type) {
	case float64:
		return typed != 0, nil
	case int64:
		return typed != 0, nil
	case int:
		return typed != 0, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return false, nil
		}
		parsed, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrConversion, typed)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("%w: %T to bool", ErrConversion, value)
	}
}

func toTime(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not a timestamp", ErrConversion, typed)
	case float64:
		if typed == 0 {
			return nil, nil
		}
		return time.Unix(int64(typed), 0).UTC(), nil
	case int64:
		if typed == 0 {
			return nil, nil
		}
		return time.Unix(typed, 0).UTC(), nil
	default:
		return nil, fmt.Errorf("%w: %T to time", ErrConversion, value)
	}
}
