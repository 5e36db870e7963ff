package adsb

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexibleField can hold a string, a number, a boolean or nothing at all
type FlexibleField struct {
	value any
}

// UnmarshalJSON implements custom JSON unmarshaling for FlexibleField
func (f *FlexibleField) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.value = nil
		return nil
	}

	// Try to unmarshal as a number first
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.value = num
		return nil
	}

	// If that fails, try to unmarshal as a string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		f.value = str
		return nil
	}

	// If both fail, try to unmarshal as a boolean
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		f.value = b
		return nil
	}

	// Objects and arrays are not meaningful for any feed field; keep the zero value
	f.value = nil
	return nil
}

// IsSet reports whether the field was present with a non-null value
func (f FlexibleField) IsSet() bool {
	return f.value != nil
}

// IsString reports whether the field held the given literal string
func (f FlexibleField) IsString(s string) bool {
	v, ok := f.value.(string)
	return ok && strings.EqualFold(strings.TrimSpace(v), s)
}

// Float64 returns the value as a float64, or 0 when it cannot be interpreted
func (f FlexibleField) Float64() float64 {
	switch v := f.value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	case string:
		v = strings.TrimSpace(v)
		if v == "" || v == "ground" {
			return 0
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0
		}
		return parsed
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Int returns the value as an int, truncating any fractional part
func (f FlexibleField) Int() int {
	return int(f.Float64())
}

// String returns the value as a string
func (f FlexibleField) String() string {
	switch v := f.value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
