// Package types holds the scalar data types, operator kinds and value
// helpers shared by expressions, plans and the evaluator.
//
// Cell values are plain Go values: nil (null), bool, int64, float64 and
// string. Aggregates may additionally produce map[string]int64 (value counts).
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DataType is the logical type of a column or expression.
type DataType int

const (
	// Unknown means the type is not known until evaluation.
	Unknown DataType = iota
	Bool
	Int64
	Float64
	String
	// Counts is the type of a value-counts aggregate.
	Counts
)

var dataTypeStrings = map[DataType]string{
	Unknown: "Unknown",
	Bool:    "Boolean",
	Int64:   "Int64",
	Float64: "Float64",
	String:  "String",
	Counts:  "Counts",
}

func (t DataType) String() string {
	if s, ok := dataTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", t)
}

// MarshalText renders the type name in JSON documents.
func (t DataType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// IsNumeric reports whether t is Int64 or Float64.
func (t DataType) IsNumeric() bool { return t == Int64 || t == Float64 }

// ParseDataType maps a config type name onto a DataType. Names are matched
// case-insensitively; 32-bit widths widen to their 64-bit counterparts.
func ParseDataType(s string) (DataType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int64", "int32", "int16", "int8", "int", "integer", "bigint":
		return Int64, true
	case "float64", "float32", "float", "double", "real":
		return Float64, true
	case "string", "utf8", "str", "text":
		return String, true
	case "boolean", "bool":
		return Bool, true
	}
	return Unknown, false
}

// TypeOf returns the DataType of a cell value. nil yields Unknown.
func TypeOf(v any) DataType {
	switch v.(type) {
	case bool:
		return Bool
	case int64, int, int32:
		return Int64
	case float64, float32:
		return Float64
	case string:
		return String
	case map[string]int64:
		return Counts
	default:
		return Unknown
	}
}

// ToFloat converts numeric and numeric-looking string values. The second
// result is false for nil and for values that do not parse.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case float32:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ToInt converts to int64. Floats must be integral.
func ToInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, false
		}
		return int64(t), true
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

// truthy/falsy spellings accepted when casting strings to Bool.
var (
	truthy = map[string]struct{}{"1": {}, "t": {}, "true": {}, "yes": {}, "y": {}}
	falsy  = map[string]struct{}{"0": {}, "f": {}, "false": {}, "no": {}, "n": {}}
)

// ToBool converts to bool.
func ToBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case int64:
		return t != 0, true
	case float64:
		return t != 0, true
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if _, ok := truthy[s]; ok {
			return true, true
		}
		if _, ok := falsy[s]; ok {
			return false, true
		}
	}
	return false, false
}

// ToString renders common types without going through fmt where possible.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// Convert casts v to t. A nil v converts to nil. The second result is false
// when the value cannot be represented in t.
func Convert(v any, t DataType) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch t {
	case Int64:
		n, ok := ToInt(v)
		return n, ok
	case Float64:
		f, ok := ToFloat(v)
		return f, ok
	case String:
		return ToString(v), true
	case Bool:
		b, ok := ToBool(v)
		return b, ok
	case Unknown:
		return v, true
	}
	return nil, false
}

// Compare orders two non-nil values. Numbers compare numerically, mixed
// number/string pairs compare numerically when the string parses, everything
// else compares by string form. ok is false when either side is nil.
func Compare(a, b any) (c int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if isNumber(a) || isNumber(b) {
		fa, oka := ToFloat(a)
		fb, okb := ToFloat(b)
		if oka && okb {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0, true
			case !ba:
				return -1, true
			}
			return 1, true
		}
	}
	return strings.Compare(ToString(a), ToString(b)), true
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, int, int32, float64, float32:
		return true
	}
	return false
}

// SortLess orders values for sorting: nulls sort last.
func SortLess(a, b any) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	c, _ := Compare(a, b)
	return c < 0
}
