// Package krow defines the values, rows and signed records that flow through
// the dataflow graph.
package krow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single column value. The zero Value is NULL.
//
// Values are comparable with == and can be used as map keys.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

func Null() Value            { return Value{} }
func Int(v int64) Value      { return Value{kind: KindInt, i: v} }
func Float(v float64) Value  { return Value{kind: KindFloat, f: v} }
func Text(v string) Value    { return Value{kind: KindText, s: v} }
func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the integer value. Floats are truncated, everything else is 0.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	}
	return 0
}

// AsFloat returns the numeric value as float64, 0 for non-numeric values.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.i)
	case KindFloat:
		return v.f
	}
	return 0
}

// AsText returns the text value, or the formatted value for other kinds.
func (v Value) AsText() string {
	if v.kind == KindText {
		return v.s
	}
	return v.String()
}

// IsNumeric reports whether v is an int or a float.
func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Compare orders values: NULL sorts first, numbers compare numerically across
// int and float (ties broken by kind), text sorts last and lexically.
func (v Value) Compare(o Value) int {
	if v.IsNumeric() && o.IsNumeric() {
		if v.kind == KindInt && o.kind == KindInt {
			return cmpOrdered(v.i, o.i)
		}
		if c := cmpOrdered(v.AsFloat(), o.AsFloat()); c != 0 {
			return c
		}
		return cmpOrdered(v.kind, o.kind)
	}
	if c := cmpOrdered(rank(v.kind), rank(o.kind)); c != 0 {
		return c
	}
	if v.kind == KindText {
		return strings.Compare(v.s, o.s)
	}
	return 0
}

func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindInt, KindFloat:
		return 1
	default:
		return 2
	}
}

func cmpOrdered[T int | int64 | float64 | Kind](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Add returns v+o. Two ints stay int, any float operand yields a float and
// NULL is treated as zero.
func (v Value) Add(o Value) Value {
	if v.IsNull() {
		return o
	}
	if o.IsNull() {
		return v
	}
	if v.kind == KindInt && o.kind == KindInt {
		return Int(v.i + o.i)
	}
	return Float(v.AsFloat() + o.AsFloat())
}

// Neg returns -v for numeric values and v otherwise.
func (v Value) Neg() Value {
	switch v.kind {
	case KindInt:
		return Int(-v.i)
	case KindFloat:
		return Float(-v.f)
	}
	return v
}

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindText:
		return v.s
	default:
		return "NULL"
	}
}

// formatFloat always keeps a decimal point or exponent so the value parses
// back as a float.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// FromAny converts a Go value into a Value. It accepts nil, integers, floats,
// strings, bools and Values.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return Text(t), nil
	case bool:
		if t {
			return Int(1), nil
		}
		return Int(0), nil
	case json.Number:
		return parseNumber(string(t))
	default:
		return Null(), fmt.Errorf("krow: unsupported value type %T", x)
	}
}

// Any returns the Go representation of v: nil, int64, float64 or string.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	}
	return nil
}

func parseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null(), fmt.Errorf("krow: invalid number %q: %w", s, err)
	}
	return Float(f), nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return nil, fmt.Errorf("krow: cannot encode %v as JSON", v.f)
		}
		return []byte(formatFloat(v.f)), nil
	case KindText:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*v = Null()
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*v = Text(str)
		return nil
	case s == "true":
		*v = Int(1)
		return nil
	case s == "false":
		*v = Int(0)
		return nil
	}
	parsed, err := parseNumber(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
