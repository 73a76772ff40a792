package document

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Value is a sealed interface over the value kinds a document field may hold.
// Only Null, Bool, Int, Float, String, Array and *Document implement it.
type Value interface {
	value()
}

// Null is the JSON null value. A missing field compares like Null.
type Null struct{}

func (Null) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Int is an integral number. JSON integers decode to Int so that ids and
// counters survive a round trip unchanged.
type Int int64

func (Int) value() {}

// Float is a non-integral number.
type Float float64

func (Float) value() {}

// String is a string value.
type String string

func (String) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

func (*Document) value() {}

// From converts a plain Go value into a Value. Maps are converted with their
// keys sorted since Go maps carry no order.
func From(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		if d, ok := t.(*Document); ok && d == nil {
			return Null{}, nil
		}
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(t), nil
	case int8:
		return Int(t), nil
	case int16:
		return Int(t), nil
	case int32:
		return Int(t), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(t), nil
	case uint8:
		return Int(t), nil
	case uint16:
		return Int(t), nil
	case uint32:
		return Int(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(t), nil
		}
		return Int(t), nil
	case float32:
		return Float(t), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case []any:
		arr := make(Array, 0, len(t))
		for _, e := range t {
			ev, err := From(e)
			if err != nil {
				return nil, err
			}
			arr = append(arr, ev)
		}
		return arr, nil
	case []string:
		arr := make(Array, 0, len(t))
		for _, e := range t {
			arr = append(arr, String(e))
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := New()
		for _, k := range keys {
			ev, err := From(t[k])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			doc.Set(k, ev)
		}
		return doc, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		arr := make(Array, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, err := From(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			arr = append(arr, ev)
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// MustFrom is From for literals known to be convertible.
func MustFrom(v any) Value {
	val, err := From(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ToGo converts a Value back into plain Go values (map[string]any, []any,
// int64, float64, string, bool, nil).
func ToGo(v Value) any {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(t)
	case Int:
		return int64(t)
	case Float:
		return float64(t)
	case String:
		return string(t)
	case Array:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = ToGo(e)
		}
		return out
	case *Document:
		return t.Map()
	}
	return nil
}

// IsNumber reports whether v is an Int or a Float.
func IsNumber(v Value) bool {
	switch v.(type) {
	case Int, Float:
		return true
	}
	return false
}

// ToFloat returns the numeric value of v as float64.
func ToFloat(v Value) (float64, bool) {
	switch t := v.(type) {
	case Int:
		return float64(t), true
	case Float:
		return float64(t), true
	}
	return 0, false
}

// TypeName names the kind of v for error messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int, Float:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case *Document:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
