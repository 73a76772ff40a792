package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

type encodeMode int

const (
	encodeJSON      encodeMode = iota // strict JSON, key order kept
	encodeCanonical                   // keys sorted, non-finite numbers tokenized
	encodeKey                         // key order kept, non-finite numbers tokenized
)

// MarshalJSON encodes the document keeping field order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, d, encodeJSON); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keeping field order.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// Marshal encodes any Value as JSON.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v, encodeJSON); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Canonical encodes v as JSON with object keys sorted at every level. Two
// structurally equal values produce identical bytes except that numbers keep
// their kind (1 and 1.5 stay distinct, Int(1) and Float(1) both print 1).
// NaN prints as {"$nan":true} and infinities as {"$inf":1} or {"$inf":-1}.
func Canonical(v Value) []byte {
	var buf bytes.Buffer
	// every Value kind encodes in this mode
	_ = writeValue(&buf, v, encodeCanonical)
	return buf.Bytes()
}

// KeyJSON is Canonical without sorting object keys, for values whose key
// order is significant such as sort specifications.
func KeyJSON(v Value) []byte {
	var buf bytes.Buffer
	_ = writeValue(&buf, v, encodeKey)
	return buf.Bytes()
}

// CanonicalString is Canonical as a string.
func CanonicalString(v Value) string {
	return string(Canonical(v))
}

func writeValue(buf *bytes.Buffer, v Value, mode encodeMode) error {
	switch t := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case Float:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			if mode == encodeJSON {
				return fmt.Errorf("cannot encode non-finite number %v", f)
			}
			switch {
			case math.IsNaN(f):
				buf.WriteString(`{"$nan":true}`)
			case f > 0:
				buf.WriteString(`{"$inf":1}`)
			default:
				buf.WriteString(`{"$inf":-1}`)
			}
			return nil
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case String:
		b, _ := json.Marshal(string(t))
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e, mode); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case *Document:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		keys := t.keys
		if mode == encodeCanonical {
			keys = t.Keys()
			sort.Strings(keys)
		}
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, t.values[k], mode); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value type %T", v)
	}
	return nil
}

// Parse decodes a JSON object into a document.
func Parse(data []byte) (*Document, error) {
	v, err := ParseValue(data)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(*Document)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", TypeName(v))
	}
	return doc, nil
}

// MustParse is Parse for literals.
func MustParse(s string) *Document {
	doc, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return doc
}

// ParseValue decodes any JSON value.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := readValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data after JSON value")
	}
	return v, nil
}

func readValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			doc := New()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("expected object key, got %v", kt)
				}
				v, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				doc.Set(key, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return doc, nil
		case '[':
			arr := Array{}
			for dec.More() {
				v, err := readValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return From(t)
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}
