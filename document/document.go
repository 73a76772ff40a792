package document

import (
	"fmt"
	"strconv"
	"strings"
)

// IDField is the reserved primary key field.
const IDField = "_id"

// Document is an ordered mapping of field name to Value. The zero value is
// not usable; use New or F. A nil *Document behaves as an empty document for
// reads.
type Document struct {
	keys   []string
	values map[string]Value
}

// New returns an empty document.
func New() *Document {
	return &Document{values: make(map[string]Value)}
}

// F builds a document from alternating key/value pairs. Values are converted
// with From; F panics on odd arguments or unconvertible values, so it is meant
// for literals.
func F(kv ...any) *Document {
	if len(kv)%2 != 0 {
		panic("document.F: odd number of arguments")
	}
	doc := New()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("document.F: key %v is not a string", kv[i]))
		}
		doc.Set(key, MustFrom(kv[i+1]))
	}
	return doc
}

// FromMap converts a Go map into a document with sorted keys.
func FromMap(m map[string]any) (*Document, error) {
	v, err := From(m)
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the field names in insertion order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Document) Get(key string) (Value, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Set assigns key. A new key is appended; an existing key keeps its position.
func (d *Document) Set(key string, v Value) {
	if v == nil {
		v = Null{}
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
}

// Delete removes key and reports whether it was present.
func (d *Document) Delete(key string) bool {
	if d == nil {
		return false
	}
	if _, ok := d.values[key]; !ok {
		return false
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// Range calls fn for each field in order until fn returns false.
func (d *Document) Range(fn func(key string, v Value) bool) {
	if d == nil {
		return
	}
	for _, k := range d.keys {
		if !fn(k, d.values[k]) {
			return
		}
	}
}

// ID returns the string _id of the document.
func (d *Document) ID() (string, bool) {
	v, ok := d.Get(IDField)
	if !ok {
		return "", false
	}
	s, ok := v.(String)
	return string(s), ok
}

// SetID sets _id and moves it to the front.
func (d *Document) SetID(id string) {
	d.Delete(IDField)
	d.keys = append([]string{IDField}, d.keys...)
	d.values[IDField] = String(id)
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		keys:   make([]string, len(d.keys)),
		values: make(map[string]Value, len(d.values)),
	}
	copy(out.keys, d.keys)
	for k, v := range d.values {
		out.values[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies containers; scalars are immutable.
func CloneValue(v Value) Value {
	switch t := v.(type) {
	case Array:
		out := make(Array, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case *Document:
		return t.Clone()
	}
	return v
}

// Without returns a copy of d lacking the given keys.
func (d *Document) Without(keys ...string) *Document {
	out := d.Clone()
	if out == nil {
		return New()
	}
	for _, k := range keys {
		out.Delete(k)
	}
	return out
}

// Lookup resolves a dotted path. Numeric segments index into arrays. When a
// segment hits an array and is not numeric, Lookup fails; matchers that need
// array fan-out use LookupAll.
func (d *Document) Lookup(path string) (Value, bool) {
	var cur Value = d
	for _, part := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case *Document:
			v, ok := t.Get(part)
			if !ok {
				return nil, false
			}
			cur = v
		case Array:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, false
			}
			cur = t[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// LookupAll resolves a dotted path the way query selectors see it: when a
// non-numeric segment meets an array, every element of the array is
// searched. The returned slice holds each reachable value; missing branches
// are omitted.
func (d *Document) LookupAll(path string) []Value {
	return lookupAll(d, strings.Split(path, "."))
}

func lookupAll(cur Value, parts []string) []Value {
	if len(parts) == 0 {
		return []Value{cur}
	}
	switch t := cur.(type) {
	case *Document:
		v, ok := t.Get(parts[0])
		if !ok {
			return nil
		}
		return lookupAll(v, parts[1:])
	case Array:
		if idx, err := strconv.Atoi(parts[0]); err == nil {
			if idx < 0 || idx >= len(t) {
				return nil
			}
			return lookupAll(t[idx], parts[1:])
		}
		var out []Value
		for _, e := range t {
			if sub, ok := e.(*Document); ok {
				out = append(out, lookupAll(sub, parts)...)
			}
		}
		return out
	}
	return nil
}

// SetPath assigns a dotted path, creating intermediate documents.
func (d *Document) SetPath(path string, v Value) error {
	parts := strings.Split(path, ".")
	cur := d
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur.Get(part)
		if !ok {
			nd := New()
			cur.Set(part, nd)
			cur = nd
			continue
		}
		switch t := next.(type) {
		case *Document:
			cur = t
		case Array:
			idx, err := strconv.Atoi(parts[i+1])
			if err != nil || idx < 0 || idx >= len(t) || i+1 != len(parts)-1 {
				return fmt.Errorf("cannot create field %q in array at %q", parts[i+1], part)
			}
			t[idx] = v
			return nil
		default:
			return fmt.Errorf("cannot create field %q in element {%s: %s}", parts[i+1], part, TypeName(next))
		}
	}
	cur.Set(parts[len(parts)-1], v)
	return nil
}

// UnsetPath removes a dotted path if present.
func (d *Document) UnsetPath(path string) {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.Get(part)
		if !ok {
			return
		}
		sub, ok := next.(*Document)
		if !ok {
			return
		}
		cur = sub
	}
	cur.Delete(parts[len(parts)-1])
}

// Map converts the document into a plain Go map.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, d.Len())
	d.Range(func(k string, v Value) bool {
		out[k] = ToGo(v)
		return true
	})
	return out
}

func (d *Document) String() string {
	b, err := d.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid document: %v>", err)
	}
	return string(b)
}
