package query

import (
	"fmt"
	"strings"

	"github.com/maxpert/livedata/document"
)

// ApplyOptions tunes Apply.
type ApplyOptions struct {
	// IsInsert enables $setOnInsert.
	IsInsert bool
}

// IsModifier reports whether mod is an operator document ({$set: ...})
// rather than a replacement document.
func IsModifier(mod *document.Document) (bool, error) {
	ops := 0
	for _, k := range mod.Keys() {
		if strings.HasPrefix(k, "$") {
			ops++
		}
	}
	if ops > 0 && ops != mod.Len() {
		return false, fmt.Errorf("update document cannot mix operators and fields")
	}
	return ops > 0, nil
}

// Apply returns the result of applying mod to doc. doc is not modified.
func Apply(doc, mod *document.Document, opts ApplyOptions) (*document.Document, error) {
	isMod, err := IsModifier(mod)
	if err != nil {
		return nil, err
	}
	oldID, hadID := doc.Get(document.IDField)

	if !isMod {
		out := document.New()
		if hadID {
			out.Set(document.IDField, oldID)
		}
		var err error
		mod.Range(func(k string, v document.Value) bool {
			if k == document.IDField {
				if hadID && !document.Equal(v, oldID) {
					err = ErrImmutableID
					return false
				}
				if !hadID {
					out.Set(k, v)
				}
				return true
			}
			out.Set(k, document.CloneValue(v))
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	out := doc.Clone()
	if out == nil {
		out = document.New()
	}
	for _, op := range mod.Keys() {
		arg, _ := mod.Get(op)
		fields, ok := arg.(*document.Document)
		if !ok {
			return nil, fmt.Errorf("modifier %s expects an object", op)
		}
		if err := applyOperator(out, op, fields, opts); err != nil {
			return nil, err
		}
	}
	if newID, ok := out.Get(document.IDField); hadID && (!ok || !document.Equal(newID, oldID)) {
		return nil, ErrImmutableID
	}
	return out, nil
}

func applyOperator(doc *document.Document, op string, fields *document.Document, opts ApplyOptions) error {
	var err error
	fields.Range(func(path string, v document.Value) bool {
		err = applyField(doc, op, path, v, opts)
		if err != nil {
			err = fmt.Errorf("%s %q: %w", op, path, err)
			return false
		}
		return true
	})
	return err
}

func applyField(doc *document.Document, op, path string, v document.Value, opts ApplyOptions) error {
	switch op {
	case "$set":
		return doc.SetPath(path, document.CloneValue(v))
	case "$setOnInsert":
		if !opts.IsInsert {
			return nil
		}
		return doc.SetPath(path, document.CloneValue(v))
	case "$unset":
		doc.UnsetPath(path)
		return nil
	case "$inc":
		if !document.IsNumber(v) {
			return fmt.Errorf("cannot increment with non-numeric argument")
		}
		cur, ok := doc.Lookup(path)
		if !ok {
			return doc.SetPath(path, v)
		}
		if !document.IsNumber(cur) {
			return fmt.Errorf("cannot apply $inc to a %s", document.TypeName(cur))
		}
		ci, curInt := cur.(document.Int)
		vi, argInt := v.(document.Int)
		if curInt && argInt {
			return doc.SetPath(path, ci+vi)
		}
		cf, _ := document.ToFloat(cur)
		vf, _ := document.ToFloat(v)
		return doc.SetPath(path, document.Float(cf+vf))
	case "$push", "$addToSet":
		items := []document.Value{v}
		if each, ok := v.(*document.Document); ok && each.Has("$each") {
			ev, _ := each.Get("$each")
			arr, ok := ev.(document.Array)
			if !ok {
				return fmt.Errorf("$each needs an array")
			}
			items = arr
		}
		var arr document.Array
		if cur, ok := doc.Lookup(path); ok {
			existing, ok := cur.(document.Array)
			if !ok {
				return fmt.Errorf("cannot push to a %s", document.TypeName(cur))
			}
			arr = append(arr, existing...)
		}
		for _, item := range items {
			if op == "$addToSet" && containsValue(arr, item) {
				continue
			}
			arr = append(arr, document.CloneValue(item))
		}
		return doc.SetPath(path, arr)
	case "$pull":
		cur, ok := doc.Lookup(path)
		if !ok {
			return nil
		}
		existing, ok := cur.(document.Array)
		if !ok {
			return fmt.Errorf("cannot pull from a %s", document.TypeName(cur))
		}
		keep, err := pullPredicate(v)
		if err != nil {
			return err
		}
		out := document.Array{}
		for _, e := range existing {
			if !keep(e) {
				out = append(out, e)
			}
		}
		return doc.SetPath(path, out)
	case "$rename":
		target, ok := v.(document.String)
		if !ok {
			return fmt.Errorf("$rename target must be a string")
		}
		cur, ok := doc.Lookup(path)
		if !ok {
			return nil
		}
		doc.UnsetPath(path)
		return doc.SetPath(string(target), cur)
	}
	return unsupported("modifier %s", op)
}

// pullPredicate reports which array elements $pull removes.
func pullPredicate(v document.Value) (func(document.Value) bool, error) {
	sub, ok := v.(*document.Document)
	if !ok {
		return func(e document.Value) bool { return document.Equal(e, v) }, nil
	}
	isOps, err := isOperatorObject(sub)
	if err != nil {
		return nil, err
	}
	m := &Matcher{}
	if isOps {
		vp, err := m.compileValue(sub)
		if err != nil {
			return nil, err
		}
		return func(e document.Value) bool { return vp([]document.Value{e}) }, nil
	}
	dp, err := m.compileDoc(sub)
	if err != nil {
		return nil, err
	}
	return func(e document.Value) bool {
		d, ok := e.(*document.Document)
		return ok && dp(d)
	}, nil
}

func containsValue(arr document.Array, v document.Value) bool {
	for _, e := range arr {
		if document.Equal(e, v) {
			return true
		}
	}
	return false
}
