package query

import (
	"strings"

	"github.com/maxpert/livedata/document"
)

// IdsMatchedBySelector returns the ids a selector is pinned to, or nil when
// it may match arbitrary documents. Recognized forms are {_id: "x"},
// {_id: {$in: [...]}} and {_id: {$eq: "x"}}, optionally next to other
// clauses, and $and branches that pin ids.
func IdsMatchedBySelector(sel *document.Document) []string {
	if v, ok := sel.Get(document.IDField); ok {
		switch t := v.(type) {
		case document.String:
			return []string{string(t)}
		case *document.Document:
			if eq, ok := t.Get("$eq"); ok && t.Len() == 1 {
				if s, ok := eq.(document.String); ok {
					return []string{string(s)}
				}
			}
			if in, ok := t.Get("$in"); ok && t.Len() == 1 {
				arr, ok := in.(document.Array)
				if !ok {
					return nil
				}
				ids := make([]string, 0, len(arr))
				for _, e := range arr {
					s, ok := e.(document.String)
					if !ok {
						return nil
					}
					ids = append(ids, string(s))
				}
				return ids
			}
		}
	}
	if v, ok := sel.Get("$and"); ok {
		if arr, ok := v.(document.Array); ok {
			for _, e := range arr {
				if sub, ok := e.(*document.Document); ok {
					if ids := IdsMatchedBySelector(sub); ids != nil {
						return ids
					}
				}
			}
		}
	}
	return nil
}

// RemoveDollarOperators keeps the literal equality clauses of a selector,
// which become the seed document of an upsert insert.
func RemoveDollarOperators(sel *document.Document) *document.Document {
	out := document.New()
	sel.Range(func(k string, v document.Value) bool {
		if strings.HasPrefix(k, "$") {
			return true
		}
		if isOps, err := isOperatorObject(v); err != nil || isOps {
			return true
		}
		_ = out.SetPath(k, document.CloneValue(v))
		return true
	})
	return out
}

// UpsertDocument builds the document an upsert inserts when nothing matches
// sel. The result carries id as its _id.
func UpsertDocument(sel, mod *document.Document, id string) (*document.Document, error) {
	isMod, err := IsModifier(mod)
	if err != nil {
		return nil, err
	}
	var out *document.Document
	if isMod {
		seed := RemoveDollarOperators(sel)
		out, err = Apply(seed, mod, ApplyOptions{IsInsert: true})
		if err != nil {
			return nil, err
		}
	} else {
		out = mod.Clone()
	}
	if existing, ok := out.Get(document.IDField); ok && !document.Equal(existing, document.String(id)) {
		return nil, ErrImmutableID
	}
	out.SetID(id)
	return out, nil
}

// KnownID returns the id an upsert will use when the caller already fixed
// it: the selector's _id for modifiers, the replacement's _id otherwise.
func KnownID(sel, mod *document.Document) (string, bool) {
	isMod, err := IsModifier(mod)
	if err != nil {
		return "", false
	}
	if isMod {
		return sel.ID()
	}
	return mod.ID()
}
