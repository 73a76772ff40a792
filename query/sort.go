package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/maxpert/livedata/document"
)

// SortField is one key of a sort specification.
type SortField struct {
	Path       string
	Descending bool
}

// Sorter orders documents by a sort specification. Documents that tie on
// every sort key are ordered by _id so the order is total.
type Sorter struct {
	fields []SortField
}

// CompileSort parses a sort specification such as {priority: -1, name: 1}.
// A nil spec yields a sorter that orders by _id only.
func CompileSort(spec *document.Document) (*Sorter, error) {
	s := &Sorter{}
	var err error
	spec.Range(func(path string, v document.Value) bool {
		if path == "$natural" {
			err = unsupported("$natural sort")
			return false
		}
		if strings.HasPrefix(path, "$") {
			err = unsupported("sort key %s", path)
			return false
		}
		var desc bool
		switch t := v.(type) {
		case document.Int, document.Float:
			f, _ := document.ToFloat(t)
			switch f {
			case 1:
			case -1:
				desc = true
			default:
				err = fmt.Errorf("sort direction for %q must be 1 or -1", path)
				return false
			}
		case document.String:
			switch strings.ToLower(string(t)) {
			case "asc", "ascending":
			case "desc", "descending":
				desc = true
			default:
				err = fmt.Errorf("sort direction for %q must be asc or desc", path)
				return false
			}
		default:
			err = unsupported("sort direction %s for %q", document.TypeName(v), path)
			return false
		}
		s.fields = append(s.fields, SortField{Path: path, Descending: desc})
		return true
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Fields returns the parsed sort keys.
func (s *Sorter) Fields() []SortField {
	out := make([]SortField, len(s.fields))
	copy(out, s.fields)
	return out
}

// Compare returns -1, 0 or 1. It only returns 0 for documents with equal _id.
func (s *Sorter) Compare(a, b *document.Document) int {
	for _, f := range s.fields {
		c := document.Compare(sortKey(a, f), sortKey(b, f))
		if f.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	ida, _ := a.Get(document.IDField)
	idb, _ := b.Get(document.IDField)
	return document.Compare(ida, idb)
}

// Sort orders docs in place.
func (s *Sorter) Sort(docs []*document.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return s.Compare(docs[i], docs[j]) < 0
	})
}

// sortKey picks the value a document sorts by: with array values the
// smallest element for ascending keys and the largest for descending ones.
func sortKey(doc *document.Document, f SortField) document.Value {
	var candidates []document.Value
	for _, v := range doc.LookupAll(f.Path) {
		if arr, ok := v.(document.Array); ok && len(arr) > 0 {
			candidates = append(candidates, arr...)
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return document.Null{}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		cmp := document.Compare(c, best)
		if (f.Descending && cmp > 0) || (!f.Descending && cmp < 0) {
			best = c
		}
	}
	return best
}
