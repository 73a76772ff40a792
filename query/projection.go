package query

import (
	"fmt"

	"github.com/maxpert/livedata/document"
)

// Projection limits the fields returned for each document.
type Projection struct {
	include   bool
	paths     []string
	excludeID bool
}

// CompileProjection parses {a: 1, b: 1} (inclusion) or {a: 0} (exclusion).
// Only _id may be excluded from an inclusion projection.
func CompileProjection(fields *document.Document) (*Projection, error) {
	p := &Projection{}
	mode := 0
	var err error
	fields.Range(func(path string, v document.Value) bool {
		on := truthy(v)
		if path == document.IDField {
			p.excludeID = !on
			return true
		}
		want := 1
		if !on {
			want = -1
		}
		if mode != 0 && mode != want {
			err = fmt.Errorf("projection cannot mix including and excluding fields")
			return false
		}
		mode = want
		p.paths = append(p.paths, path)
		return true
	})
	if err != nil {
		return nil, err
	}
	p.include = mode == 1
	return p, nil
}

// ExcludesID reports whether the projection drops _id.
func (p *Projection) ExcludesID() bool {
	return p != nil && p.excludeID
}

// Apply returns a projected copy of doc.
func (p *Projection) Apply(doc *document.Document) *document.Document {
	if p == nil {
		return doc.Clone()
	}
	if !p.include {
		out := doc.Clone()
		for _, path := range p.paths {
			out.UnsetPath(path)
		}
		if p.excludeID {
			out.Delete(document.IDField)
		}
		return out
	}

	out := document.New()
	if !p.excludeID {
		if id, ok := doc.Get(document.IDField); ok {
			out.Set(document.IDField, id)
		}
	}
	for _, path := range p.paths {
		if v, ok := doc.Lookup(path); ok {
			_ = out.SetPath(path, document.CloneValue(v))
		}
	}
	return out
}
