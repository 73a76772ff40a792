package observe

import "github.com/maxpert/livedata/document"

// Callbacks receive the changes of an observed query. Fields never include
// _id. An empty before id means the end of the result.
//
// Ordered observers set AddedBefore and MovedBefore; unordered observers set
// Added. Changed and Removed are optional in both modes.
type Callbacks struct {
	Added       func(id string, fields *document.Document)
	AddedBefore func(id string, fields *document.Document, before string)
	Changed     func(id string, diff document.FieldDiff)
	MovedBefore func(id, before string)
	Removed     func(id string)
}

// Ordered reports whether the callbacks ask for positional events.
func (c Callbacks) Ordered() bool {
	return c.AddedBefore != nil || c.MovedBefore != nil
}

// Validate checks that c fits the ordering mode.
func (c Callbacks) Validate(ordered bool) error {
	if c.Added != nil && c.AddedBefore != nil {
		return misuse("specify only one of Added and AddedBefore")
	}
	if ordered {
		if c.AddedBefore == nil {
			return misuse("ordered observers require AddedBefore")
		}
		if c.MovedBefore == nil {
			return misuse("ordered observers require MovedBefore")
		}
		return nil
	}
	if c.Added == nil {
		return misuse("unordered observers require Added")
	}
	if c.MovedBefore != nil {
		return misuse("MovedBefore requires an ordered observer")
	}
	return nil
}

// Observer receives the output of a driver or a diff.
type Observer interface {
	Added(id string, fields *document.Document)
	AddedBefore(id string, fields *document.Document, before string)
	Changed(id string, diff document.FieldDiff)
	MovedBefore(id, before string)
	Removed(id string)
}

func fieldsOf(doc *document.Document) *document.Document {
	return doc.Without(document.IDField)
}
