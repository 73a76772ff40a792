package document

// FieldDiff describes a change to the top-level fields of a document. Set
// holds fields that were added or whose value changed; Unset lists fields
// that were removed. A cleared field never appears in Set.
type FieldDiff struct {
	Set   *Document
	Unset []string
}

// Empty reports whether the diff carries no change.
func (f FieldDiff) Empty() bool {
	return f.Set.Len() == 0 && len(f.Unset) == 0
}

// DiffFields computes the top-level field changes turning old into new. The
// _id field is never reported.
func DiffFields(old, new *Document) FieldDiff {
	diff := FieldDiff{Set: New()}
	new.Range(func(k string, v Value) bool {
		if k == IDField {
			return true
		}
		if ov, ok := old.Get(k); !ok || !Equal(ov, v) {
			diff.Set.Set(k, CloneValue(v))
		}
		return true
	})
	old.Range(func(k string, _ Value) bool {
		if k == IDField {
			return true
		}
		if !new.Has(k) {
			diff.Unset = append(diff.Unset, k)
		}
		return true
	})
	return diff
}

// ApplyFieldDiff mutates doc in place.
func ApplyFieldDiff(doc *Document, diff FieldDiff) {
	diff.Set.Range(func(k string, v Value) bool {
		doc.Set(k, CloneValue(v))
		return true
	})
	for _, k := range diff.Unset {
		doc.Delete(k)
	}
}
