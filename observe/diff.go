package observe

import (
	"github.com/maxpert/livedata/document"
	"github.com/rs/zerolog/log"
)

// Diff reports to obs the events turning the result old into new. Both
// results are lists of documents carrying _id; for ordered diffs they must
// be sorted with a deterministic comparator.
func Diff(ordered bool, old, new []*document.Document, obs Observer) {
	if ordered {
		DiffOrdered(old, new, obs)
		return
	}
	DiffUnordered(old, new, obs)
}

// DiffUnordered emits Added, Changed and Removed events. Changes and adds
// follow the order of new, removals the order of old.
func DiffUnordered(old, new []*document.Document, obs Observer) {
	oldByID := indexByID(old)
	newIDs := make(map[string]struct{}, len(new))

	for _, doc := range new {
		id, _ := doc.ID()
		newIDs[id] = struct{}{}
		if prev, ok := oldByID[id]; ok {
			if diff := document.DiffFields(old[prev], doc); !diff.Empty() {
				obs.Changed(id, diff)
			}
			continue
		}
		obs.Added(id, fieldsOf(doc))
	}
	for _, doc := range old {
		id, _ := doc.ID()
		if _, ok := newIDs[id]; !ok {
			obs.Removed(id)
		}
	}
}

// DiffOrdered emits positional events. Documents on the longest subsequence
// that kept its relative order stay put; every other surviving document is
// moved before the next unmoved one, and new documents are added there.
func DiffOrdered(old, new []*document.Document, obs Observer) {
	oldIndex := indexByID(old)
	newPresent := make(map[string]struct{}, len(new))
	newIDs := make([]string, len(new))
	for i, doc := range new {
		id, _ := doc.ID()
		if _, dup := newPresent[id]; dup {
			log.Warn().Str("id", id).Msg("Duplicate _id in ordered result")
		}
		newPresent[id] = struct{}{}
		newIDs[i] = id
	}

	for _, doc := range old {
		id, _ := doc.ID()
		if _, ok := newPresent[id]; !ok {
			obs.Removed(id)
		}
	}

	unmoved := unmovedPositions(newIDs, oldIndex)
	unmoved = append(unmoved, len(new))

	start := 0
	for _, end := range unmoved {
		anchor := ""
		if end < len(new) {
			anchor = newIDs[end]
		}
		for i := start; i < end; i++ {
			id := newIDs[i]
			prev, existed := oldIndex[id]
			if !existed {
				obs.AddedBefore(id, fieldsOf(new[i]), anchor)
				continue
			}
			if diff := document.DiffFields(old[prev], new[i]); !diff.Empty() {
				obs.Changed(id, diff)
			}
			obs.MovedBefore(id, anchor)
		}
		if end < len(new) {
			if diff := document.DiffFields(old[oldIndex[anchor]], new[end]); !diff.Empty() {
				obs.Changed(anchor, diff)
			}
		}
		start = end + 1
	}
}

// unmovedPositions returns, in increasing order, the positions in newIDs of
// a longest run of surviving documents whose old positions increase.
func unmovedPositions(newIDs []string, oldIndex map[string]int) []int {
	seqEnds := make([]int, 0, len(newIDs))
	ptrs := make([]int, len(newIDs))
	oldPos := func(i int) int { return oldIndex[newIDs[i]] }

	for i, id := range newIDs {
		if _, ok := oldIndex[id]; !ok {
			continue
		}
		j := len(seqEnds)
		for j > 0 && oldPos(seqEnds[j-1]) >= oldPos(i) {
			j--
		}
		if j == 0 {
			ptrs[i] = -1
		} else {
			ptrs[i] = seqEnds[j-1]
		}
		if j == len(seqEnds) {
			seqEnds = append(seqEnds, i)
		} else {
			seqEnds[j] = i
		}
	}

	if len(seqEnds) == 0 {
		return nil
	}
	out := make([]int, len(seqEnds))
	idx := seqEnds[len(seqEnds)-1]
	for k := len(out) - 1; k >= 0; k-- {
		out[k] = idx
		idx = ptrs[idx]
	}
	return out
}

func indexByID(docs []*document.Document) map[string]int {
	out := make(map[string]int, len(docs))
	for i, doc := range docs {
		id, _ := doc.ID()
		out[id] = i
	}
	return out
}
