package observe

import (
	"fmt"
	"strings"
	"sync"

	"github.com/maxpert/livedata/document"
)

// recorder logs every event it receives and materializes the result the
// events describe.
type recorder struct {
	mu     sync.Mutex
	events []string
	cache  *resultCache
}

func newRecorder() *recorder {
	return &recorder{cache: newResultCache()}
}

func (r *recorder) Added(id string, fields *document.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "added "+id)
	r.cache.addBefore(id, fields.Clone(), "")
}

func (r *recorder) AddedBefore(id string, fields *document.Document, before string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("addedBefore %s %q", id, before))
	r.cache.addBefore(id, fields.Clone(), before)
}

func (r *recorder) Changed(id string, diff document.FieldDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := fmt.Sprintf("changed %s %s", id, document.Canonical(diff.Set))
	if len(diff.Unset) > 0 {
		ev += " unset " + strings.Join(diff.Unset, ",")
	}
	r.events = append(r.events, ev)
	r.cache.change(id, diff)
}

func (r *recorder) MovedBefore(id, before string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("movedBefore %s %q", id, before))
	r.cache.moveBefore(id, before)
}

func (r *recorder) Removed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "removed "+id)
	r.cache.remove(id)
}

func (r *recorder) callbacks(ordered bool) Callbacks {
	if ordered {
		return Callbacks{
			AddedBefore: r.AddedBefore,
			Changed:     r.Changed,
			MovedBefore: r.MovedBefore,
			Removed:     r.Removed,
		}
	}
	return Callbacks{Added: r.Added, Changed: r.Changed, Removed: r.Removed}
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// ids returns the materialized ids in delivery order.
func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	r.cache.each(func(id string, _ *document.Document) {
		out = append(out, id)
	})
	return out
}

// docs returns the materialized result with ids restored.
func (r *recorder) docs() []*document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*document.Document
	r.cache.each(func(id string, fields *document.Document) {
		doc := fields.Clone()
		doc.SetID(id)
		out = append(out, doc)
	})
	return out
}

func docIDs(docs []*document.Document) []string {
	out := []string{}
	for _, d := range docs {
		id, _ := d.ID()
		out = append(out, id)
	}
	return out
}
