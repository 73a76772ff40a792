package livedata

import (
	"context"
	"slices"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/observe"
)

// ObserveCallbacks receive whole documents instead of field deltas. Setting
// any of the positional callbacks (AddedAt, ChangedAt, MovedTo, RemovedAt)
// makes the observation ordered; the plain callbacks still fire in that mode
// when set. An empty before id means the end of the result.
type ObserveCallbacks struct {
	Added   func(doc *document.Document)
	Changed func(newDoc, oldDoc *document.Document)
	Removed func(oldDoc *document.Document)

	AddedAt   func(doc *document.Document, index int, before string)
	ChangedAt func(newDoc, oldDoc *document.Document, index int)
	MovedTo   func(doc *document.Document, from, to int, before string)
	RemovedAt func(oldDoc *document.Document, index int)
}

func (cb ObserveCallbacks) ordered() bool {
	return cb.AddedAt != nil || cb.ChangedAt != nil || cb.MovedTo != nil || cb.RemovedAt != nil
}

// docObserver rebuilds documents from the change callbacks of one handle.
// The multiplexer delivers to it from a single goroutine.
type docObserver struct {
	cb        ObserveCallbacks
	transform func(*document.Document) *document.Document
	docs      map[string]*document.Document
	order     []string
}

func (o *docObserver) out(doc *document.Document) *document.Document {
	doc = doc.Clone()
	if o.transform != nil {
		doc = o.transform(doc)
	}
	return doc
}

func (o *docObserver) index(id string) int {
	if id == "" {
		return len(o.order)
	}
	if i := slices.Index(o.order, id); i >= 0 {
		return i
	}
	return len(o.order)
}

func (o *docObserver) added(id string, fields *document.Document, before string) {
	doc := fields.Clone()
	doc.SetID(id)
	o.docs[id] = doc
	if o.cb.ordered() {
		i := o.index(before)
		o.order = slices.Insert(o.order, i, id)
		if o.cb.AddedAt != nil {
			o.cb.AddedAt(o.out(doc), i, before)
		}
	}
	if o.cb.Added != nil {
		o.cb.Added(o.out(doc))
	}
}

func (o *docObserver) changed(id string, diff document.FieldDiff) {
	old, ok := o.docs[id]
	if !ok {
		return
	}
	doc := old.Clone()
	document.ApplyFieldDiff(doc, diff)
	o.docs[id] = doc
	if o.cb.ChangedAt != nil {
		o.cb.ChangedAt(o.out(doc), o.out(old), o.index(id))
	}
	if o.cb.Changed != nil {
		o.cb.Changed(o.out(doc), o.out(old))
	}
}

func (o *docObserver) movedBefore(id, before string) {
	doc, ok := o.docs[id]
	if !ok {
		return
	}
	from := o.index(id)
	o.order = slices.Delete(o.order, from, from+1)
	to := o.index(before)
	o.order = slices.Insert(o.order, to, id)
	if o.cb.MovedTo != nil {
		o.cb.MovedTo(o.out(doc), from, to, before)
	}
}

func (o *docObserver) removed(id string) {
	old, ok := o.docs[id]
	if !ok {
		return
	}
	delete(o.docs, id)
	if o.cb.ordered() {
		i := o.index(id)
		o.order = slices.Delete(o.order, i, i+1)
		if o.cb.RemovedAt != nil {
			o.cb.RemovedAt(o.out(old), i)
		}
	}
	if o.cb.Removed != nil {
		o.cb.Removed(o.out(old))
	}
}

// Observe subscribes cb with whole-document callbacks built on
// ObserveChanges. Documents passed to cb go through the cursor's Transform.
func (cur *Cursor) Observe(ctx context.Context, cb ObserveCallbacks) (*ObserveHandle, error) {
	o := &docObserver{
		cb:        cb,
		transform: cur.desc.Options.Transform,
		docs:      make(map[string]*document.Document),
	}
	changes := observe.Callbacks{Changed: o.changed, Removed: o.removed}
	ordered := cb.ordered()
	if ordered {
		changes.AddedBefore = o.added
		changes.MovedBefore = o.movedBefore
	} else {
		changes.Added = func(id string, fields *document.Document) { o.added(id, fields, "") }
	}
	return cur.conn.ObserveChanges(ctx, cur.desc, ordered, changes)
}
