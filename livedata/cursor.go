package livedata

import (
	"context"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/observe"
	"github.com/maxpert/livedata/store"
)

// Cursor is a lazily evaluated query.
type Cursor struct {
	conn *Connection
	desc CursorDescription
}

// Find returns a cursor over the documents of collection matching selector.
func (c *Connection) Find(collection string, selector *document.Document, opts CursorOptions) *Cursor {
	return &Cursor{
		conn: c,
		desc: CursorDescription{Collection: collection, Selector: selector, Options: opts},
	}
}

// FindOne returns the first document matching selector, or nil.
func (c *Connection) FindOne(ctx context.Context, collection string, selector *document.Document, opts CursorOptions) (*document.Document, error) {
	opts.Limit = 1
	opts.Tailable = false
	docs, err := c.Find(collection, selector, opts).Fetch(ctx)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (cur *Cursor) Description() CursorDescription {
	return cur.desc
}

// Fetch runs the query and returns its documents, transformed.
func (cur *Cursor) Fetch(ctx context.Context) ([]*document.Document, error) {
	var out []*document.Document
	err := cur.ForEach(ctx, func(doc *document.Document) error {
		out = append(out, doc)
		return nil
	})
	return out, err
}

// ForEach calls fn for each document in result order and stops at the first
// error fn returns. A document is visited once even if the store returned
// it twice.
func (cur *Cursor) ForEach(ctx context.Context, fn func(doc *document.Document) error) error {
	docs, err := cur.run(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if t := cur.desc.Options.Transform; t != nil {
			doc = t(doc)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of documents the query yields.
func (cur *Cursor) Count(ctx context.Context) (int, error) {
	docs, err := cur.run(ctx)
	return len(docs), err
}

// ObserveChanges subscribes cb. The result is ordered when cb carries
// AddedBefore or MovedBefore.
func (cur *Cursor) ObserveChanges(ctx context.Context, cb observe.Callbacks) (*ObserveHandle, error) {
	return cur.conn.ObserveChanges(ctx, cur.desc, cb.Ordered(), cb)
}

func (cur *Cursor) run(ctx context.Context) ([]*document.Document, error) {
	if cur.desc.Options.Tailable {
		return nil, ErrTailableCursor
	}
	if cur.conn.closed.Load() {
		return nil, ErrClosed
	}
	o := cur.desc.Options
	docs, err := cur.conn.store.Find(ctx, cur.desc.Collection, orEmpty(cur.desc.Selector), store.FindOptions{
		Sort:   o.Sort,
		Skip:   o.Skip,
		Limit:  o.Limit,
		Fields: o.Fields,
	})
	if err != nil {
		return nil, err
	}
	return dedupe(docs), nil
}

func dedupe(docs []*document.Document) []*document.Document {
	seen := make(map[string]struct{}, len(docs))
	out := docs[:0]
	for _, doc := range docs {
		if id, ok := doc.ID(); ok {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		out = append(out, doc)
	}
	return out
}
