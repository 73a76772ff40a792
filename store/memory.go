package store

import (
	"context"
	"sync"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/query"
)

type memCollection struct {
	order []string
	docs  map[string]*document.Document
}

func (c *memCollection) remove(id string) {
	delete(c.docs, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Memory is an in-process Store. Natural order is insertion order.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	matchers    *query.Cache
	closed      bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	matchers, _ := query.NewCache(query.DefaultCacheSize)
	return &Memory{
		collections: make(map[string]*memCollection),
		matchers:    matchers,
	}
}

func (m *Memory) collection(name string, create bool) *memCollection {
	c, ok := m.collections[name]
	if !ok && create {
		c = &memCollection{docs: make(map[string]*document.Document)}
		m.collections[name] = c
	}
	return c
}

// matching returns clones of the documents matching selector in natural
// order. Callers hold m.mu.
func (m *Memory) matching(c *memCollection, selector *document.Document) ([]*document.Document, error) {
	matcher, err := m.matchers.Matcher(selector)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	var out []*document.Document
	if ids := query.IdsMatchedBySelector(selector); ids != nil {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if doc, ok := c.docs[id]; ok && matcher.Matches(doc) {
				out = append(out, doc.Clone())
			}
		}
		return out, nil
	}
	for _, id := range c.order {
		doc := c.docs[id]
		if matcher.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (m *Memory) Find(_ context.Context, collection string, selector *document.Document, opts FindOptions) ([]*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("find", collection, ErrClosed)
	}
	docs, err := m.matching(m.collection(collection, false), selector)
	if err != nil {
		return nil, wrapErr("find", collection, err)
	}
	docs, err = shape(docs, opts)
	return docs, wrapErr("find", collection, err)
}

func (m *Memory) FindOne(_ context.Context, collection, id string) (*document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("findOne", collection, ErrClosed)
	}
	c := m.collection(collection, false)
	if c == nil {
		return nil, nil
	}
	return c.docs[id].Clone(), nil
}

func (m *Memory) Insert(_ context.Context, collection string, doc *document.Document) (string, error) {
	id, ok := doc.ID()
	if !ok {
		return "", wrapErr("insert", collection, ErrMissingID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", wrapErr("insert", collection, ErrClosed)
	}
	c := m.collection(collection, true)
	if _, exists := c.docs[id]; exists {
		return "", wrapErr("insert", collection, ErrDuplicateKey)
	}
	c.docs[id] = doc.Clone()
	c.order = append(c.order, id)
	return id, nil
}

func (m *Memory) Update(_ context.Context, collection string, selector, modifier *document.Document, opts UpdateOptions) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return UpdateResult{}, wrapErr("update", collection, ErrClosed)
	}
	c := m.collection(collection, opts.Upsert)
	matched, err := m.matching(c, selector)
	if err != nil {
		return UpdateResult{}, wrapErr("update", collection, err)
	}
	plan, err := planUpdate(matched, selector, modifier, opts)
	if err != nil {
		return UpdateResult{}, wrapErr("update", collection, err)
	}
	if plan.inserted != nil {
		id, _ := plan.inserted.ID()
		if _, exists := c.docs[id]; exists {
			return UpdateResult{}, wrapErr("update", collection, ErrDuplicateKey)
		}
		c.docs[id] = plan.inserted
		c.order = append(c.order, id)
	}
	for _, doc := range plan.updated {
		id, _ := doc.ID()
		c.docs[id] = doc
	}
	return plan.result(), nil
}

func (m *Memory) Remove(_ context.Context, collection string, selector *document.Document) (RemoveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return RemoveResult{}, wrapErr("remove", collection, ErrClosed)
	}
	c := m.collection(collection, false)
	matched, err := m.matching(c, selector)
	if err != nil {
		return RemoveResult{}, wrapErr("remove", collection, err)
	}
	res := RemoveResult{IDs: make([]string, 0, len(matched))}
	for _, doc := range matched {
		id, _ := doc.ID()
		c.remove(id)
		res.IDs = append(res.IDs, id)
	}
	res.Removed = len(res.IDs)
	return res, nil
}

func (m *Memory) DropCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("drop", collection, ErrClosed)
	}
	delete(m.collections, collection)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
