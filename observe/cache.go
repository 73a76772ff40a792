package observe

import (
	"container/list"

	"github.com/maxpert/livedata/document"
)

type cachedDoc struct {
	id     string
	fields *document.Document
}

// resultCache is the materialized result of a multiplexer, kept in
// delivery order. Unordered results keep first-added order.
type resultCache struct {
	order *list.List
	byID  map[string]*list.Element
}

func newResultCache() *resultCache {
	return &resultCache{order: list.New(), byID: make(map[string]*list.Element)}
}

func (c *resultCache) len() int {
	return len(c.byID)
}

func (c *resultCache) has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *resultCache) addBefore(id string, fields *document.Document, before string) {
	entry := &cachedDoc{id: id, fields: fields}
	if mark, ok := c.byID[before]; ok && before != "" {
		c.byID[id] = c.order.InsertBefore(entry, mark)
		return
	}
	c.byID[id] = c.order.PushBack(entry)
}

func (c *resultCache) change(id string, diff document.FieldDiff) bool {
	el, ok := c.byID[id]
	if !ok {
		return false
	}
	document.ApplyFieldDiff(el.Value.(*cachedDoc).fields, diff)
	return true
}

func (c *resultCache) moveBefore(id, before string) bool {
	el, ok := c.byID[id]
	if !ok {
		return false
	}
	if mark, ok := c.byID[before]; ok && before != "" {
		c.order.MoveBefore(el, mark)
	} else {
		c.order.MoveToBack(el)
	}
	return true
}

func (c *resultCache) remove(id string) bool {
	el, ok := c.byID[id]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.byID, id)
	return true
}

func (c *resultCache) each(fn func(id string, fields *document.Document)) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cachedDoc)
		fn(entry.id, entry.fields)
	}
}

func (c *resultCache) clear() {
	c.order.Init()
	c.byID = make(map[string]*list.Element)
}
