// Package notify wakes change log readers when new entries are appended.
package notify

import (
	"sync"
	"sync/atomic"
)

// signalBufferSize is one: a reader only needs to know that something newer
// than its position exists, so pending wakeups coalesce.
const signalBufferSize = 1

// Signal announces an append to a collection's change log.
type Signal struct {
	Collection string
	Seq        uint64
}

// Filter selects the collections a subscriber hears about. An empty filter
// matches every collection.
type Filter struct {
	Collections []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(collection string) bool {
	if len(s.filter.Collections) == 0 {
		return true
	}
	for _, c := range s.filter.Collections {
		if c == collection {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans out append signals to subscribers without ever blocking the
// appender.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	closed        bool
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies matching subscribers. When a subscriber already has a
// wakeup pending the new one is dropped.
func (h *Hub) Signal(collection string, seq uint64) {
	sig := Signal{Collection: collection, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(collection) {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
		}
	}
}

// Subscribe registers a subscriber. The channel is closed when cancel is
// called or the hub is closed; cancel is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, signalBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close closes every subscription. Later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
