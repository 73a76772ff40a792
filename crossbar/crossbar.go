// Package crossbar routes write invalidations to the observers that may be
// affected by them.
package crossbar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Trigger describes what a write touched, or what a listener cares about.
// An empty ID means the whole collection.
type Trigger struct {
	Collection     string `msgpack:"c" json:"collection"`
	ID             string `msgpack:"i,omitempty" json:"id,omitempty"`
	DropCollection bool   `msgpack:"d,omitempty" json:"drop_collection,omitempty"`
}

// CollectionWide reports whether t covers every document of its collection.
func (t Trigger) CollectionWide() bool {
	return t.ID == ""
}

// Matches reports whether a notification for n reaches a listener on t.
func (t Trigger) Matches(n Trigger) bool {
	if t.Collection != n.Collection {
		return false
	}
	return t.ID == "" || n.ID == "" || t.ID == n.ID
}

func (t Trigger) String() string {
	switch {
	case t.DropCollection:
		return fmt.Sprintf("%s[drop]", t.Collection)
	case t.ID != "":
		return fmt.Sprintf("%s[%s]", t.Collection, t.ID)
	default:
		return t.Collection
	}
}

// Callback is invoked synchronously from Fire with the firing context.
type Callback func(ctx context.Context, n Trigger)

// Listener is a registered callback. Stop is idempotent.
type Listener struct {
	crossbar *Crossbar
	id       uint64
	trigger  Trigger
	fn       Callback
	stopped  atomic.Bool
}

type listenerSet struct {
	mu        sync.RWMutex
	listeners map[uint64]*Listener
}

func (s *listenerSet) snapshot() []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// Crossbar holds listeners keyed by collection. It is safe for concurrent
// use; callbacks may register and stop listeners while a fire is running.
type Crossbar struct {
	listeners *xsync.MapOf[string, *listenerSet]
	nextID    atomic.Uint64
	fired     atomic.Uint64

	hooksMu sync.RWMutex
	hooks   map[uint64]Callback
}

func New() *Crossbar {
	return &Crossbar{
		listeners: xsync.NewMapOf[string, *listenerSet](),
		hooks:     make(map[uint64]Callback),
	}
}

// Listen registers fn for notifications matching t.
func (c *Crossbar) Listen(t Trigger, fn Callback) *Listener {
	l := &Listener{crossbar: c, id: c.nextID.Add(1), trigger: t, fn: fn}
	c.listeners.Compute(t.Collection, func(set *listenerSet, loaded bool) (*listenerSet, bool) {
		if !loaded {
			set = &listenerSet{listeners: make(map[uint64]*Listener)}
		}
		set.mu.Lock()
		set.listeners[l.id] = l
		set.mu.Unlock()
		return set, false
	})
	return l
}

// Trigger returns the trigger l was registered with.
func (l *Listener) Trigger() Trigger {
	return l.trigger
}

// Stop removes the listener. No callback starts after Stop returns.
func (l *Listener) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	l.crossbar.listeners.Compute(l.trigger.Collection, func(set *listenerSet, loaded bool) (*listenerSet, bool) {
		if !loaded {
			return set, true
		}
		set.mu.Lock()
		delete(set.listeners, l.id)
		empty := len(set.listeners) == 0
		set.mu.Unlock()
		return set, empty
	})
}

// Fire invokes every listener matching n, then every fire hook. It returns
// once all callbacks have returned.
func (c *Crossbar) Fire(ctx context.Context, n Trigger) {
	c.fired.Add(1)
	if set, ok := c.listeners.Load(n.Collection); ok {
		for _, l := range set.snapshot() {
			if l.stopped.Load() || !l.trigger.Matches(n) {
				continue
			}
			l.fn(ctx, n)
		}
	}

	c.hooksMu.RLock()
	hooks := make([]Callback, 0, len(c.hooks))
	for _, h := range c.hooks {
		hooks = append(hooks, h)
	}
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, n)
	}
}

// OnFire registers a hook that sees every fired notification. The returned
// function removes it.
func (c *Crossbar) OnFire(fn Callback) func() {
	id := c.nextID.Add(1)
	c.hooksMu.Lock()
	c.hooks[id] = fn
	c.hooksMu.Unlock()
	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

// ListenerCount returns the number of active listeners.
func (c *Crossbar) ListenerCount() int {
	n := 0
	c.listeners.Range(func(_ string, set *listenerSet) bool {
		set.mu.RLock()
		n += len(set.listeners)
		set.mu.RUnlock()
		return true
	})
	return n
}

// Fired returns the number of notifications fired so far.
func (c *Crossbar) Fired() uint64 {
	return c.fired.Load()
}

type remoteKey struct{}

// WithRemote marks ctx as carrying a notification that arrived from another
// process.
func WithRemote(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteKey{}, true)
}

// IsRemote reports whether ctx was marked by WithRemote.
func IsRemote(ctx context.Context) bool {
	v, _ := ctx.Value(remoteKey{}).(bool)
	return v
}
