package livedata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/observe"
	"github.com/maxpert/livedata/oplog"
	"github.com/maxpert/livedata/store"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	conn    *Connection
	store   store.Store
	log     *oplog.Log
	mu      sync.Mutex
	drivers []DriverInfo
}

func newEnv(t *testing.T, withLog bool, s store.Store) *testEnv {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	env := &testEnv{store: s}
	opts := Options{
		PollingInterval:  time.Hour,
		PollingThrottle:  time.Millisecond,
		TailPollInterval: 10 * time.Millisecond,
		OnDriverCreated: func(info DriverInfo) {
			env.mu.Lock()
			env.drivers = append(env.drivers, info)
			env.mu.Unlock()
		},
	}
	if withLog {
		l, err := oplog.Open(oplog.Options{InMemory: true})
		require.NoError(t, err)
		env.log = l
		opts.Log = l
	}
	conn, err := New(s, opts)
	require.NoError(t, err)
	env.conn = conn

	t.Cleanup(func() {
		conn.Close()
		if env.log != nil {
			env.log.Close()
		}
		s.Close()
	})
	return env
}

func (e *testEnv) driverKinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, d := range e.drivers {
		out = append(out, d.Kind)
	}
	return out
}

// settle runs fn inside a fence and waits for every affected observer.
func (e *testEnv) settle(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.conn.WithFence(ctx, fn))
}

type recorder struct {
	mu     sync.Mutex
	events []string
	ids    []string
	docs   map[string]*document.Document
}

func newRecorder() *recorder {
	return &recorder{docs: make(map[string]*document.Document)}
}

func (r *recorder) callbacks(ordered bool) observe.Callbacks {
	cb := observe.Callbacks{
		Changed: func(id string, diff document.FieldDiff) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, fmt.Sprintf("changed %s %s", id, document.Canonical(diff.Set)))
			document.ApplyFieldDiff(r.docs[id], diff)
		},
		Removed: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "removed "+id)
			delete(r.docs, id)
			r.ids = slices.DeleteFunc(r.ids, func(s string) bool { return s == id })
		},
	}
	if !ordered {
		cb.Added = func(id string, fields *document.Document) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, "added "+id)
			r.docs[id] = fields
			r.ids = append(r.ids, id)
		}
		return cb
	}
	cb.AddedBefore = func(id string, fields *document.Document, before string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, fmt.Sprintf("addedBefore %s %q", id, before))
		r.docs[id] = fields
		r.ids = insertBefore(r.ids, id, before)
	}
	cb.MovedBefore = func(id, before string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, fmt.Sprintf("movedBefore %s %q", id, before))
		r.ids = slices.DeleteFunc(r.ids, func(s string) bool { return s == id })
		r.ids = insertBefore(r.ids, id, before)
	}
	return cb
}

func insertBefore(ids []string, id, before string) []string {
	if i := slices.Index(ids, before); before != "" && i >= 0 {
		return slices.Insert(ids, i, id)
	}
	return append(ids, id)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.ids)
}

// result returns the materialized documents sorted by id.
func (r *recorder) result() []*document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*document.Document, 0, len(r.docs))
	for _, id := range slices.Sorted(maps.Keys(r.docs)) {
		doc := r.docs[id].Clone()
		doc.SetID(id)
		out = append(out, doc)
	}
	return out
}

func ids(docs []*document.Document) []string {
	out := []string{}
	for _, d := range docs {
		id, _ := d.ID()
		out = append(out, id)
	}
	return out
}

func task(id string, priority int) *document.Document {
	return document.F("_id", id, "status", "open", "priority", priority)
}
