package observe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/livedata/crossbar"
	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/fence"
	"github.com/maxpert/livedata/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (s *failingStore) Find(ctx context.Context, collection string, selector *document.Document, opts store.FindOptions) ([]*document.Document, error) {
	if s.fail.Load() {
		return nil, errors.New("store unavailable")
	}
	return s.Store.Find(ctx, collection, selector, opts)
}

func openTasks(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	for _, doc := range []*document.Document{task("1", 5), task("2", 9)} {
		_, err := s.Insert(ctx, "tasks", doc)
		require.NoError(t, err)
	}
	return s
}

func startPolling(t *testing.T, s store.Store, cb *crossbar.Crossbar, q Query, ordered bool) (*PollingDriver, *recorder) {
	t.Helper()
	m := newTestMux(t, ordered)
	d := NewPollingDriver(PollingOptions{
		Query:       q,
		Ordered:     ordered,
		Store:       s,
		Crossbar:    cb,
		Multiplexer: m,
		Interval:    time.Hour,
		Throttle:    time.Millisecond,
	})
	m.SetDriver(d)

	r := newRecorder()
	_, err := m.AddHandleAndSendInitialAdds(context.Background(), r.callbacks(ordered))
	require.NoError(t, err)
	return d, r
}

// write runs fn and fires trig under a fence, then waits for observers.
func write(t *testing.T, cb *crossbar.Crossbar, trig crossbar.Trigger, fn func(ctx context.Context)) {
	t.Helper()
	f := fence.New()
	ctx := fence.WithFence(context.Background(), f)
	w, err := fence.Begin(ctx)
	require.NoError(t, err)
	fn(ctx)
	cb.Fire(ctx, trig)
	w.Committed()

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.ArmAndWait(wctx))
}

func TestPollingInitialResultAndFence(t *testing.T) {
	s := openTasks(t)
	cb := crossbar.New()
	_, r := startPolling(t, s, cb, Query{Collection: "tasks", Selector: document.F("status", "open")}, false)
	assert.ElementsMatch(t, []string{"1", "2"}, r.ids())
	r.reset()

	write(t, cb, crossbar.Trigger{Collection: "tasks", ID: "3"}, func(ctx context.Context) {
		_, err := s.Insert(ctx, "tasks", task("3", 1))
		require.NoError(t, err)
	})
	// the fence fired only after the poll delivered the insert
	assert.Equal(t, []string{"added 3"}, r.log())
}

func TestPollingRepollWithoutWritesIsSilent(t *testing.T) {
	s := openTasks(t)
	cb := crossbar.New()
	d, r := startPolling(t, s, cb, Query{
		Collection: "tasks",
		Selector:   document.F("status", "open"),
		Sort:       document.F("priority", -1),
	}, true)
	r.reset()

	before := d.Polls()
	write(t, cb, crossbar.Trigger{Collection: "tasks"}, func(context.Context) {})
	assert.Greater(t, d.Polls(), before)
	assert.Empty(t, r.log())
}

func TestPollingOrderedScenario(t *testing.T) {
	s := store.NewMemory()
	cb := crossbar.New()
	_, r := startPolling(t, s, cb, Query{
		Collection: "tasks",
		Selector:   document.F("status", "open"),
		Sort:       document.F("priority", -1),
	}, true)

	for _, doc := range []*document.Document{task("1", 5), task("2", 9)} {
		id, _ := doc.ID()
		write(t, cb, crossbar.Trigger{Collection: "tasks", ID: id}, func(ctx context.Context) {
			_, err := s.Insert(ctx, "tasks", doc)
			require.NoError(t, err)
		})
	}
	assert.Equal(t, []string{`addedBefore 1 ""`, `addedBefore 2 "1"`}, r.log())
	assert.Equal(t, []string{"2", "1"}, r.ids())
	r.reset()

	write(t, cb, crossbar.Trigger{Collection: "tasks", ID: "1"}, func(ctx context.Context) {
		_, err := s.Update(ctx, "tasks", document.F("_id", "1"), document.F("$set", document.F("priority", 10)), store.UpdateOptions{})
		require.NoError(t, err)
	})
	assert.Equal(t, []string{`changed 1 {"priority":10}`, `movedBefore 1 "2"`}, r.log())
	assert.Equal(t, []string{"1", "2"}, r.ids())
}

func TestPollingTriggers(t *testing.T) {
	assert.Equal(t, []crossbar.Trigger{{Collection: "tasks"}},
		PollingTriggers(Query{Collection: "tasks", Selector: document.F("status", "open")}))
	assert.Equal(t, []crossbar.Trigger{
		{Collection: "tasks", ID: "a"},
		{Collection: "tasks", ID: "b"},
		{Collection: "tasks", DropCollection: true},
	}, PollingTriggers(Query{
		Collection: "tasks",
		Selector:   document.F("_id", document.F("$in", []any{"a", "b"})),
	}))
}

func TestPollingPinnedQuery(t *testing.T) {
	s := openTasks(t)
	cb := crossbar.New()
	d, r := startPolling(t, s, cb, Query{Collection: "tasks", Selector: document.F("_id", "1")}, false)
	assert.Equal(t, []string{"1"}, r.ids())

	before := d.Polls()
	cb.Fire(context.Background(), crossbar.Trigger{Collection: "other"})
	cb.Fire(context.Background(), crossbar.Trigger{Collection: "other", ID: "1"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, d.Polls())

	write(t, cb, crossbar.Trigger{Collection: "tasks", DropCollection: true}, func(ctx context.Context) {
		require.NoError(t, s.DropCollection(ctx, "tasks"))
	})
	assert.Empty(t, r.ids())
}

func TestPollingInitialFailure(t *testing.T) {
	s := &failingStore{Store: openTasks(t)}
	s.fail.Store(true)

	m := newTestMux(t, false)
	d := NewPollingDriver(PollingOptions{
		Query:       Query{Collection: "tasks"},
		Store:       s,
		Crossbar:    crossbar.New(),
		Multiplexer: m,
		Interval:    time.Hour,
	})
	m.SetDriver(d)

	_, err := m.AddHandleAndSendInitialAdds(context.Background(), newRecorder().callbacks(false))
	assert.ErrorContains(t, err, "store unavailable")
}

func TestPollingRetriesAfterFailure(t *testing.T) {
	fs := &failingStore{Store: openTasks(t)}
	cb := crossbar.New()
	_, r := startPolling(t, fs, cb, Query{Collection: "tasks"}, false)
	r.reset()

	fs.fail.Store(true)
	_, err := fs.Insert(context.Background(), "tasks", task("3", 1))
	require.NoError(t, err)

	f := fence.New()
	ctx := fence.WithFence(context.Background(), f)
	cb.Fire(ctx, crossbar.Trigger{Collection: "tasks"})
	require.NoError(t, f.Arm())
	time.Sleep(30 * time.Millisecond)
	assert.False(t, f.Fired(), "a failed poll keeps its writes pending")

	fs.fail.Store(false)
	cb.Fire(context.Background(), crossbar.Trigger{Collection: "tasks"})
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.Wait(wctx))
	assert.Equal(t, []string{"added 3"}, r.log())
}

func TestPollingStopCommitsPendingWrites(t *testing.T) {
	s := openTasks(t)
	cb := crossbar.New()
	d, _ := startPolling(t, s, cb, Query{Collection: "tasks"}, false)

	d.Stop()
	d.Wait()
	d.Stop()
	assert.Equal(t, 0, cb.ListenerCount())

	f := fence.New()
	d.invalidate(fence.WithFence(context.Background(), f), crossbar.Trigger{Collection: "tasks"})
	require.NoError(t, f.Arm())
	assert.True(t, f.Fired())
}
