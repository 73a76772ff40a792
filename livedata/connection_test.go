package livedata

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/observe"
	"github.com/maxpert/livedata/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var openTasks = CursorDescription{Collection: "tasks", Selector: document.F("status", "open")}

func TestObserveChangesDedupesDrivers(t *testing.T) {
	env := newEnv(t, false, nil)
	ctx := context.Background()

	r1, r2, r3 := newRecorder(), newRecorder(), newRecorder()
	h1, err := env.conn.ObserveChanges(ctx, openTasks, false, r1.callbacks(false))
	require.NoError(t, err)
	same := CursorDescription{Collection: "tasks", Selector: document.MustParse(`{"status":"open"}`)}
	h2, err := env.conn.ObserveChanges(ctx, same, false, r2.callbacks(false))
	require.NoError(t, err)
	h3, err := env.conn.ObserveChanges(ctx, openTasks, true, r3.callbacks(true))
	require.NoError(t, err)

	assert.Equal(t, h1.MultiplexerID(), h2.MultiplexerID())
	assert.NotEqual(t, h1.MultiplexerID(), h3.MultiplexerID())
	assert.Equal(t, []string{DriverPolling, DriverPolling}, env.driverKinds())
	assert.Len(t, env.conn.Multiplexers(), 2)

	h1.Stop()
	h1.Stop()
	assert.Len(t, env.conn.Multiplexers(), 2)
	h2.Stop()
	h3.Stop()
	assert.Empty(t, env.conn.Multiplexers())

	// a fresh subscription after teardown builds a new driver
	h4, err := env.conn.ObserveChanges(ctx, openTasks, false, newRecorder().callbacks(false))
	require.NoError(t, err)
	defer h4.Stop()
	assert.Len(t, env.driverKinds(), 3)
}

func TestObserveChangesAttachMidStream(t *testing.T) {
	env := newEnv(t, false, nil)
	ctx := context.Background()

	early := newRecorder()
	h, err := env.conn.ObserveChanges(ctx, openTasks, false, early.callbacks(false))
	require.NoError(t, err)
	defer h.Stop()

	for i := 0; i < 5; i++ {
		_, err := env.conn.Insert(ctx, "tasks", task(fmt.Sprint(i), i))
		require.NoError(t, err)
	}
	env.settle(t, func(ctx context.Context) error {
		_, err := env.conn.Insert(ctx, "tasks", task("5", 5))
		return err
	})

	late := newRecorder()
	h2, err := env.conn.ObserveChanges(ctx, openTasks, false, late.callbacks(false))
	require.NoError(t, err)
	defer h2.Stop()
	assert.ElementsMatch(t, early.order(), late.order())
	assert.Len(t, late.log(), 6)

	early.reset()
	late.reset()
	env.settle(t, func(ctx context.Context) error {
		if _, err := env.conn.Update(ctx, "tasks", document.F("_id", "2"), document.MustParse(`{"$set":{"priority":20}}`), UpdateOptions{}); err != nil {
			return err
		}
		_, err := env.conn.Remove(ctx, "tasks", document.F("_id", "3"))
		return err
	})
	assert.Equal(t, early.log(), late.log())
	assert.Equal(t, []string{`changed 2 {"priority":20}`, "removed 3"}, late.log())
}

func TestObserveChangesProtocolMisuse(t *testing.T) {
	env := newEnv(t, false, nil)
	ctx := context.Background()
	noop := func(string, *document.Document) {}

	_, err := env.conn.ObserveChanges(ctx, openTasks, true, observe.Callbacks{Added: noop})
	assert.ErrorIs(t, err, observe.ErrProtocolMisuse)
	_, err = env.conn.ObserveChanges(ctx, openTasks, false, observe.Callbacks{Removed: func(string) {}})
	assert.ErrorIs(t, err, observe.ErrProtocolMisuse)

	noID := openTasks
	noID.Options.Fields = document.F("_id", 0)
	_, err = env.conn.ObserveChanges(ctx, noID, false, observe.Callbacks{Added: noop})
	assert.ErrorIs(t, err, observe.ErrProtocolMisuse)

	assert.Empty(t, env.driverKinds())
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Find(context.Context, string, *document.Document, store.FindOptions) ([]*document.Document, error) {
	return nil, errors.New("disk on fire")
}

func TestObserveChangesQueryError(t *testing.T) {
	env := newEnv(t, false, brokenStore{Store: store.NewMemory()})
	_, err := env.conn.ObserveChanges(context.Background(), openTasks, false, newRecorder().callbacks(false))
	assert.ErrorContains(t, err, "disk on fire")
	assert.Empty(t, env.conn.Multiplexers())
}

func TestObserveChangesPicksTailing(t *testing.T) {
	env := newEnv(t, true, nil)
	ctx := context.Background()

	h, err := env.conn.ObserveChanges(ctx, openTasks, false, newRecorder().callbacks(false))
	require.NoError(t, err)
	defer h.Stop()

	// ordered, limited and $where queries poll
	h2, err := env.conn.ObserveChanges(ctx, openTasks, true, newRecorder().callbacks(true))
	require.NoError(t, err)
	defer h2.Stop()
	limited := openTasks
	limited.Options.Limit = 2
	h3, err := env.conn.ObserveChanges(ctx, limited, false, newRecorder().callbacks(false))
	require.NoError(t, err)
	defer h3.Stop()
	where := CursorDescription{Collection: "tasks", Selector: document.F("$where", "priority > 2")}
	h4, err := env.conn.ObserveChanges(ctx, where, false, newRecorder().callbacks(false))
	require.NoError(t, err)
	defer h4.Stop()

	assert.Equal(t, []string{DriverTailing, DriverPolling, DriverPolling, DriverPolling}, env.driverKinds())
	kinds := map[string]int{}
	for _, info := range env.conn.Multiplexers() {
		kinds[info.Driver]++
	}
	assert.Equal(t, map[string]int{DriverTailing: 1, DriverPolling: 3}, kinds)
}

func TestObserveChangesOrderedScenario(t *testing.T) {
	env := newEnv(t, false, nil)
	ctx := context.Background()
	desc := openTasks
	desc.Options.Sort = document.F("priority", -1)

	r := newRecorder()
	h, err := env.conn.Find(desc.Collection, desc.Selector, desc.Options).ObserveChanges(ctx, r.callbacks(true))
	require.NoError(t, err)
	defer h.Stop()

	env.settle(t, func(ctx context.Context) error {
		if _, err := env.conn.Insert(ctx, "tasks", task("1", 5)); err != nil {
			return err
		}
		_, err := env.conn.Insert(ctx, "tasks", task("2", 9))
		return err
	})
	assert.Equal(t, []string{"2", "1"}, r.order())
	r.reset()

	env.settle(t, func(ctx context.Context) error {
		_, err := env.conn.Update(ctx, "tasks", document.F("_id", "1"), document.MustParse(`{"$set":{"priority":10}}`), UpdateOptions{})
		return err
	})
	assert.Equal(t, []string{`changed 1 {"priority":10}`, `movedBefore 1 "2"`}, r.log())
	assert.Equal(t, []string{"1", "2"}, r.order())
}

func TestPollingAndTailingConverge(t *testing.T) {
	env := newEnv(t, true, nil)
	ctx := context.Background()
	desc := CursorDescription{Collection: "tasks", Selector: document.MustParse(`{"priority":{"$gte":3}}`)}

	tailed := newRecorder()
	h, err := env.conn.ObserveChanges(ctx, desc, false, tailed.callbacks(false))
	require.NoError(t, err)
	defer h.Stop()

	sorted := desc
	sorted.Options.Sort = document.F("priority", 1)
	polled := newRecorder()
	h2, err := env.conn.ObserveChanges(ctx, sorted, true, polled.callbacks(true))
	require.NoError(t, err)
	defer h2.Stop()
	require.Equal(t, []string{DriverTailing, DriverPolling}, env.driverKinds())

	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 60; i++ {
		id := fmt.Sprint(rnd.Intn(8))
		env.settle(t, func(ctx context.Context) error {
			var err error
			switch rnd.Intn(4) {
			case 0:
				_, err = env.conn.Insert(ctx, "tasks", task(id, rnd.Intn(6)))
				if errors.Is(err, store.ErrDuplicateKey) {
					err = nil
				}
			case 1:
				_, err = env.conn.Update(ctx, "tasks", document.F("_id", id),
					document.F("$inc", document.F("priority", rnd.Intn(5)-2)), UpdateOptions{})
			case 2:
				_, err = env.conn.Remove(ctx, "tasks", document.F("_id", id))
			case 3:
				_, err = env.conn.Upsert(ctx, "tasks", document.F("_id", id),
					document.F("$set", document.F("priority", rnd.Intn(6))), UpdateOptions{})
			}
			return err
		})

		want, err := env.conn.Find("tasks", desc.Selector, CursorOptions{Sort: document.F("_id", 1)}).Fetch(ctx)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return sameDocs(want, tailed.result())
		}, 2*time.Second, 5*time.Millisecond, "step %d", i)
		require.True(t, sameDocs(want, polled.result()), "step %d", i)

		byPriority, err := env.conn.Find("tasks", sorted.Selector, sorted.Options).Fetch(ctx)
		require.NoError(t, err)
		require.Equal(t, ids(byPriority), polled.order(), "step %d", i)
	}
}

func sameDocs(a, b []*document.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !document.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func TestConnectionClose(t *testing.T) {
	env := newEnv(t, false, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			desc := CursorDescription{Collection: "tasks", Selector: document.F("priority", i)}
			_, err := env.conn.ObserveChanges(ctx, desc, false, newRecorder().callbacks(false))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, env.conn.Multiplexers(), 3)

	require.NoError(t, env.conn.Close())
	require.NoError(t, env.conn.Close())
	assert.Empty(t, env.conn.Multiplexers())
	_, err := env.conn.ObserveChanges(ctx, openTasks, false, newRecorder().callbacks(false))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = env.conn.Insert(ctx, "tasks", task("1", 1))
	assert.ErrorIs(t, err, ErrClosed)
}
