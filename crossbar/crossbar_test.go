package crossbar

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerMatching(t *testing.T) {
	wide := Trigger{Collection: "items"}
	one := Trigger{Collection: "items", ID: "1"}
	two := Trigger{Collection: "items", ID: "2"}
	drop := Trigger{Collection: "items", DropCollection: true}
	other := Trigger{Collection: "other"}

	assert.True(t, wide.Matches(one))
	assert.True(t, one.Matches(wide))
	assert.True(t, one.Matches(one))
	assert.False(t, one.Matches(two))
	assert.True(t, one.Matches(drop))
	assert.True(t, drop.Matches(two))
	assert.False(t, wide.Matches(other))
	assert.True(t, wide.CollectionWide())
	assert.False(t, one.CollectionWide())
}

func TestFireReachesMatchingListeners(t *testing.T) {
	c := New()
	var got []string
	record := func(name string) Callback {
		return func(_ context.Context, n Trigger) {
			got = append(got, name+":"+n.String())
		}
	}
	c.Listen(Trigger{Collection: "items", ID: "1"}, record("one"))
	c.Listen(Trigger{Collection: "items", ID: "2"}, record("two"))
	c.Listen(Trigger{Collection: "other"}, record("other"))

	c.Fire(context.Background(), Trigger{Collection: "items", ID: "1"})
	assert.Equal(t, []string{"one:items[1]"}, got)

	got = nil
	c.Fire(context.Background(), Trigger{Collection: "items", DropCollection: true})
	assert.ElementsMatch(t, []string{"one:items[drop]", "two:items[drop]"}, got)
	assert.Equal(t, uint64(2), c.Fired())
}

func TestFirePassesContext(t *testing.T) {
	type key struct{}
	c := New()
	var seen any
	c.Listen(Trigger{Collection: "items"}, func(ctx context.Context, _ Trigger) {
		seen = ctx.Value(key{})
	})
	c.Fire(context.WithValue(context.Background(), key{}, "fence"), Trigger{Collection: "items", ID: "x"})
	assert.Equal(t, "fence", seen)
}

func TestStopRemovesListener(t *testing.T) {
	c := New()
	calls := 0
	l := c.Listen(Trigger{Collection: "items"}, func(context.Context, Trigger) { calls++ })
	assert.Equal(t, 1, c.ListenerCount())

	l.Stop()
	l.Stop()
	assert.Equal(t, 0, c.ListenerCount())

	c.Fire(context.Background(), Trigger{Collection: "items"})
	assert.Equal(t, 0, calls)
}

func TestListenerMayStopItselfDuringFire(t *testing.T) {
	c := New()
	calls := 0
	var l *Listener
	l = c.Listen(Trigger{Collection: "items"}, func(context.Context, Trigger) {
		calls++
		l.Stop()
	})
	c.Fire(context.Background(), Trigger{Collection: "items"})
	c.Fire(context.Background(), Trigger{Collection: "items"})
	assert.Equal(t, 1, calls)
}

func TestConcurrentListenAndFire(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l := c.Listen(Trigger{Collection: "items"}, func(context.Context, Trigger) {})
			l.Stop()
		}()
		go func() {
			defer wg.Done()
			c.Fire(context.Background(), Trigger{Collection: "items"})
		}()
	}
	wg.Wait()
	require.Equal(t, 0, c.ListenerCount())
}

func TestOnFireHookRemoval(t *testing.T) {
	c := New()
	seen := 0
	remove := c.OnFire(func(context.Context, Trigger) { seen++ })
	c.Fire(context.Background(), Trigger{Collection: "items"})
	remove()
	c.Fire(context.Background(), Trigger{Collection: "items"})
	assert.Equal(t, 1, seen)
}
