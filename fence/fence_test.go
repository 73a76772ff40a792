package fence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFenceFiresAfterArmAndCommits(t *testing.T) {
	f := New()
	var fired atomic.Int32
	f.OnAllCommitted(func() { fired.Add(1) })

	w1, err := f.BeginWrite()
	require.NoError(t, err)
	w2, err := f.BeginWrite()
	require.NoError(t, err)

	require.NoError(t, f.Arm())
	assert.False(t, f.Fired())

	w1.Committed()
	w1.Committed()
	assert.False(t, f.Fired())
	assert.Equal(t, 1, f.Outstanding())

	w2.Committed()
	assert.True(t, f.Fired())
	assert.Equal(t, int32(1), fired.Load())

	_, err = f.BeginWrite()
	assert.ErrorIs(t, err, ErrFired)
	assert.ErrorIs(t, f.Arm(), ErrArmed)
}

func TestFenceWithoutWritesFiresOnArm(t *testing.T) {
	f := New()
	require.NoError(t, f.ArmAndWait(context.Background()))

	ran := false
	f.OnAllCommitted(func() { ran = true })
	assert.True(t, ran)
}

func TestFenceWaitHonorsContext(t *testing.T) {
	f := New()
	_, err := f.BeginWrite()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.ArmAndWait(ctx), context.DeadlineExceeded)
}

func TestFenceCommitsFromManyGoroutines(t *testing.T) {
	f := New()
	writes := make([]*Write, 50)
	for i := range writes {
		w, err := f.BeginWrite()
		require.NoError(t, err)
		writes[i] = w
	}
	require.NoError(t, f.Arm())

	var wg sync.WaitGroup
	for _, w := range writes {
		wg.Add(1)
		go func(w *Write) {
			defer wg.Done()
			w.Committed()
		}(w)
	}
	wg.Wait()

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("fence did not fire")
	}
}

func TestBeginWithoutFenceIsNoop(t *testing.T) {
	w, err := Begin(context.Background())
	require.NoError(t, err)
	assert.Nil(t, w)
	w.Committed()
}

func TestBeginUsesContextFence(t *testing.T) {
	f := New()
	ctx := WithFence(context.Background(), f)
	assert.Same(t, f, FromContext(ctx))

	func() {
		w, err := Begin(ctx)
		require.NoError(t, err)
		defer w.Committed()
		assert.Equal(t, 1, f.Outstanding())
	}()
	assert.Equal(t, 0, f.Outstanding())
}

func TestDeferredCommitSurvivesPanic(t *testing.T) {
	f := New()
	ctx := WithFence(context.Background(), f)

	assert.Panics(t, func() {
		w, err := Begin(ctx)
		require.NoError(t, err)
		defer w.Committed()
		panic("write failed")
	})
	require.NoError(t, f.Arm())
	assert.True(t, f.Fired())
}
