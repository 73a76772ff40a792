package observe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedStore struct {
	store.Store
	calls   atomic.Int32
	release chan struct{}
}

func (s *gatedStore) FindOne(ctx context.Context, collection, id string) (*document.Document, error) {
	s.calls.Add(1)
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.FindOne(ctx, collection, id)
}

func TestDocFetcherSharesInflightReads(t *testing.T) {
	s := &gatedStore{Store: openTasks(t), release: make(chan struct{})}
	f := NewDocFetcher(s)

	const readers = 8
	var wg sync.WaitGroup
	var started atomic.Int32
	results := make([]*document.Document, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Add(1)
			doc, err := f.Fetch(context.Background(), "tasks", "1", 42)
			assert.NoError(t, err)
			results[i] = doc
		}(i)
	}

	require.Eventually(t, func() bool {
		return started.Load() == readers && f.Inflight() == 1 && s.calls.Load() == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(s.release)
	wg.Wait()

	assert.Equal(t, int32(1), s.calls.Load())
	assert.Equal(t, 0, f.Inflight())
	for _, doc := range results {
		require.NotNil(t, doc)
		assert.True(t, document.Equal(task("1", 5), doc))
	}
	// callers own their copies
	results[0].Set("priority", document.Int(0))
	assert.True(t, document.Equal(task("1", 5), results[1]))
}

func TestDocFetcherMissingDocument(t *testing.T) {
	f := NewDocFetcher(openTasks(t))
	doc, err := f.Fetch(context.Background(), "tasks", "nope", 1)
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc, err = f.Fetch(context.Background(), "tasks", "2", 1)
	require.NoError(t, err)
	assert.True(t, document.Equal(task("2", 9), doc))
}

func TestDocFetcherIssuerCancelDoesNotFailSharedReaders(t *testing.T) {
	s := &gatedStore{Store: openTasks(t), release: make(chan struct{})}
	f := NewDocFetcher(s)

	issuerCtx, cancelIssuer := context.WithCancel(context.Background())
	issued := make(chan error, 1)
	go func() {
		_, err := f.Fetch(issuerCtx, "tasks", "1", 7)
		issued <- err
	}()
	require.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		doc *document.Document
		err error
	}
	shared := make(chan result, 1)
	go func() {
		doc, err := f.Fetch(context.Background(), "tasks", "1", 7)
		shared <- result{doc, err}
	}()

	// a waiter gives up on its own deadline without affecting the read
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelWait()
	_, err := f.Fetch(waitCtx, "tasks", "1", 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelIssuer()
	close(s.release)

	select {
	case r := <-shared:
		require.NoError(t, r.err)
		assert.True(t, document.Equal(task("1", 5), r.doc))
	case <-time.After(5 * time.Second):
		t.Fatal("shared fetch did not complete")
	}
	assert.NoError(t, <-issued)
	assert.Equal(t, int32(1), s.calls.Load())
}
