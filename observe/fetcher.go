package observe

import (
	"context"
	"fmt"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/store"
	"github.com/maxpert/livedata/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// DocFetcher loads current documents for change log entries that carry a
// modifier instead of the document. Concurrent fetches for the same entry
// share one store read.
type DocFetcher struct {
	store    store.Store
	inflight *xsync.MapOf[string, *future.Future[*document.Document]]
}

func NewDocFetcher(s store.Store) *DocFetcher {
	return &DocFetcher{
		store:    s,
		inflight: xsync.NewMapOf[string, *future.Future[*document.Document]](),
	}
}

// Fetch returns the document with id as of at least log position seq, or
// nil when it no longer exists. Callers own the returned document.
func (f *DocFetcher) Fetch(ctx context.Context, collection, id string, seq uint64) (*document.Document, error) {
	key := fmt.Sprintf("%s\x00%s\x00%d", collection, id, seq)

	var promise *future.Promise[*document.Document]
	fut, loaded := f.inflight.LoadOrCompute(key, func() *future.Future[*document.Document] {
		promise = future.NewPromise[*document.Document]()
		return promise.Future()
	})

	if !loaded {
		telemetry.DocFetchesTotal.With("issued").Inc()
		// other callers share this read, so it outlives the issuer's cancellation
		doc, err := f.store.FindOne(context.WithoutCancel(ctx), collection, id)
		promise.Set(doc, err)
		f.inflight.Delete(key)
	} else {
		telemetry.DocFetchesTotal.With("shared").Inc()
		done := make(chan struct{})
		fut.Subscribe(func(*document.Document, error) { close(done) })
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	doc, err := fut.Get()
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// Inflight reports the number of fetches currently running.
func (f *DocFetcher) Inflight() int {
	return f.inflight.Size()
}
