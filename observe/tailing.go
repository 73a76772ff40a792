package observe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livedata/crossbar"
	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/fence"
	"github.com/maxpert/livedata/oplog"
	"github.com/maxpert/livedata/query"
	"github.com/maxpert/livedata/store"
	"github.com/maxpert/livedata/telemetry"
	"github.com/rs/zerolog/log"
)

var errCorruptEntry = errors.New("malformed change log entry")

// TailingOptions configure a TailingDriver.
type TailingOptions struct {
	Query        Query
	Matcher      *query.Matcher
	Store        store.Store
	Log          *oplog.Log
	Fetcher      *DocFetcher
	Crossbar     *crossbar.Crossbar
	Multiplexer  *Multiplexer
	BatchSize    int
	PollInterval time.Duration
}

type fenceWaiter struct {
	target uint64
	write  *fence.Write
}

// TailingDriver serves an unordered query from the change log. It loads the
// initial result, then re-evaluates every logged write to its collection
// against the matcher. Malformed entries and trimmed gaps are recovered by
// re-querying the store and diffing.
type TailingDriver struct {
	opts       TailingOptions
	projection *query.Projection
	listener   *crossbar.Listener

	// owned by the loading goroutine, then by the tailer goroutine
	published map[string]*document.Document

	mu            sync.Mutex
	tailer        *oplog.Tailer
	applied       uint64
	loaded        bool
	resyncPending bool
	waiters       []fenceWaiter
	stopped       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTailingDriver starts loading the initial result in the background. It
// fails only when the query cannot be tailed; callers fall back to polling.
func NewTailingDriver(opts TailingOptions) (*TailingDriver, error) {
	if opts.Log == nil || opts.Matcher == nil {
		return nil, &query.UnsupportedQueryError{Reason: "tailing needs a change log and a matcher"}
	}
	projection, err := query.CompileProjection(opts.Query.Fields)
	if err != nil {
		return nil, asUnsupported(err)
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewDocFetcher(opts.Store)
	}

	d := &TailingDriver{
		opts:       opts,
		projection: projection,
		published:  make(map[string]*document.Document),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.listener = opts.Crossbar.Listen(crossbar.Trigger{Collection: opts.Query.Collection}, d.invalidate)
	telemetry.DriversCreatedTotal.With("tailing").Inc()

	go d.start()
	return d, nil
}

func (d *TailingDriver) start() {
	mux := d.opts.Multiplexer
	startSeq := d.opts.Log.LastSeq()
	docs, err := d.opts.Query.run(d.ctx, d.opts.Store)
	if err != nil {
		if !d.stopped.Load() {
			log.Error().Err(err).Str("collection", d.opts.Query.Collection).Msg("Initial query failed")
			mux.QueryError(err)
		}
		return
	}
	for _, doc := range docs {
		id, _ := doc.ID()
		d.published[id] = doc
		mux.Added(id, fieldsOf(doc))
	}
	mux.Ready()

	tailer, err := oplog.NewTailer(oplog.TailerConfig{
		Name:         "observe:" + mux.ID(),
		Log:          d.opts.Log,
		Collection:   d.opts.Query.Collection,
		From:         startSeq,
		BatchSize:    d.opts.BatchSize,
		PollInterval: d.opts.PollInterval,
		Apply:        d.apply,
		Resync:       d.resync,
	})
	if err != nil {
		log.Error().Err(err).Str("collection", d.opts.Query.Collection).Msg("Unable to create tailer")
		return
	}

	d.mu.Lock()
	if d.stopped.Load() {
		d.mu.Unlock()
		return
	}
	d.tailer = tailer
	d.loaded = true
	if d.resyncPending {
		d.resyncPending = false
		tailer.RequestResync()
	}
	d.mu.Unlock()

	d.advance(startSeq)
	tailer.Start()
}

func (d *TailingDriver) invalidate(ctx context.Context, t crossbar.Trigger) {
	if crossbar.IsRemote(ctx) {
		d.requestResync(t)
		return
	}
	w, err := fence.Begin(ctx)
	if err != nil {
		log.Warn().Err(err).Str("collection", d.opts.Query.Collection).Msg("Invalidation after fence fired")
	}
	if w == nil {
		return
	}
	target := d.opts.Log.LastSeq()

	d.mu.Lock()
	if d.stopped.Load() || (d.loaded && d.applied >= target) {
		d.mu.Unlock()
		d.opts.Multiplexer.OnFlush(w.Committed)
		return
	}
	d.waiters = append(d.waiters, fenceWaiter{target: target, write: w})
	d.mu.Unlock()
}

// requestResync re-queries the store on the tailer goroutine. Writes of other
// processes reach the crossbar through the bridge but never the local log.
func (d *TailingDriver) requestResync(t crossbar.Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		return
	}
	log.Debug().Str("collection", d.opts.Query.Collection).Str("trigger", t.String()).Msg("Remote invalidation, resyncing")
	if d.tailer == nil {
		d.resyncPending = true
		return
	}
	d.tailer.RequestResync()
}

// advance records that every entry up to seq was delivered and commits the
// writes waiting for it once the multiplexer flushed.
func (d *TailingDriver) advance(seq uint64) {
	d.mu.Lock()
	if seq > d.applied {
		d.applied = seq
	}
	var done []*fence.Write
	keep := d.waiters[:0]
	for _, w := range d.waiters {
		if w.target <= d.applied {
			done = append(done, w.write)
		} else {
			keep = append(keep, w)
		}
	}
	d.waiters = keep
	d.mu.Unlock()

	if len(done) > 0 {
		d.opts.Multiplexer.OnFlush(func() { commitAll(done) })
	}
}

func (d *TailingDriver) apply(entries []*oplog.Entry, upTo uint64) error {
	// entries up to covered are already reflected by a resync
	var covered uint64
	for _, e := range entries {
		if d.stopped.Load() {
			return nil
		}
		if e.Seq <= covered {
			continue
		}
		if e.Corrupt {
			fault := &DriverFaultError{Seq: e.Seq, Err: errCorruptEntry}
			telemetry.DriverFaultsTotal.Inc()
			log.Error().Err(fault).Str("collection", d.opts.Query.Collection).Msg("Re-syncing tailing driver")
			seq, err := d.resync()
			if err != nil {
				return err
			}
			covered = seq
			continue
		}
		if err := d.applyEntry(e); err != nil {
			return err
		}
		telemetry.OplogEntriesProcessed.Inc()
	}
	d.advance(upTo)
	return nil
}

func (d *TailingDriver) applyEntry(e *oplog.Entry) error {
	switch e.Op {
	case oplog.OpInsert, oplog.OpUpdate:
		doc := e.Doc
		if doc == nil {
			var err error
			doc, err = d.opts.Fetcher.Fetch(d.ctx, e.Collection, e.ID, e.Seq)
			if err != nil {
				return fmt.Errorf("fetch %s/%s: %w", e.Collection, e.ID, err)
			}
		}
		d.handleDoc(e.ID, doc)
	case oplog.OpRemove:
		d.handleDoc(e.ID, nil)
	case oplog.OpDrop:
		for _, id := range d.publishedIDs() {
			delete(d.published, id)
			d.opts.Multiplexer.Removed(id)
		}
	}
	return nil
}

// handleDoc publishes, changes or unpublishes id given its current state;
// doc is nil when the document is gone.
func (d *TailingDriver) handleDoc(id string, doc *document.Document) {
	mux := d.opts.Multiplexer
	prev, published := d.published[id]
	if doc != nil && d.opts.Matcher.Matches(doc) {
		projected := d.projection.Apply(doc)
		if published {
			if diff := document.DiffFields(prev, projected); !diff.Empty() {
				mux.Changed(id, diff)
			}
		} else {
			mux.Added(id, fieldsOf(projected))
		}
		d.published[id] = projected
		return
	}
	if published {
		delete(d.published, id)
		mux.Removed(id)
	}
}

// resync re-queries the store and diffs the result against what was
// published. It returns the log position the new result covers.
func (d *TailingDriver) resync() (uint64, error) {
	seq := d.opts.Log.LastSeq()
	docs, err := d.opts.Query.run(d.ctx, d.opts.Store)
	if err != nil {
		return 0, err
	}

	ids := d.publishedIDs()
	old := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		old = append(old, d.published[id])
	}
	DiffUnordered(old, docs, d.opts.Multiplexer)

	d.published = make(map[string]*document.Document, len(docs))
	for _, doc := range docs {
		id, _ := doc.ID()
		d.published[id] = doc
	}
	telemetry.ResyncsTotal.Inc()
	d.advance(seq)
	return seq, nil
}

func (d *TailingDriver) publishedIDs() []string {
	ids := make([]string, 0, len(d.published))
	for id := range d.published {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Position returns the last change log position delivered to the
// multiplexer.
func (d *TailingDriver) Position() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

// Stop halts tailing and commits every waiting write.
func (d *TailingDriver) Stop() {
	d.mu.Lock()
	if d.stopped.Load() {
		d.mu.Unlock()
		return
	}
	d.stopped.Store(true)
	tailer := d.tailer
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	d.listener.Stop()
	d.cancel()
	if tailer != nil {
		tailer.Stop()
	}
	for _, w := range waiters {
		w.write.Committed()
	}
}
