package observe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/telemetry"
	"github.com/rs/zerolog/log"
)

// Driver produces the changes of one query for one multiplexer. Stop must be
// idempotent and must not block on the multiplexer.
type Driver interface {
	Stop()
}

// MultiplexerOptions configure a Multiplexer.
type MultiplexerOptions struct {
	ID      string
	Key     string
	Ordered bool
}

// MultiplexerInfo is a point-in-time summary used by the admin surface.
type MultiplexerInfo struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Ordered   bool      `json:"ordered"`
	Ready     bool      `json:"ready"`
	Handles   int64     `json:"handles"`
	Documents int64     `json:"documents"`
	CreatedAt time.Time `json:"created_at"`
}

// Multiplexer fans the output of one driver out to many handles. Every
// state change and every broadcast runs on a single task queue, so all
// handles see the same sequence of events and a handle attaching midway
// receives the current result as adds before any later delta.
type Multiplexer struct {
	id        string
	key       string
	ordered   bool
	createdAt time.Time
	queue     *taskQueue

	// owned by the queue goroutine
	cache      *resultCache
	handles    map[uint64]*Handle
	ready      bool
	failed     bool
	stopped    bool
	afterReady []func()

	readyCh  chan struct{}
	readyErr error

	mu       sync.Mutex
	driver   Driver
	shutdown atomic.Bool

	handleSeq   atomic.Uint64
	handleCount atomic.Int64
	docCount    atomic.Int64
	isReady     atomic.Bool
}

func NewMultiplexer(opts MultiplexerOptions) *Multiplexer {
	m := &Multiplexer{
		id:        opts.ID,
		key:       opts.Key,
		ordered:   opts.Ordered,
		createdAt: time.Now(),
		queue:     newTaskQueue("multiplexer:" + opts.ID),
		cache:     newResultCache(),
		handles:   make(map[uint64]*Handle),
		readyCh:   make(chan struct{}),
	}
	telemetry.MultiplexersActive.Inc()
	log.Debug().Str("multiplexer", m.id).Str("key", m.key).Bool("ordered", m.ordered).Msg("Multiplexer created")
	return m
}

func (m *Multiplexer) ID() string    { return m.id }
func (m *Multiplexer) Key() string   { return m.key }
func (m *Multiplexer) Ordered() bool { return m.ordered }

// SetDriver hands the multiplexer the driver feeding it, so Stop can stop
// it. A driver set after Stop is stopped immediately.
func (m *Multiplexer) SetDriver(d Driver) {
	m.mu.Lock()
	if m.shutdown.Load() {
		m.mu.Unlock()
		d.Stop()
		return
	}
	m.driver = d
	m.mu.Unlock()
}

// AddHandleAndSendInitialAdds attaches callbacks, replays the current result
// to them as adds and waits until the driver delivered its initial result.
// If the driver reports a query error instead, the handle is stopped and the
// error returned. It must not be called from inside a callback of the same
// multiplexer.
func (m *Multiplexer) AddHandleAndSendInitialAdds(ctx context.Context, cb Callbacks) (*Handle, error) {
	h := &Handle{mux: m, id: m.handleSeq.Add(1), callbacks: cb}

	var attachErr error
	if err := m.queue.run(func() {
		if m.stopped {
			attachErr = ErrStopped
			return
		}
		m.handles[h.id] = h
		m.handleCount.Add(1)
		telemetry.ObserveHandlesActive.Inc()
		m.sendAdds(h)
	}); err != nil {
		return nil, err
	}
	if attachErr != nil {
		return nil, attachErr
	}

	select {
	case <-m.readyCh:
		if m.readyErr != nil {
			h.Stop()
			return nil, m.readyErr
		}
		return h, nil
	case <-ctx.Done():
		h.Stop()
		return nil, ctx.Err()
	}
}

func (m *Multiplexer) sendAdds(h *Handle) {
	m.cache.each(func(id string, fields *document.Document) {
		if m.ordered {
			h.addedBefore(id, fields.Clone(), "")
		} else {
			h.added(id, fields.Clone())
		}
	})
}

func (m *Multiplexer) removeHandle(id uint64) {
	m.queue.queue(func() {
		if _, ok := m.handles[id]; !ok {
			return
		}
		delete(m.handles, id)
		m.handleCount.Add(-1)
		telemetry.ObserveHandlesActive.Dec()
	})
}

// Stop detaches every handle, stops the driver and runs pending flush
// callbacks. It does not wait for queued work.
func (m *Multiplexer) Stop() {
	if !m.shutdown.CompareAndSwap(false, true) {
		return
	}
	m.queue.queue(func() {
		m.stopped = true
		telemetry.ObserveHandlesActive.Sub(float64(len(m.handles)))
		m.handleCount.Store(0)
		m.handles = make(map[uint64]*Handle)
		m.cache.clear()
		m.docCount.Store(0)
		if !m.ready && !m.failed {
			m.failed = true
			m.readyErr = ErrStopped
			close(m.readyCh)
		}
		m.runAfterReady()
	})
	m.queue.close()

	m.mu.Lock()
	d := m.driver
	m.driver = nil
	m.mu.Unlock()
	if d != nil {
		d.Stop()
	}
	telemetry.MultiplexersActive.Dec()
	log.Debug().Str("multiplexer", m.id).Msg("Multiplexer stopped")
}

// Stopped reports whether Stop was called.
func (m *Multiplexer) Stopped() bool {
	return m.shutdown.Load()
}

// Ready marks the end of the initial result.
func (m *Multiplexer) Ready() {
	m.queue.queue(func() {
		if m.ready || m.failed {
			log.Error().Err(ErrAlreadyReady).Str("multiplexer", m.id).Msg("Ready called twice")
			return
		}
		m.ready = true
		m.isReady.Store(true)
		close(m.readyCh)
		m.runAfterReady()
	})
}

// QueryError fails every pending attach with err. It is only valid before
// Ready.
func (m *Multiplexer) QueryError(err error) {
	m.queue.queue(func() {
		if m.ready || m.failed {
			log.Error().Err(err).Str("multiplexer", m.id).Msg("Query error after ready")
			return
		}
		m.failed = true
		m.readyErr = err
		close(m.readyCh)
		m.runAfterReady()
	})
}

// OnFlush runs fn after every event queued so far was delivered and the
// multiplexer is ready (or failed, or stopped).
func (m *Multiplexer) OnFlush(fn func()) {
	if !m.queue.queue(func() {
		if m.ready || m.failed || m.stopped {
			fn()
			return
		}
		m.afterReady = append(m.afterReady, fn)
	}) {
		fn()
	}
}

func (m *Multiplexer) runAfterReady() {
	callbacks := m.afterReady
	m.afterReady = nil
	for _, fn := range callbacks {
		fn()
	}
}

func (m *Multiplexer) Added(id string, fields *document.Document) {
	m.AddedBefore(id, fields, "")
}

func (m *Multiplexer) AddedBefore(id string, fields *document.Document, before string) {
	fields = fields.Clone()
	m.queue.queue(func() {
		if m.stopped {
			return
		}
		if m.cache.has(id) {
			log.Error().Str("multiplexer", m.id).Str("id", id).Msg("Driver added a document twice")
			return
		}
		m.cache.addBefore(id, fields, before)
		m.docCount.Add(1)
		for _, h := range m.handles {
			if m.ordered {
				h.addedBefore(id, fields.Clone(), before)
			} else {
				h.added(id, fields.Clone())
			}
		}
	})
}

func (m *Multiplexer) Changed(id string, diff document.FieldDiff) {
	diff = cloneDiff(diff)
	m.queue.queue(func() {
		if m.stopped {
			return
		}
		if !m.cache.change(id, diff) {
			log.Error().Str("multiplexer", m.id).Str("id", id).Msg("Driver changed an unknown document")
			return
		}
		for _, h := range m.handles {
			h.changed(id, cloneDiff(diff))
		}
	})
}

func (m *Multiplexer) MovedBefore(id, before string) {
	m.queue.queue(func() {
		if m.stopped || !m.ordered {
			return
		}
		if !m.cache.moveBefore(id, before) {
			log.Error().Str("multiplexer", m.id).Str("id", id).Msg("Driver moved an unknown document")
			return
		}
		for _, h := range m.handles {
			h.movedBefore(id, before)
		}
	})
}

func (m *Multiplexer) Removed(id string) {
	m.queue.queue(func() {
		if m.stopped {
			return
		}
		if !m.cache.remove(id) {
			log.Error().Str("multiplexer", m.id).Str("id", id).Msg("Driver removed an unknown document")
			return
		}
		m.docCount.Add(-1)
		for _, h := range m.handles {
			h.removed(id)
		}
	})
}

// Info summarizes the multiplexer without touching its queue.
func (m *Multiplexer) Info() MultiplexerInfo {
	return MultiplexerInfo{
		ID:        m.id,
		Key:       m.key,
		Ordered:   m.ordered,
		Ready:     m.isReady.Load(),
		Handles:   m.handleCount.Load(),
		Documents: m.docCount.Load(),
		CreatedAt: m.createdAt,
	}
}

// Documents returns the materialized result in delivery order, each with
// its _id restored.
func (m *Multiplexer) Documents() ([]*document.Document, error) {
	var out []*document.Document
	err := m.queue.run(func() {
		out = make([]*document.Document, 0, m.cache.len())
		m.cache.each(func(id string, fields *document.Document) {
			doc := fields.Clone()
			doc.SetID(id)
			out = append(out, doc)
		})
	})
	return out, err
}

func cloneDiff(diff document.FieldDiff) document.FieldDiff {
	out := document.FieldDiff{Set: diff.Set.Clone()}
	if out.Set == nil {
		out.Set = document.New()
	}
	if len(diff.Unset) > 0 {
		out.Unset = append([]string(nil), diff.Unset...)
	}
	return out
}

// Handle is one subscriber attached to a Multiplexer.
type Handle struct {
	mux       *Multiplexer
	id        uint64
	callbacks Callbacks
	stopped   atomic.Bool
}

func (h *Handle) ID() uint64                { return h.id }
func (h *Handle) Multiplexer() *Multiplexer { return h.mux }

// Stop detaches the handle. It is idempotent and may be called from inside
// a callback; no callback starts after Stop returns.
func (h *Handle) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.mux.removeHandle(h.id)
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	return h.stopped.Load()
}

// deliver runs one callback of h. A panicking callback is logged and does not
// keep the event from the remaining handles.
func (h *Handle) deliver(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("multiplexer", h.mux.id).
				Uint64("handle", h.id).
				Str("event", event).
				Str("panic", fmt.Sprint(r)).
				Msg("Exception in observe callback")
		}
	}()
	fn()
}

func (h *Handle) added(id string, fields *document.Document) {
	if h.stopped.Load() || h.callbacks.Added == nil {
		return
	}
	h.deliver("added", func() { h.callbacks.Added(id, fields) })
}

func (h *Handle) addedBefore(id string, fields *document.Document, before string) {
	if h.stopped.Load() || h.callbacks.AddedBefore == nil {
		return
	}
	h.deliver("addedBefore", func() { h.callbacks.AddedBefore(id, fields, before) })
}

func (h *Handle) changed(id string, diff document.FieldDiff) {
	if h.stopped.Load() || h.callbacks.Changed == nil {
		return
	}
	h.deliver("changed", func() { h.callbacks.Changed(id, diff) })
}

func (h *Handle) movedBefore(id, before string) {
	if h.stopped.Load() || h.callbacks.MovedBefore == nil {
		return
	}
	h.deliver("movedBefore", func() { h.callbacks.MovedBefore(id, before) })
}

func (h *Handle) removed(id string) {
	if h.stopped.Load() || h.callbacks.Removed == nil {
		return
	}
	h.deliver("removed", func() { h.callbacks.Removed(id) })
}
