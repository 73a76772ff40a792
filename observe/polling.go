package observe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livedata/crossbar"
	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/fence"
	"github.com/maxpert/livedata/query"
	"github.com/maxpert/livedata/store"
	"github.com/maxpert/livedata/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPollingInterval is the re-poll period without invalidations.
	DefaultPollingInterval = 10 * time.Second
	// DefaultPollingThrottle is the minimum gap between two polls.
	DefaultPollingThrottle = 50 * time.Millisecond
)

// PollingOptions configure a PollingDriver.
type PollingOptions struct {
	Query       Query
	Ordered     bool
	Store       store.Store
	Crossbar    *crossbar.Crossbar
	Multiplexer *Multiplexer
	Interval    time.Duration
	Throttle    time.Duration
}

// PollingDriver re-runs its query whenever a matching invalidation fires,
// and periodically as a fallback, diffing each result against the previous
// one. Writes that invalidated the query are committed on their fence once
// the poll that saw them has been delivered.
type PollingDriver struct {
	opts      PollingOptions
	listeners []*crossbar.Listener

	mu            sync.Mutex
	pendingWrites []*fence.Write
	stopped       atomic.Bool

	results []*document.Document
	polls   atomic.Uint64

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPollingDriver registers the driver's triggers and schedules the first
// poll.
func NewPollingDriver(opts PollingOptions) *PollingDriver {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollingInterval
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultPollingThrottle
	}

	d := &PollingDriver{
		opts:   opts,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for _, t := range PollingTriggers(opts.Query) {
		d.listeners = append(d.listeners, opts.Crossbar.Listen(t, d.invalidate))
	}
	telemetry.DriversCreatedTotal.With("polling").Inc()

	d.wake <- struct{}{}
	go d.loop()
	return d
}

// PollingTriggers returns the invalidations a polling query listens to: one
// per pinned id plus the collection drop, or the whole collection.
func PollingTriggers(q Query) []crossbar.Trigger {
	ids := query.IdsMatchedBySelector(q.Selector)
	if ids == nil {
		return []crossbar.Trigger{{Collection: q.Collection}}
	}
	triggers := make([]crossbar.Trigger, 0, len(ids)+1)
	for _, id := range ids {
		triggers = append(triggers, crossbar.Trigger{Collection: q.Collection, ID: id})
	}
	return append(triggers, crossbar.Trigger{Collection: q.Collection, DropCollection: true})
}

func (d *PollingDriver) invalidate(ctx context.Context, _ crossbar.Trigger) {
	w, err := fence.Begin(ctx)
	if err != nil {
		log.Warn().Err(err).Str("collection", d.opts.Query.Collection).Msg("Invalidation after fence fired")
	}
	if w != nil {
		d.mu.Lock()
		if d.stopped.Load() {
			d.mu.Unlock()
			w.Committed()
			return
		}
		d.pendingWrites = append(d.pendingWrites, w)
		d.mu.Unlock()
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *PollingDriver) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	first := true
	var last time.Time
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-ticker.C:
		}

		if wait := d.opts.Throttle - time.Since(last); !first && wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-d.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		last = time.Now()
		d.poll(first)
		first = false
	}
}

func (d *PollingDriver) poll(first bool) {
	d.mu.Lock()
	writes := d.pendingWrites
	d.pendingWrites = nil
	d.mu.Unlock()

	mux := d.opts.Multiplexer
	start := time.Now()
	docs, err := d.opts.Query.run(d.ctx, d.opts.Store)
	d.polls.Add(1)
	if err != nil {
		telemetry.PollsTotal.With("failed").Inc()
		if d.stopped.Load() {
			commitAll(writes)
			return
		}
		if first {
			log.Error().Err(err).Str("collection", d.opts.Query.Collection).Msg("Initial poll failed")
			mux.QueryError(err)
			mux.OnFlush(func() { commitAll(writes) })
			return
		}
		log.Error().Err(err).Str("collection", d.opts.Query.Collection).Msg("Exception while polling query")
		d.mu.Lock()
		d.pendingWrites = append(writes, d.pendingWrites...)
		d.mu.Unlock()
		return
	}

	if !d.stopped.Load() {
		Diff(d.opts.Ordered, d.results, docs, mux)
		if first {
			mux.Ready()
		}
		d.results = docs
	}
	mux.OnFlush(func() { commitAll(writes) })

	telemetry.PollsTotal.With("success").Inc()
	telemetry.PollDurationSeconds.Observe(time.Since(start).Seconds())
}

// Polls returns the number of polls run so far.
func (d *PollingDriver) Polls() uint64 {
	return d.polls.Load()
}

// Stop releases the triggers and commits every pending write.
func (d *PollingDriver) Stop() {
	d.mu.Lock()
	if d.stopped.Load() {
		d.mu.Unlock()
		return
	}
	d.stopped.Store(true)
	writes := d.pendingWrites
	d.pendingWrites = nil
	d.mu.Unlock()

	for _, l := range d.listeners {
		l.Stop()
	}
	close(d.stopCh)
	d.cancel()
	commitAll(writes)
}

// Wait blocks until the polling goroutine exited after Stop.
func (d *PollingDriver) Wait() {
	<-d.done
}

func commitAll(writes []*fence.Write) {
	for _, w := range writes {
		w.Committed()
	}
}
