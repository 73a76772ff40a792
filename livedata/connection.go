// Package livedata ties a document store, the change log and the
// invalidation crossbar into live queries: cursors that can be fetched once
// or observed for changes, and writes whose observers can be waited on.
package livedata

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/livedata/crossbar"
	"github.com/maxpert/livedata/id"
	"github.com/maxpert/livedata/observe"
	"github.com/maxpert/livedata/oplog"
	"github.com/maxpert/livedata/query"
	"github.com/maxpert/livedata/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultUpsertMaxTries bounds optimistic upsert attempts.
const DefaultUpsertMaxTries = 3

// Driver kinds reported by DriverInfo.
const (
	DriverPolling = "polling"
	DriverTailing = "tailing"
)

// DriverInfo describes a driver created for a new dedup key.
type DriverInfo struct {
	Key           string
	Kind          string
	MultiplexerID string
}

// Options configure a Connection.
type Options struct {
	// Log enables tailing drivers for the collections it covers.
	Log *oplog.Log
	// Crossbar defaults to a private crossbar.
	Crossbar *crossbar.Crossbar
	// IDs generates ids of inserted and upserted documents; ULIDs by default.
	IDs id.Generator

	PollingInterval  time.Duration
	PollingThrottle  time.Duration
	TailBatchSize    int
	TailPollInterval time.Duration
	UpsertMaxTries   int

	// OnDriverCreated is called once per driver instantiation.
	OnDriverCreated func(DriverInfo)
}

type muxEntry struct {
	mux  *observe.Multiplexer
	refs int
	kind atomic.Value
}

// ObserverInfo describes a live multiplexer.
type ObserverInfo struct {
	observe.MultiplexerInfo
	Driver string `json:"driver"`
}

// Connection serves cursors and writes against one store.
type Connection struct {
	store    store.Store
	opts     Options
	crossbar *crossbar.Crossbar
	ids      id.Generator
	matchers *query.Cache
	fetcher  *observe.DocFetcher

	muxes  *xsync.MapOf[string, *muxEntry]
	locks  *xsync.MapOf[string, *sync.Mutex]
	muxSeq atomic.Uint64
	closed atomic.Bool
}

// New creates a connection over s.
func New(s store.Store, opts Options) (*Connection, error) {
	if opts.Crossbar == nil {
		opts.Crossbar = crossbar.New()
	}
	if opts.IDs == nil {
		opts.IDs = id.NewULIDGenerator()
	}
	if opts.UpsertMaxTries <= 0 {
		opts.UpsertMaxTries = DefaultUpsertMaxTries
	}
	matchers, err := query.NewCache(query.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	return &Connection{
		store:    s,
		opts:     opts,
		crossbar: opts.Crossbar,
		ids:      opts.IDs,
		matchers: matchers,
		fetcher:  observe.NewDocFetcher(s),
		muxes:    xsync.NewMapOf[string, *muxEntry](),
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
	}, nil
}

// Crossbar returns the crossbar writes are published to.
func (c *Connection) Crossbar() *crossbar.Crossbar {
	return c.crossbar
}

// Store returns the underlying store.
func (c *Connection) Store() store.Store {
	return c.store
}

// ObserveHandle is a live subscription. Stop is idempotent and safe to call
// from inside its callbacks.
type ObserveHandle struct {
	muxID string
	once  sync.Once
	stop  func()
}

func (h *ObserveHandle) Stop() {
	h.once.Do(h.stop)
}

// MultiplexerID identifies the shared multiplexer; empty for tailable
// cursors.
func (h *ObserveHandle) MultiplexerID() string {
	return h.muxID
}

// ObserveChanges subscribes cb to the result of desc. It returns once cb
// received the initial result. Subscriptions with equal descriptions and
// ordering share one driver.
func (c *Connection) ObserveChanges(ctx context.Context, desc CursorDescription, ordered bool, cb observe.Callbacks) (*ObserveHandle, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := cb.Validate(ordered); err != nil {
		return nil, err
	}
	if desc.Options.Tailable {
		return c.observeTailable(ctx, desc, ordered, cb)
	}
	if p, err := query.CompileProjection(desc.Options.Fields); err != nil {
		return nil, err
	} else if p.ExcludesID() {
		return nil, &observe.ProtocolMisuseError{Reason: "cannot observe a cursor that excludes _id"}
	}

	key := desc.Key(ordered)
	entry, created := c.acquire(key, ordered)
	if created {
		c.startDriver(key, entry, desc, ordered)
	}

	h, err := entry.mux.AddHandleAndSendInitialAdds(ctx, cb)
	if err != nil {
		c.release(key, entry)
		return nil, err
	}
	return &ObserveHandle{
		muxID: entry.mux.ID(),
		stop: func() {
			h.Stop()
			c.release(key, entry)
		},
	}, nil
}

func (c *Connection) acquire(key string, ordered bool) (*muxEntry, bool) {
	created := false
	entry, _ := c.muxes.Compute(key, func(old *muxEntry, loaded bool) (*muxEntry, bool) {
		if loaded {
			old.refs++
			return old, false
		}
		created = true
		return &muxEntry{
			mux: observe.NewMultiplexer(observe.MultiplexerOptions{
				ID:      strconv.FormatUint(c.muxSeq.Add(1), 10),
				Key:     key,
				Ordered: ordered,
			}),
			refs: 1,
		}, false
	})
	return entry, created
}

func (c *Connection) release(key string, entry *muxEntry) {
	stop := false
	c.muxes.Compute(key, func(old *muxEntry, loaded bool) (*muxEntry, bool) {
		if !loaded || old != entry {
			return old, !loaded
		}
		old.refs--
		if old.refs > 0 {
			return old, false
		}
		stop = true
		return old, true
	})
	if stop {
		entry.mux.Stop()
	}
}

func (c *Connection) startDriver(key string, entry *muxEntry, desc CursorDescription, ordered bool) {
	q := desc.query()
	var driver observe.Driver
	kind := DriverPolling

	matcher, err := observe.TailingSupported(c.opts.Log, q, ordered, c.matchers)
	if err == nil {
		td, err := observe.NewTailingDriver(observe.TailingOptions{
			Query:        q,
			Matcher:      matcher,
			Store:        c.store,
			Log:          c.opts.Log,
			Fetcher:      c.fetcher,
			Crossbar:     c.crossbar,
			Multiplexer:  entry.mux,
			BatchSize:    c.opts.TailBatchSize,
			PollInterval: c.opts.TailPollInterval,
		})
		if err == nil {
			driver = td
			kind = DriverTailing
		} else {
			log.Debug().Err(err).Str("collection", desc.Collection).Msg("Tailing driver unavailable, polling")
		}
	} else {
		log.Debug().Err(err).Str("collection", desc.Collection).Msg("Query not tailable, polling")
	}

	if driver == nil {
		driver = observe.NewPollingDriver(observe.PollingOptions{
			Query:       q,
			Ordered:     ordered,
			Store:       c.store,
			Crossbar:    c.crossbar,
			Multiplexer: entry.mux,
			Interval:    c.opts.PollingInterval,
			Throttle:    c.opts.PollingThrottle,
		})
	}
	entry.kind.Store(kind)
	entry.mux.SetDriver(driver)

	log.Debug().
		Str("multiplexer", entry.mux.ID()).
		Str("driver", kind).
		Str("collection", desc.Collection).
		Msg("Observe driver created")
	if c.opts.OnDriverCreated != nil {
		c.opts.OnDriverCreated(DriverInfo{Key: key, Kind: kind, MultiplexerID: entry.mux.ID()})
	}
}

// Multiplexers lists live multiplexers ordered by id.
func (c *Connection) Multiplexers() []ObserverInfo {
	var out []ObserverInfo
	c.muxes.Range(func(_ string, e *muxEntry) bool {
		kind, _ := e.kind.Load().(string)
		out = append(out, ObserverInfo{MultiplexerInfo: e.mux.Info(), Driver: kind})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i].ID, 10, 64)
		b, _ := strconv.ParseUint(out[j].ID, 10, 64)
		return a < b
	})
	return out
}

// Multiplexer returns the live multiplexer with the given id.
func (c *Connection) Multiplexer(id string) (*observe.Multiplexer, bool) {
	var found *observe.Multiplexer
	c.muxes.Range(func(_ string, e *muxEntry) bool {
		if e.mux.ID() == id {
			found = e.mux
			return false
		}
		return true
	})
	return found, found != nil
}

// Close stops every multiplexer. The store and change log stay open.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.muxes.Range(func(key string, e *muxEntry) bool {
		c.muxes.Delete(key)
		e.mux.Stop()
		return true
	})
	return nil
}

func (c *Connection) collectionLock(collection string) *sync.Mutex {
	mu, _ := c.locks.LoadOrCompute(collection, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}
