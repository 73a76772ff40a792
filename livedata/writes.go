package livedata

import (
	"context"
	"fmt"
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

// UpdateOptions control Update.
type UpdateOptions struct {
	Multi  bool
	Upsert bool
	// InsertedID fixes the id of a document inserted by an upsert whose
	// selector and modifier do not already pin one.
	InsertedID string
}

// WriteResult reports an update or upsert. InsertedID is set only when the
// write inserted a document.
type WriteResult struct {
	NumberAffected int
	InsertedID     string
}

// mutation is what a write did, recorded while holding the collection lock.
type mutation struct {
	entries  []*oplog.Entry
	triggers []crossbar.Trigger
}

// mutate runs fn under the collection write lock, appends its entries to the
// change log and publishes its triggers. The fence write carried by ctx is
// committed on every path, panics included.
func (c *Connection) mutate(ctx context.Context, op, collection string, fn func() (mutation, error)) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}
	w, err := fence.Begin(ctx)
	if err != nil {
		return err
	}
	defer w.Committed()
	defer func() {
		result := "success"
		if err != nil {
			result = "failed"
		}
		telemetry.WritesTotal.With(op, result).Inc()
	}()

	m, err := c.applyLocked(collection, fn)
	for _, t := range m.triggers {
		c.crossbar.Fire(ctx, t)
		telemetry.CrossbarFiresTotal.With("local").Inc()
	}
	return err
}

func (c *Connection) applyLocked(collection string, fn func() (mutation, error)) (mutation, error) {
	mu := c.collectionLock(collection)
	mu.Lock()
	defer mu.Unlock()

	m, err := fn()
	if err != nil {
		return m, err
	}
	if len(m.entries) > 0 && c.logs(collection) {
		if _, aerr := c.opts.Log.Append(m.entries...); aerr != nil {
			log.Error().Err(aerr).Str("collection", collection).Msg("Failed to append write to change log")
			return m, fmt.Errorf("change log append: %w", aerr)
		}
		for _, e := range m.entries {
			telemetry.OplogAppendedTotal.With(e.Op.String()).Inc()
		}
	}
	return m, nil
}

func (c *Connection) logs(collection string) bool {
	return c.opts.Log != nil && c.opts.Log.Covers(collection)
}

// Insert stores doc, generating an _id when it has none, and returns the id.
func (c *Connection) Insert(ctx context.Context, collection string, doc *document.Document) (string, error) {
	doc = doc.Clone()
	if _, ok := doc.Get(document.IDField); !ok {
		doc.SetID(c.ids.NextID())
	}

	var inserted string
	err := c.mutate(ctx, "insert", collection, func() (mutation, error) {
		id, err := c.store.Insert(ctx, collection, doc)
		if err != nil {
			return mutation{}, err
		}
		inserted = id
		return mutation{
			entries:  []*oplog.Entry{{Collection: collection, ID: id, Op: oplog.OpInsert, Doc: doc}},
			triggers: []crossbar.Trigger{{Collection: collection, ID: id}},
		}, nil
	})
	if err != nil {
		return "", err
	}
	return inserted, nil
}

// Update applies modifier to the documents matching selector. With Upsert
// set it behaves like Upsert.
func (c *Connection) Update(ctx context.Context, collection string, selector, modifier *document.Document, opts UpdateOptions) (WriteResult, error) {
	if opts.Upsert {
		return c.Upsert(ctx, collection, selector, modifier, opts)
	}
	selector = orEmpty(selector)
	isMod, err := query.IsModifier(modifier)
	if err != nil {
		return WriteResult{}, err
	}

	var res WriteResult
	err = c.mutate(ctx, "update", collection, func() (mutation, error) {
		r, err := c.store.Update(ctx, collection, selector, modifier, store.UpdateOptions{Multi: opts.Multi})
		if err != nil {
			return mutation{}, err
		}
		res.NumberAffected = r.Matched
		return updateMutation(collection, selector, modifier, isMod, r), nil
	})
	return res, err
}

// Upsert updates the document matching selector or inserts one built from
// selector and modifier. Concurrent upserts racing to insert are retried
// against the document the winner inserted; after UpsertMaxTries lost races
// it fails with UpsertContentionError.
func (c *Connection) Upsert(ctx context.Context, collection string, selector, modifier *document.Document, opts UpdateOptions) (WriteResult, error) {
	selector = orEmpty(selector)
	isMod, err := query.IsModifier(modifier)
	if err != nil {
		return WriteResult{}, err
	}
	insertedID, ok := query.KnownID(selector, modifier)
	if !ok {
		insertedID = opts.InsertedID
	}
	if insertedID == "" {
		insertedID = c.ids.NextID()
	}
	// fail on a modifier that can never be inserted before touching the store
	if _, err := query.UpsertDocument(selector, modifier, insertedID); err != nil {
		return WriteResult{}, err
	}

	var res WriteResult
	err = c.mutate(ctx, "upsert", collection, func() (mutation, error) {
		for try := 1; try <= c.opts.UpsertMaxTries; try++ {
			r, err := c.store.Update(ctx, collection, selector, modifier, store.UpdateOptions{Multi: opts.Multi})
			if err != nil {
				return mutation{}, err
			}
			if r.Matched > 0 {
				res.NumberAffected = r.Matched
				return updateMutation(collection, selector, modifier, isMod, r), nil
			}

			r, err = c.store.Update(ctx, collection, selector, modifier, store.UpdateOptions{
				Multi:      opts.Multi,
				Upsert:     true,
				InsertedID: insertedID,
			})
			if err == nil {
				res.NumberAffected = 1
				res.InsertedID = r.UpsertedID
				m := updateMutation(collection, selector, modifier, isMod, r)
				if r.UpsertedID != "" {
					m.entries = []*oplog.Entry{{Collection: collection, ID: r.UpsertedID, Op: oplog.OpInsert, Modifier: modifier}}
				}
				return m, nil
			}
			if !store.IsContention(err) {
				return mutation{}, err
			}
			telemetry.UpsertRetriesTotal.Inc()
			log.Debug().Err(err).Str("collection", collection).Int("try", try).Msg("Upsert lost to a concurrent write, retrying")
		}
		return mutation{}, &UpsertContentionError{Collection: collection, Tries: c.opts.UpsertMaxTries}
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// Remove deletes the documents matching selector and returns how many.
func (c *Connection) Remove(ctx context.Context, collection string, selector *document.Document) (int, error) {
	selector = orEmpty(selector)
	removed := 0
	err := c.mutate(ctx, "remove", collection, func() (mutation, error) {
		r, err := c.store.Remove(ctx, collection, selector)
		if err != nil {
			return mutation{}, err
		}
		removed = r.Removed
		m := mutation{triggers: writeTriggers(collection, selector, r.IDs)}
		for _, id := range r.IDs {
			m.entries = append(m.entries, &oplog.Entry{Collection: collection, ID: id, Op: oplog.OpRemove})
		}
		return m, nil
	})
	return removed, err
}

// DropCollection removes a collection. Every observer of it, including those
// pinned to specific ids, is invalidated.
func (c *Connection) DropCollection(ctx context.Context, collection string) error {
	return c.mutate(ctx, "drop", collection, func() (mutation, error) {
		if err := c.store.DropCollection(ctx, collection); err != nil {
			return mutation{}, err
		}
		return mutation{
			entries:  []*oplog.Entry{{Collection: collection, Op: oplog.OpDrop}},
			triggers: []crossbar.Trigger{{Collection: collection, DropCollection: true}},
		}, nil
	})
}

func updateMutation(collection string, selector, modifier *document.Document, isMod bool, r store.UpdateResult) mutation {
	m := mutation{triggers: writeTriggers(collection, selector, r.IDs)}
	for _, id := range r.IDs {
		e := &oplog.Entry{Collection: collection, ID: id, Op: oplog.OpUpdate}
		if isMod {
			e.Modifier = modifier
		} else {
			e.Doc = modifier.Clone()
			e.Doc.SetID(id)
		}
		m.entries = append(m.entries, e)
	}
	return m
}

// writeTriggers narrows the invalidation of a write to the affected ids,
// falling back to the ids the selector pins and then to the collection.
func writeTriggers(collection string, selector *document.Document, affected []string) []crossbar.Trigger {
	ids := affected
	if len(ids) == 0 {
		ids = query.IdsMatchedBySelector(selector)
	}
	if len(ids) == 0 {
		return []crossbar.Trigger{{Collection: collection}}
	}
	triggers := make([]crossbar.Trigger, 0, len(ids))
	for _, id := range ids {
		triggers = append(triggers, crossbar.Trigger{Collection: collection, ID: id})
	}
	return triggers
}

// WithFence runs fn with a fresh write fence on its context and waits until
// every observer affected by the writes fn made was notified.
func (c *Connection) WithFence(ctx context.Context, fn func(ctx context.Context) error) error {
	f := fence.New()
	err := fn(fence.WithFence(ctx, f))

	start := time.Now()
	werr := f.ArmAndWait(ctx)
	telemetry.FenceWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	return werr
}

// WriteAsync runs write in the background inside its own fence. onDurable
// receives the write's error once the store returned; onSettled runs once
// every affected observer was notified. A fence carried by ctx stays open
// until then.
func (c *Connection) WriteAsync(ctx context.Context, write func(ctx context.Context) error, onDurable func(error), onSettled func()) error {
	outer, err := fence.Begin(ctx)
	if err != nil {
		return err
	}
	f := fence.New()
	wctx := fence.WithFence(context.WithoutCancel(ctx), f)

	go func() {
		defer f.Arm()
		f.OnAllCommitted(func() {
			if onSettled != nil {
				onSettled()
			}
			outer.Committed()
		})
		err := write(wctx)
		if onDurable != nil {
			onDurable(err)
		}
	}()
	return nil
}
