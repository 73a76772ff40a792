package livedata

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/observe"
	"github.com/maxpert/livedata/oplog"
	"github.com/maxpert/livedata/query"
	"github.com/maxpert/livedata/store"
	"github.com/rs/zerolog/log"
)

// observeTailable delivers the current result, then every matching document
// inserted afterwards. Updates and removals are not reported. Tailable
// observers are never shared.
func (c *Connection) observeTailable(ctx context.Context, desc CursorDescription, ordered bool, cb observe.Callbacks) (*ObserveHandle, error) {
	if !c.logs(desc.Collection) {
		return nil, fmt.Errorf("tailable cursor on %s: %w", desc.Collection, oplog.ErrNotCovered)
	}
	matcher, err := c.matchers.Matcher(orEmpty(desc.Selector))
	if err != nil {
		return nil, err
	}
	projection, err := query.CompileProjection(desc.Options.Fields)
	if err != nil {
		return nil, err
	}

	emit := func(id string, fields *document.Document) {
		if ordered {
			cb.AddedBefore(id, fields, "")
		} else {
			cb.Added(id, fields)
		}
	}

	from := c.opts.Log.LastSeq()
	o := desc.Options
	docs, err := c.store.Find(ctx, desc.Collection, orEmpty(desc.Selector), store.FindOptions{
		Sort:   o.Sort,
		Skip:   o.Skip,
		Limit:  o.Limit,
		Fields: o.Fields,
	})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range dedupe(docs) {
		id, _ := doc.ID()
		seen[id] = struct{}{}
		emit(id, doc.Without(document.IDField))
	}

	var stopped atomic.Bool
	tailer, err := oplog.NewTailer(oplog.TailerConfig{
		Name:         "tailable:" + desc.Collection,
		Log:          c.opts.Log,
		Collection:   desc.Collection,
		From:         from,
		BatchSize:    c.opts.TailBatchSize,
		PollInterval: c.opts.TailPollInterval,
		Apply: func(entries []*oplog.Entry, _ uint64) error {
			for _, e := range entries {
				if stopped.Load() {
					return nil
				}
				if e.Corrupt || e.Op != oplog.OpInsert {
					continue
				}
				if _, dup := seen[e.ID]; dup {
					continue
				}
				doc := e.Doc
				if doc == nil {
					fetched, err := c.fetcher.Fetch(context.Background(), e.Collection, e.ID, e.Seq)
					if err != nil {
						return err
					}
					doc = fetched
					if doc == nil {
						continue
					}
				}
				if !matcher.Matches(doc) {
					continue
				}
				seen[e.ID] = struct{}{}
				emit(e.ID, projection.Apply(doc).Without(document.IDField))
			}
			return nil
		},
		Resync: func() (uint64, error) {
			log.Warn().Str("collection", desc.Collection).Msg("Tailable cursor fell behind the change log, skipping to its end")
			return c.opts.Log.LastSeq(), nil
		},
	})
	if err != nil {
		return nil, err
	}
	tailer.Start()

	return &ObserveHandle{
		stop: func() {
			stopped.Store(true)
			tailer.Stop()
		},
	}, nil
}
