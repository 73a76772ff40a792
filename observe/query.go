package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/oplog"
	"github.com/maxpert/livedata/query"
	"github.com/maxpert/livedata/store"
)

// Query is the part of a cursor description a driver needs.
type Query struct {
	Collection string
	Selector   *document.Document
	Sort       *document.Document
	Skip       int
	Limit      int
	Fields     *document.Document
}

func (q Query) findOptions() store.FindOptions {
	return store.FindOptions{Sort: q.Sort, Skip: q.Skip, Limit: q.Limit, Fields: q.Fields}
}

// run executes q against s.
func (q Query) run(ctx context.Context, s store.Store) ([]*document.Document, error) {
	return s.Find(ctx, q.Collection, q.Selector, q.findOptions())
}

// TailingSupported reports whether q can be served by a TailingDriver on l.
// The returned matcher is ready for the driver. Any returned error wraps
// query.ErrUnsupported and means the caller should poll instead.
func TailingSupported(l *oplog.Log, q Query, ordered bool, matchers *query.Cache) (*query.Matcher, error) {
	if l == nil {
		return nil, &query.UnsupportedQueryError{Reason: "no change log"}
	}
	if !l.Covers(q.Collection) {
		return nil, &query.UnsupportedQueryError{Reason: fmt.Sprintf("collection %q not in change log", q.Collection)}
	}
	if ordered {
		return nil, &query.UnsupportedQueryError{Reason: "ordered observe"}
	}
	if q.Skip > 0 || q.Limit > 0 {
		return nil, &query.UnsupportedQueryError{Reason: "skip or limit"}
	}

	var (
		m   *query.Matcher
		err error
	)
	if matchers != nil {
		m, err = matchers.Matcher(q.Selector)
	} else {
		m, err = query.Compile(q.Selector)
	}
	if err != nil {
		return nil, asUnsupported(err)
	}
	if m.HasWhere() {
		return nil, &query.UnsupportedQueryError{Reason: "$where"}
	}
	if m.HasGeoQuery() {
		return nil, &query.UnsupportedQueryError{Reason: "geo query"}
	}
	if q.Sort.Len() > 0 {
		if _, err := query.CompileSort(q.Sort); err != nil {
			return nil, asUnsupported(err)
		}
	}
	if _, err := query.CompileProjection(q.Fields); err != nil {
		return nil, asUnsupported(err)
	}
	return m, nil
}

func asUnsupported(err error) error {
	var uq *query.UnsupportedQueryError
	if errors.As(err, &uq) {
		return err
	}
	return &query.UnsupportedQueryError{Reason: err.Error()}
}
