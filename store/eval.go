package store

import (
	"fmt"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/query"
)

// shape sorts, pages and projects matched documents. docs are in natural
// order and owned by the caller.
func shape(docs []*document.Document, opts FindOptions) ([]*document.Document, error) {
	if opts.Sort.Len() > 0 {
		sorter, err := query.CompileSort(opts.Sort)
		if err != nil {
			return nil, err
		}
		sorter.Sort(docs)
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	if opts.Fields.Len() > 0 {
		proj, err := query.CompileProjection(opts.Fields)
		if err != nil {
			return nil, err
		}
		for i, d := range docs {
			docs[i] = proj.Apply(d)
		}
	}
	return docs, nil
}

// updatePlan is the outcome of evaluating an update against the matched
// documents, computed before anything is written.
type updatePlan struct {
	updated  []*document.Document
	inserted *document.Document
}

func planUpdate(matched []*document.Document, selector, modifier *document.Document, opts UpdateOptions) (*updatePlan, error) {
	plan := &updatePlan{}
	if len(matched) == 0 {
		if !opts.Upsert {
			return plan, nil
		}
		if opts.InsertedID == "" {
			return nil, fmt.Errorf("upsert requires an inserted id")
		}
		doc, err := query.UpsertDocument(selector, modifier, opts.InsertedID)
		if err != nil {
			return nil, err
		}
		plan.inserted = doc
		return plan, nil
	}

	if !opts.Multi {
		matched = matched[:1]
	}
	for _, doc := range matched {
		if opts.Upsert {
			if id, _ := doc.ID(); id != opts.InsertedID {
				return nil, ErrCannotChangeID
			}
		}
		next, err := query.Apply(doc, modifier, query.ApplyOptions{})
		if err != nil {
			return nil, err
		}
		plan.updated = append(plan.updated, next)
	}
	return plan, nil
}

func (p *updatePlan) result() UpdateResult {
	if p.inserted != nil {
		id, _ := p.inserted.ID()
		return UpdateResult{Matched: 1, IDs: []string{id}, UpsertedID: id}
	}
	res := UpdateResult{Matched: len(p.updated), IDs: make([]string, 0, len(p.updated))}
	for _, d := range p.updated {
		id, _ := d.ID()
		res.IDs = append(res.IDs, id)
	}
	return res
}
