// Package store defines the document store adapter the engine reads from and
// writes to, along with in-memory and SQL implementations.
package store

import (
	"context"

	"github.com/maxpert/livedata/document"
)

// FindOptions shape a Find result.
type FindOptions struct {
	Sort   *document.Document
	Skip   int
	Limit  int
	Fields *document.Document
}

// UpdateOptions control Update.
//
// With Upsert set, Update is a conditional insert: when nothing matches the
// selector a document built from selector and modifier is inserted under
// InsertedID; when the id is taken the call fails with ErrDuplicateKey; when
// a document with another _id matches, the call fails with ErrCannotChangeID.
// Both failures mean a concurrent writer changed what the selector matches.
type UpdateOptions struct {
	Multi      bool
	Upsert     bool
	InsertedID string
}

// UpdateResult reports the documents an update touched. IDs is the
// affected-keys hint used for invalidation.
type UpdateResult struct {
	Matched    int
	IDs        []string
	UpsertedID string
}

// RemoveResult reports removed documents.
type RemoveResult struct {
	Removed int
	IDs     []string
}

// Store is the document store adapter. Documents carry a string _id.
// Implementations must be safe for concurrent use.
type Store interface {
	Find(ctx context.Context, collection string, selector *document.Document, opts FindOptions) ([]*document.Document, error)
	// FindOne returns the document with id, or nil when absent.
	FindOne(ctx context.Context, collection, id string) (*document.Document, error)
	Insert(ctx context.Context, collection string, doc *document.Document) (string, error)
	Update(ctx context.Context, collection string, selector, modifier *document.Document, opts UpdateOptions) (UpdateResult, error)
	Remove(ctx context.Context, collection string, selector *document.Document) (RemoveResult, error)
	DropCollection(ctx context.Context, collection string) error
	Close() error
}
