package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is returned when an insert collides with an existing _id.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrCannotChangeID is returned by a conditional insert that matched a
	// document carrying a different _id.
	ErrCannotChangeID = errors.New("cannot change _id of a document")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
	// ErrMissingID is returned when inserting a document without a string _id.
	ErrMissingID = errors.New("document has no string _id")
)

// StoreError wraps a failure reported by the backing store.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s on %q: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsContention reports whether err signals that a concurrent write changed
// what an upsert selector matches.
func IsContention(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrCannotChangeID)
}

func wrapErr(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Collection: collection, Err: err}
}
