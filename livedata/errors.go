package livedata

import (
	"errors"
	"fmt"
)

var (
	// ErrUpsertContention matches every UpsertContentionError.
	ErrUpsertContention = errors.New("upsert contention")
	// ErrTailableCursor is returned by synchronous reads of a tailable cursor.
	ErrTailableCursor = errors.New("cannot read a tailable cursor synchronously")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")
)

// UpsertContentionError reports an upsert that lost every attempt to
// concurrent writers. The caller may retry it.
type UpsertContentionError struct {
	Collection string
	Tries      int
}

func (e *UpsertContentionError) Error() string {
	return fmt.Sprintf("upsert on %s failed after %d tries", e.Collection, e.Tries)
}

func (e *UpsertContentionError) Is(target error) bool {
	return target == ErrUpsertContention
}
