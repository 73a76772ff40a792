package query

import (
	"errors"
	"fmt"
)

// ErrUnsupported is matched by every UnsupportedQueryError through errors.Is.
var ErrUnsupported = errors.New("unsupported query")

// ErrImmutableID is returned when a modifier would change a document's _id.
var ErrImmutableID = errors.New("the _id field cannot be changed")

// UnsupportedQueryError reports a selector, sort or projection that cannot be
// compiled.
type UnsupportedQueryError struct {
	Reason string
}

func (e *UnsupportedQueryError) Error() string {
	return fmt.Sprintf("unsupported query: %s", e.Reason)
}

func (e *UnsupportedQueryError) Is(target error) bool {
	return target == ErrUnsupported
}

func unsupported(format string, args ...any) error {
	return &UnsupportedQueryError{Reason: fmt.Sprintf(format, args...)}
}
