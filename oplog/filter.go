package oplog

import (
	"fmt"

	"github.com/gobwas/glob"
)

// CollectionFilter decides which collections the log records. Empty
// patterns match every collection.
type CollectionFilter struct {
	patterns []string
	globs    []glob.Glob
}

// NewCollectionFilter compiles glob patterns such as "tasks" or "audit_*".
func NewCollectionFilter(patterns []string) (*CollectionFilter, error) {
	f := &CollectionFilter{
		patterns: append([]string(nil), patterns...),
		globs:    make([]glob.Glob, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid collection pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether collection is covered.
func (f *CollectionFilter) Match(collection string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(collection) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (f *CollectionFilter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}
