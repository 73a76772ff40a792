package livedata

import (
	"math"
	"testing"

	"github.com/maxpert/livedata/document"
	"github.com/stretchr/testify/assert"
)

func TestCursorDescriptionKey(t *testing.T) {
	a := CursorDescription{
		Collection: "tasks",
		Selector:   document.MustParse(`{"status":"open","owner":{"name":"ann","team":"x"}}`),
		Options: CursorOptions{
			Sort:   document.F("priority", -1),
			Fields: document.MustParse(`{"priority":1,"status":1}`),
		},
	}
	b := CursorDescription{
		Collection: "tasks",
		Selector:   document.MustParse(`{"owner":{"team":"x","name":"ann"},"status":"open"}`),
		Options: CursorOptions{
			Sort:      document.F("priority", -1),
			Fields:    document.MustParse(`{"status":1,"priority":1}`),
			Transform: func(d *document.Document) *document.Document { return d },
		},
	}
	assert.Equal(t, a.Key(false), b.Key(false))
	assert.NotEqual(t, a.Key(false), a.Key(true))

	variants := []CursorDescription{
		{Collection: "other", Selector: a.Selector, Options: a.Options},
		{Collection: "tasks", Selector: document.F("status", "done"), Options: a.Options},
		{Collection: "tasks", Selector: a.Selector, Options: CursorOptions{Sort: document.F("priority", 1), Fields: a.Options.Fields}},
		{Collection: "tasks", Selector: a.Selector, Options: CursorOptions{Sort: a.Options.Sort, Fields: a.Options.Fields, Limit: 3}},
		{Collection: "tasks", Selector: a.Selector, Options: CursorOptions{Sort: a.Options.Sort, Fields: a.Options.Fields, Skip: 1}},
		{Collection: "tasks", Selector: a.Selector, Options: CursorOptions{Sort: a.Options.Sort}},
	}
	for i, v := range variants {
		assert.NotEqual(t, a.Key(false), v.Key(false), "variant %d", i)
	}
}

func TestCursorDescriptionKeyKeepsSortOrder(t *testing.T) {
	byPriority := CursorDescription{Collection: "tasks", Options: CursorOptions{Sort: document.MustParse(`{"priority":-1,"name":1}`)}}
	byName := CursorDescription{Collection: "tasks", Options: CursorOptions{Sort: document.MustParse(`{"name":1,"priority":-1}`)}}
	assert.NotEqual(t, byPriority.Key(true), byName.Key(true))
}

func TestCursorDescriptionKeyNilSelector(t *testing.T) {
	assert.Equal(t,
		CursorDescription{Collection: "tasks"}.Key(false),
		CursorDescription{Collection: "tasks", Selector: document.New()}.Key(false))
}

func TestCursorDescriptionKeyNonFiniteNumbers(t *testing.T) {
	key := func(sel, sort *document.Document) string {
		return CursorDescription{Collection: "tasks", Selector: sel, Options: CursorOptions{Sort: sort}}.Key(false)
	}
	nan := document.F("x", document.Float(math.NaN()))
	assert.NotEqual(t, key(document.F("x", nil), nil), key(nan, nil))
	assert.Equal(t, key(nan, nil), key(document.F("x", document.Float(math.NaN())), nil))
	assert.NotEqual(t, key(nil, document.F("x", 1)), key(nil, nan))
}
