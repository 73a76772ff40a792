package livedata

import (
	"strconv"
	"strings"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/observe"
)

// CursorOptions shape a query result.
type CursorOptions struct {
	Sort     *document.Document
	Skip     int
	Limit    int
	Fields   *document.Document
	Tailable bool
	// Transform is applied by Fetch, ForEach and Observe. ObserveChanges
	// field deltas never see it and it is not part of the dedup key.
	Transform func(doc *document.Document) *document.Document
}

// CursorDescription identifies a query. Descriptions that produce the same
// observed output share a key.
type CursorDescription struct {
	Collection string
	Selector   *document.Document
	Options    CursorOptions
}

// Key returns the dedup key of d for the given ordering mode. Selector and
// fields are compared regardless of key order; sort keys keep their order
// since it decides the result order.
func (d CursorDescription) Key(ordered bool) string {
	var b strings.Builder
	b.WriteString(`{"ordered":`)
	b.WriteString(strconv.FormatBool(ordered))
	b.WriteString(`,"collection":`)
	b.Write(document.Canonical(document.String(d.Collection)))
	b.WriteString(`,"selector":`)
	b.Write(document.Canonical(orEmpty(d.Selector)))
	b.WriteString(`,"sort":`)
	b.Write(document.KeyJSON(orEmpty(d.Options.Sort)))
	b.WriteString(`,"skip":`)
	b.WriteString(strconv.Itoa(d.Options.Skip))
	b.WriteString(`,"limit":`)
	b.WriteString(strconv.Itoa(d.Options.Limit))
	b.WriteString(`,"fields":`)
	b.Write(document.Canonical(orEmpty(d.Options.Fields)))
	b.WriteString(`,"tailable":`)
	b.WriteString(strconv.FormatBool(d.Options.Tailable))
	b.WriteString("}")
	return b.String()
}

func (d CursorDescription) query() observe.Query {
	return observe.Query{
		Collection: d.Collection,
		Selector:   orEmpty(d.Selector),
		Sort:       d.Options.Sort,
		Skip:       d.Options.Skip,
		Limit:      d.Options.Limit,
		Fields:     d.Options.Fields,
	}
}

func orEmpty(doc *document.Document) *document.Document {
	if doc == nil {
		return document.New()
	}
	return doc
}
