package oplog

import (
	"fmt"

	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/encoding"
)

// Op is the kind of write an entry records.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpRemove
	OpDrop
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	case OpDrop:
		return "drop"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Entry is one write in the change log.
//
// Inserts and replacement updates carry the full document in Doc. Modifier
// updates carry only the Modifier; readers that need the resulting document
// fetch it from the store. Drops carry neither.
type Entry struct {
	Seq        uint64
	Collection string
	ID         string
	Op         Op
	Doc        *document.Document
	Modifier   *document.Document
	Timestamp  int64
	Node       uint64

	// Corrupt is set by ReadFrom for an entry that could not be decoded.
	// Only Seq is meaningful on a corrupt entry.
	Corrupt bool
}

// record is the stored form of an Entry. Documents are kept as JSON so field
// order survives, framed by encoding.Pack.
type record struct {
	Seq        uint64 `msgpack:"q"`
	Collection string `msgpack:"c"`
	ID         string `msgpack:"i,omitempty"`
	Op         Op     `msgpack:"o"`
	Doc        []byte `msgpack:"d,omitempty"`
	Modifier   []byte `msgpack:"m,omitempty"`
	Timestamp  int64  `msgpack:"t"`
	Node       uint64 `msgpack:"n,omitempty"`
}

func encodeEntry(e *Entry, compressionThreshold int) ([]byte, error) {
	rec := record{
		Seq:        e.Seq,
		Collection: e.Collection,
		ID:         e.ID,
		Op:         e.Op,
		Timestamp:  e.Timestamp,
		Node:       e.Node,
	}
	if e.Doc != nil {
		body, err := e.Doc.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		rec.Doc = encoding.Pack(body, compressionThreshold)
	}
	if e.Modifier != nil {
		body, err := e.Modifier.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode modifier: %w", err)
		}
		rec.Modifier = encoding.Pack(body, compressionThreshold)
	}
	return encoding.Marshal(&rec)
}

func decodeEntry(data []byte) (*Entry, error) {
	var rec record
	if err := encoding.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Op < OpInsert || rec.Op > OpDrop {
		return nil, fmt.Errorf("unknown op %d", rec.Op)
	}
	e := &Entry{
		Seq:        rec.Seq,
		Collection: rec.Collection,
		ID:         rec.ID,
		Op:         rec.Op,
		Timestamp:  rec.Timestamp,
		Node:       rec.Node,
	}
	var err error
	if e.Doc, err = decodeDoc(rec.Doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if e.Modifier, err = decodeDoc(rec.Modifier); err != nil {
		return nil, fmt.Errorf("decode modifier: %w", err)
	}
	return e, nil
}

func decodeDoc(frame []byte) (*document.Document, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	body, err := encoding.Unpack(frame)
	if err != nil {
		return nil, err
	}
	return document.Parse(body)
}
