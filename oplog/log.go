// Package oplog is the ordered change log that log-tailing observers follow.
package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/livedata/notify"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixEntry = "/oplog/"           // /oplog/{big-endian seq}
	keyLastSeq  = "/oplog-meta/last"  // uint64, last assigned seq
	keyFirstSeq = "/oplog-meta/first" // uint64, oldest retained seq
)

// Pebble tuning for an append-mostly workload
const (
	memTableSize                = 16 << 20
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 2
)

const (
	defaultReadLimit = 100
	// trimIntervalMask triggers a retention pass every 128 appends.
	trimIntervalMask = 0x7F
)

var (
	// ErrTrimmed is returned by ReadFrom when entries after the requested
	// position were already discarded by retention.
	ErrTrimmed = errors.New("change log position trimmed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("change log closed")
	// ErrNotCovered is returned when appending to a collection the log does
	// not record.
	ErrNotCovered = errors.New("collection not covered by change log")
)

// Options configure Open.
type Options struct {
	// Dir holds the Pebble files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Collections are glob patterns of recorded collections; empty records all.
	Collections []string
	// Retention is the number of entries kept; 0 keeps everything.
	Retention uint64
	// CompressionThreshold is the document size from which payloads are zstd
	// compressed; 0 disables compression.
	CompressionThreshold int
	// NodeID stamps every appended entry.
	NodeID uint64
}

// Log is a Pebble backed append-only log of writes with monotonically
// increasing sequence numbers starting at 1.
type Log struct {
	db     *pebble.DB
	opts   Options
	filter *CollectionFilter
	hub    *notify.Hub

	appendMu sync.Mutex
	lastSeq  atomic.Uint64
	firstSeq atomic.Uint64

	trimMu      sync.Mutex
	trimRunning atomic.Bool
	trimWg      sync.WaitGroup

	closed atomic.Bool
}

// Open creates or reopens a change log.
func Open(opts Options) (*Log, error) {
	filter, err := NewCollectionFilter(opts.Collections)
	if err != nil {
		return nil, err
	}

	pebbleOpts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}
	path := "oplog"
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("change log directory is required")
		}
		path = filepath.Join(opts.Dir, "oplog")
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change log at %s: %w", path, err)
	}

	l := &Log{
		db:     db,
		opts:   opts,
		filter: filter,
		hub:    notify.NewHub(),
	}
	last, err := l.loadCounter(keyLastSeq, 0)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load last sequence: %w", err)
	}
	first, err := l.loadCounter(keyFirstSeq, 1)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load first sequence: %w", err)
	}
	l.lastSeq.Store(last)
	l.firstSeq.Store(first)

	log.Info().
		Str("path", path).
		Bool("in_memory", opts.InMemory).
		Uint64("first_seq", first).
		Uint64("last_seq", last).
		Msg("Change log opened")
	return l, nil
}

func (l *Log) loadCounter(key string, def uint64) (uint64, error) {
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid counter length %d for %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// Covers reports whether writes to collection are recorded.
func (l *Log) Covers(collection string) bool {
	return l.filter.Match(collection)
}

// Patterns returns the collection patterns the log records.
func (l *Log) Patterns() []string {
	return l.filter.Patterns()
}

// LastSeq returns the sequence number of the newest entry, 0 when empty.
func (l *Log) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// FirstSeq returns the sequence number of the oldest retained entry.
func (l *Log) FirstSeq() uint64 {
	return l.firstSeq.Load()
}

// Append assigns sequence numbers to entries, persists them atomically and
// wakes subscribers. It returns the last assigned sequence number.
func (l *Log) Append(entries ...*Entry) (uint64, error) {
	if len(entries) == 0 {
		return l.LastSeq(), nil
	}
	if l.closed.Load() {
		return 0, ErrClosed
	}
	for _, e := range entries {
		if !l.Covers(e.Collection) {
			return 0, fmt.Errorf("%w: %s", ErrNotCovered, e.Collection)
		}
	}

	l.appendMu.Lock()
	seq := l.lastSeq.Load()

	batch := l.db.NewBatch()
	defer batch.Close()

	now := time.Now().UnixNano()
	for _, e := range entries {
		seq++
		e.Seq = seq
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
		e.Node = l.opts.NodeID
		val, err := encodeEntry(e, l.opts.CompressionThreshold)
		if err != nil {
			l.appendMu.Unlock()
			return 0, fmt.Errorf("failed to encode entry: %w", err)
		}
		if err := batch.Set(entryKey(seq), val, nil); err != nil {
			l.appendMu.Unlock()
			return 0, fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := batch.Set([]byte(keyLastSeq), encodeCounter(seq), nil); err != nil {
		l.appendMu.Unlock()
		return 0, fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		l.appendMu.Unlock()
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	prev := l.lastSeq.Swap(seq)
	l.appendMu.Unlock()

	for _, e := range entries {
		l.hub.Signal(e.Collection, e.Seq)
	}

	if l.opts.Retention > 0 && (prev>>7) != (seq>>7) {
		if l.trimRunning.CompareAndSwap(false, true) {
			l.trimWg.Add(1)
			go l.trimAsync()
		}
	}
	return seq, nil
}

// ReadFrom returns up to limit entries with sequence numbers greater than
// after. It fails with ErrTrimmed when some of those entries are gone.
// Entries that cannot be decoded are returned with Corrupt set.
func (l *Log) ReadFrom(after uint64, limit int) ([]*Entry, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if first := l.firstSeq.Load(); after+1 < first {
		return nil, fmt.Errorf("%w: requested %d, oldest is %d", ErrTrimmed, after+1, first)
	}

	start := entryKey(after + 1)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEntry)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]*Entry, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(entries) < limit; iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(prefixEntry):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		e, err := decodeEntry(val)
		if err != nil {
			log.Warn().Err(err).Uint64("seq", seq).Msg("Failed to decode change log entry")
			entries = append(entries, &Entry{Seq: seq, Corrupt: true})
			continue
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// sequence numbers are contiguous, so a hole means a trim raced this read
	if len(entries) > 0 && entries[0].Seq != after+1 {
		return nil, fmt.Errorf("%w: requested %d, oldest is %d", ErrTrimmed, after+1, l.firstSeq.Load())
	}
	return entries, nil
}

// Subscribe returns a channel signalled after appends to the filtered
// collections. Signals coalesce; readers should read until caught up.
func (l *Log) Subscribe(filter notify.Filter) (<-chan notify.Signal, func()) {
	return l.hub.Subscribe(filter)
}

// Trim discards entries beyond the retention window now.
func (l *Log) Trim() error {
	l.trimMu.Lock()
	defer l.trimMu.Unlock()

	if l.closed.Load() || l.opts.Retention == 0 {
		return nil
	}
	last := l.lastSeq.Load()
	first := l.firstSeq.Load()
	if last < l.opts.Retention || last-l.opts.Retention+1 <= first {
		return nil
	}
	newFirst := last - l.opts.Retention + 1

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(entryKey(first), entryKey(newFirst), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyFirstSeq), encodeCounter(newFirst), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	l.firstSeq.Store(newFirst)
	log.Debug().Uint64("first_seq", newFirst).Msg("Trimmed change log")
	return nil
}

func (l *Log) trimAsync() {
	defer l.trimWg.Done()
	defer l.trimRunning.Store(false)
	if err := l.Trim(); err != nil {
		log.Warn().Err(err).Msg("Failed to trim change log")
	}
}

// Stats summarizes the log for diagnostics.
type Stats struct {
	FirstSeq    uint64   `json:"first_seq"`
	LastSeq     uint64   `json:"last_seq"`
	Retention   uint64   `json:"retention"`
	InMemory    bool     `json:"in_memory"`
	Collections []string `json:"collections"`
	Subscribers int      `json:"subscribers"`
}

func (l *Log) Stats() Stats {
	return Stats{
		FirstSeq:    l.FirstSeq(),
		LastSeq:     l.LastSeq(),
		Retention:   l.opts.Retention,
		InMemory:    l.opts.InMemory,
		Collections: l.Patterns(),
		Subscribers: l.hub.Len(),
	}
}

// Close stops trimming, closes subscriber channels and the database.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	l.trimWg.Wait()
	l.hub.Close()
	return l.db.Close()
}

// entryKey uses a big-endian seq so keys sort numerically.
func entryKey(seq uint64) []byte {
	key := make([]byte, len(prefixEntry)+8)
	copy(key, prefixEntry)
	binary.BigEndian.PutUint64(key[len(prefixEntry):], seq)
	return key
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
