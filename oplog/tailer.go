package oplog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/livedata/notify"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchSize is the number of entries read per cycle.
	DefaultBatchSize = 100
	// DefaultPollInterval bounds how long an idle tailer waits without a
	// wakeup signal before reading again.
	DefaultPollInterval = time.Second
	// DefaultRetryInitial is the first restart delay after a failure.
	DefaultRetryInitial = 50 * time.Millisecond
	// DefaultRetryMax caps the restart delay.
	DefaultRetryMax = 5 * time.Second
)

// TailerConfig configures a Tailer.
type TailerConfig struct {
	Name string
	Log  *Log
	// Collection restricts delivered entries; empty delivers all.
	Collection string
	// From is the last already-processed sequence number.
	From         uint64
	BatchSize    int
	PollInterval time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Apply receives consecutive entries for Collection together with the
	// sequence number the read reached (entries of other collections are
	// skipped but still advance upTo). An error retries the same batch.
	Apply func(entries []*Entry, upTo uint64) error
	// Resync is called when the entries after the tailer position were
	// trimmed. It returns the position to continue after.
	Resync func() (uint64, error)
}

// Tailer follows a Log from a position, delivering entries in order and
// restarting with exponential backoff from the last delivered position after
// read or apply failures.
type Tailer struct {
	config   TailerConfig
	cursor   uint64
	position atomic.Uint64
	stopCh   chan struct{}
	doneCh   chan struct{}
	resyncCh chan struct{}
	stopOnce sync.Once
}

// NewTailer validates config and returns a tailer that is not yet running.
func NewTailer(config TailerConfig) (*Tailer, error) {
	if config.Log == nil {
		return nil, fmt.Errorf("change log is required")
	}
	if config.Apply == nil {
		return nil, fmt.Errorf("apply callback is required")
	}
	if config.Resync == nil {
		return nil, fmt.Errorf("resync callback is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}

	t := &Tailer{
		config: config,
		cursor: config.From,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		resyncCh: make(chan struct{}, 1),
	}
	t.position.Store(config.From)
	return t, nil
}

// Start launches the tailing goroutine.
func (t *Tailer) Start() {
	log.Debug().
		Str("tailer", t.config.Name).
		Uint64("from", t.cursor).
		Msg("Starting change log tailer")
	go t.loop()
}

// Stop asks the tailer to exit without waiting; it is safe to call from
// inside Apply and more than once.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// RequestResync asks the tailer to call Resync before its next read, for
// changes that never reach the log. Pending requests coalesce.
func (t *Tailer) RequestResync() {
	select {
	case t.resyncCh <- struct{}{}:
	default:
	}
}

// Wait blocks until the tailing goroutine exited.
func (t *Tailer) Wait() {
	<-t.doneCh
}

// Position returns the last sequence number fully handled.
func (t *Tailer) Position() uint64 {
	return t.position.Load()
}

func (t *Tailer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.config.RetryInitial
	b.MaxInterval = t.config.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (t *Tailer) loop() {
	defer close(t.doneCh)

	signals, cancel := t.config.Log.Subscribe(notify.Filter{})
	defer cancel()
	retry := t.newBackOff()

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.resyncCh:
			if err := t.resync(); err != nil {
				if !t.sleep(retry.NextBackOff(), nil) {
					return
				}
				t.RequestResync()
				continue
			}
			retry.Reset()
			continue
		default:
		}

		entries, err := t.config.Log.ReadFrom(t.cursor, t.config.BatchSize)
		if errors.Is(err, ErrTrimmed) {
			log.Warn().
				Err(err).
				Str("tailer", t.config.Name).
				Uint64("cursor", t.cursor).
				Msg("Change log trimmed past tailer position, resyncing")
			if err := t.resync(); err != nil {
				if !t.sleep(retry.NextBackOff(), nil) {
					return
				}
				continue
			}
			retry.Reset()
			continue
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("tailer", t.config.Name).
				Uint64("cursor", t.cursor).
				Msg("Failed to read change log")
			if !t.sleep(retry.NextBackOff(), nil) {
				return
			}
			continue
		}

		if len(entries) == 0 {
			retry.Reset()
			if !t.sleep(t.config.PollInterval, signals) {
				return
			}
			continue
		}

		upTo := entries[len(entries)-1].Seq
		batch := entries
		if t.config.Collection != "" {
			batch = make([]*Entry, 0, len(entries))
			for _, e := range entries {
				if e.Corrupt || e.Collection == t.config.Collection {
					batch = append(batch, e)
				}
			}
		}

		if err := t.config.Apply(batch, upTo); err != nil {
			log.Warn().
				Err(err).
				Str("tailer", t.config.Name).
				Uint64("cursor", t.cursor).
				Msg("Failed to apply change log entries, retrying")
			if !t.sleep(retry.NextBackOff(), nil) {
				return
			}
			continue
		}
		t.cursor = upTo
		t.position.Store(upTo)
		retry.Reset()
	}
}

func (t *Tailer) resync() error {
	resume, err := t.config.Resync()
	if err != nil {
		log.Error().Err(err).Str("tailer", t.config.Name).Msg("Resync failed")
		return err
	}
	if resume > t.cursor {
		t.cursor = resume
		t.position.Store(resume)
	}
	return nil
}

// sleep waits for d, a wakeup signal or stop. It returns false on stop.
func (t *Tailer) sleep(d time.Duration, signals <-chan notify.Signal) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stopCh:
		return false
	case <-timer.C:
		return true
	case <-t.resyncCh:
		t.RequestResync()
		return true
	case _, ok := <-signals:
		if !ok {
			// hub closed with the log; keep polling until stopped
			select {
			case <-t.stopCh:
				return false
			case <-timer.C:
			}
		}
		return true
	}
}
