// Package fence implements write fences: a barrier a writer waits on until
// every observer that a write may affect has been notified.
package fence

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrFired is returned by BeginWrite once the fence has fired.
	ErrFired = errors.New("write fence has already fired")
	// ErrArmed is returned by a second Arm.
	ErrArmed = errors.New("write fence may only be armed once")
)

// Fence counts outstanding writes. Once armed and the count drops to zero it
// fires: registered callbacks run and waiters are released. A fence fires at
// most once.
type Fence struct {
	mu          sync.Mutex
	armed       bool
	fired       bool
	outstanding int
	callbacks   []func()
	done        chan struct{}
}

// New returns an unarmed fence.
func New() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Write is one outstanding write on a fence. A nil *Write is valid and does
// nothing, which lets callers commit unconditionally.
type Write struct {
	fence *Fence
	once  sync.Once
}

// BeginWrite registers a write that must commit before the fence fires.
func (f *Fence) BeginWrite() (*Write, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired {
		return nil, ErrFired
	}
	f.outstanding++
	return &Write{fence: f}, nil
}

// Committed marks the write done. Extra calls are ignored.
func (w *Write) Committed() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		f := w.fence
		f.mu.Lock()
		f.outstanding--
		callbacks := f.maybeFireLocked()
		f.mu.Unlock()
		runAll(callbacks)
	})
}

// Arm allows the fence to fire once no writes are outstanding.
func (f *Fence) Arm() error {
	f.mu.Lock()
	if f.armed {
		f.mu.Unlock()
		return ErrArmed
	}
	f.armed = true
	callbacks := f.maybeFireLocked()
	f.mu.Unlock()
	runAll(callbacks)
	return nil
}

// OnAllCommitted registers fn to run when the fence fires. If it already
// fired fn runs immediately on the calling goroutine.
func (f *Fence) OnAllCommitted(fn func()) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Wait blocks until the fence fires or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ArmAndWait arms the fence and waits for it to fire.
func (f *Fence) ArmAndWait(ctx context.Context) error {
	if err := f.Arm(); err != nil {
		return err
	}
	return f.Wait(ctx)
}

// Done is closed when the fence fires.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

func (f *Fence) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// Outstanding reports the number of uncommitted writes.
func (f *Fence) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

func (f *Fence) maybeFireLocked() []func() {
	if !f.armed || f.fired || f.outstanding > 0 {
		return nil
	}
	f.fired = true
	close(f.done)
	callbacks := f.callbacks
	f.callbacks = nil
	return callbacks
}

func runAll(callbacks []func()) {
	for _, cb := range callbacks {
		cb()
	}
}
