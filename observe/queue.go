package observe

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// taskQueue runs tasks one at a time, in submission order, on its own
// goroutine. It is the single writer of a multiplexer's state.
type taskQueue struct {
	name   string
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newTaskQueue(name string) *taskQueue {
	q := &taskQueue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

// queue schedules fn and reports whether it was accepted.
func (q *taskQueue) queue(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// run schedules fn and waits for it to finish. It must not be called from a
// task of the same queue.
func (q *taskQueue) run(fn func()) error {
	finished := make(chan struct{})
	if !q.queue(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	<-finished
	return nil
}

// close rejects further tasks; queued tasks still run.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) loop() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.tasks) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			q.safeRun(task)
		}
	}
}

func (q *taskQueue) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("queue", q.name).
				Str("panic", fmt.Sprint(r)).
				Msg("Exception in queued task")
		}
	}()
	task()
}
