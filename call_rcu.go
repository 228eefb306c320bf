package urcu

import "sync"

// Deferred-callback state. Enqueueing must never block: Defer is legal
// from inside a read-side critical section, and a blocked enqueuer
// holding a critical section would deadlock against the worker's own
// Synchronize.
type deferQueue struct {
	mu     sync.Mutex
	list   []func()
	signal chan struct{}
	closed bool
}

// Defer arranges for fn to run after a future grace period has elapsed.
// Callbacks execute on the engine's worker goroutine, in enqueue order,
// never in the caller's context. Defer may be called from any
// goroutine, including from inside a read-side critical section.
func (e *Engine) Defer(fn func()) {
	q := &e.cbs
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("urcu: Defer on a closed engine")
	}
	q.list = append(q.list, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Barrier blocks until every callback enqueued before the call has run.
// Useful before tearing down state the callbacks touch.
func (e *Engine) Barrier() {
	done := make(chan struct{})
	e.Defer(func() { close(done) })
	<-done
}

// deferWorker gathers callbacks into batches and runs one grace period
// per batch: a single Synchronize amortizes over every callback that
// queued up while the previous batch was in flight.
func (e *Engine) deferWorker() {
	defer close(e.workerDone)
	q := &e.cbs
	for {
		q.mu.Lock()
		batch := q.list
		q.list = nil
		closed := q.closed
		q.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.signal
			continue
		}

		e.Synchronize()
		for _, fn := range batch {
			fn()
		}
	}
}

func (q *deferQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
