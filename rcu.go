// Package urcu provides a userspace read-copy-update primitive and a
// lock-free, resizable, RCU-protected hash table built on top of it.
//
// Readers register once with an Engine, then bracket their traversals
// with Reader.Lock / Reader.Unlock. The read-side fast path is a single
// atomic load of the global grace-period counter plus a single atomic
// store to the reader's own counter: no read-modify-write, no allocation,
// no blocking. Writers mutate shared structures with compare-and-swap
// and call Engine.Synchronize (or Engine.Defer) to wait out every
// read-side critical section that could still observe displaced memory
// before releasing it.
package urcu

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Grace-period counter layout. The low gpCtrNestShift bits count RCS
// nesting on a reader; the bit above them is the parity the writer
// toggles. The global counter always carries a nest count of gpCount so
// a reader entering an outermost critical section publishes parity and
// nesting with one store.
const (
	gpCount        = uint64(1)
	gpCtrNestShift = 16
	gpCtrBit       = uint64(1) << gpCtrNestShift
	gpNestMask     = gpCtrBit - 1
)

// Engine is a grace-period engine: it tracks a registry of reader
// threads and detects when every read-side critical section that
// predates a given instant has ended.
//
// All process-wide state of the algorithm (the global grace-period
// counter, the reader registry, the deferred-callback worker) lives in
// the Engine value; independent engines do not interact.
type Engine struct {
	// mu serializes writers: parity flips, registry mutation, and the
	// quiescent-state waits all happen under it. Readers never take it.
	mu sync.Mutex

	// gp holds the current parity bit plus a constant nest count of
	// gpCount to accelerate the reader fast path. Written only under mu,
	// read by every reader on critical-section entry.
	gp atomic.Uint64

	// readers is the registry. Mutated only under mu; the wait loop in
	// Synchronize reads the per-reader counters through the slice while
	// holding mu.
	readers []*Reader

	cbs        deferQueue
	workerDone chan struct{}
}

// NewEngine creates an engine and starts its deferred-callback worker.
// Call Close to stop the worker once every reader has unregistered.
func NewEngine() *Engine {
	e := &Engine{
		workerDone: make(chan struct{}),
	}
	e.cbs.signal = make(chan struct{}, 1)
	e.gp.Store(gpCount)
	go e.deferWorker()
	return e
}

// Close drains and stops the deferred-callback worker. Closing an engine
// that still has registered readers is a programmer error and panics;
// no operation may be called on a closed engine.
func (e *Engine) Close() {
	e.mu.Lock()
	n := len(e.readers)
	e.mu.Unlock()
	if n != 0 {
		panic("urcu: Close with readers still registered")
	}
	e.cbs.close()
	<-e.workerDone
}

// Reader is one registered reader thread's view of the engine. A Reader
// must only be used by the goroutine it was handed to; the engine reads
// its counter remotely but never writes it.
type Reader struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		ctr atomic.Uint64
		e   *Engine
	}{})%CacheLineSize) % CacheLineSize]byte

	// ctr encodes whether this reader is inside a critical section
	// (nest count in gpNestMask) and, if so, which global parity it
	// observed on entry. Written only by the owning goroutine.
	ctr atomic.Uint64

	e *Engine
}

// Register adds a reader to the engine's registry and returns its
// handle. Must be called before the reader's first Lock.
func (e *Engine) Register() *Reader {
	r := &Reader{e: e}
	e.mu.Lock()
	e.readers = append(e.readers, r)
	e.mu.Unlock()
	return r
}

// Unregister removes the reader from the registry. The reader must not
// be inside a critical section. Unregistering a reader that was never
// registered (or twice) is a programmer error and panics.
func (r *Reader) Unregister() {
	if r.ctr.Load()&gpNestMask != 0 {
		panic("urcu: Unregister inside a read-side critical section")
	}
	e := r.e
	e.mu.Lock()
	for i, x := range e.readers {
		if x == r {
			last := len(e.readers) - 1
			e.readers[i] = e.readers[last]
			e.readers[last] = nil
			e.readers = e.readers[:last]
			e.mu.Unlock()
			return
		}
	}
	e.mu.Unlock()
	panic("urcu: Unregister of a reader that is not registered")
}

// Lock enters a read-side critical section. May be nested. The fast
// path is an atomic load of the reader's own counter, one atomic load of
// the global counter on outermost entry, and one atomic store; it never
// allocates and never blocks. Pointers loaded inside the section stay valid until the
// matching Unlock.
func (r *Reader) Lock() {
	c := r.ctr.Load()
	if c&gpNestMask == 0 {
		// Outermost entry: publish the current global parity together
		// with a nest count of one, in a single store. This store is the
		// publication point the writer's wait loop observes.
		r.ctr.Store(r.e.gp.Load())
	} else {
		// Nested entry only bumps the count; parity stays untouched.
		r.ctr.Store(c + gpCount)
	}
}

// Unlock leaves the innermost read-side critical section. Unlock
// without a matching Lock is a programmer error and panics.
func (r *Reader) Unlock() {
	c := r.ctr.Load()
	if c&gpNestMask == 0 {
		panic("urcu: Unlock without a matching Lock")
	}
	r.ctr.Store(c - gpCount)
}

// Offline declares the reader quiescent. For this engine a reader is
// quiescent exactly when it holds no critical section, so Offline only
// validates state; it exists so workers can bracket operations that may
// synchronize (a resize taking its mutex) the same way regardless of
// the underlying RCU implementation.
func (r *Reader) Offline() {
	if r.ctr.Load()&gpNestMask != 0 {
		panic("urcu: Offline inside a read-side critical section")
	}
}

// Online is the inverse bracket of Offline.
func (r *Reader) Online() {
	if r.ctr.Load()&gpNestMask != 0 {
		panic("urcu: Online inside a read-side critical section")
	}
}

// Synchronize blocks until every read-side critical section that began
// before the call has ended. It does not prevent new critical sections
// from starting, and it may block indefinitely if a reader never leaves
// its section. The caller must not itself be inside a critical section.
//
// The algorithm is a two-phase parity flip. A single flip would admit
// an aliasing race: a reader that sampled the pre-flip parity and one
// that will sample the post-flip parity store the same counter value,
// so the writer could mistake an old reader for a new one. Flipping
// twice and waiting out each phase guarantees that any reader that
// entered before the first flip has exited by the time the second wait
// completes.
func (e *Engine) Synchronize() {
	e.mu.Lock()

	// Go's sync/atomic operations are sequentially consistent, so the
	// full-fence pairing between the writer's prior stores and the
	// readers' counter publication is implicit in the counter traffic
	// itself; no per-reader fence coercion is needed.
	e.switchParity() // 0 -> 1
	e.waitReaders()  // wait readers in parity 0
	e.switchParity() // 1 -> 0
	e.waitReaders()  // wait readers in parity 1

	e.mu.Unlock()
}

// switchParity toggles the global parity bit. Called with mu held.
func (e *Engine) switchParity() {
	e.gp.Store(e.gp.Load() ^ gpCtrBit)
}

// waitReaders busy-waits until no registered reader is still inside a
// critical section begun under the previous parity. Called with mu held.
func (e *Engine) waitReaders() {
	gp := e.gp.Load()
	for _, r := range e.readers {
		spins := 0
		for {
			v := r.ctr.Load()
			// Quiescent, or re-entered under the new parity: done.
			if v&gpNestMask == 0 || (v^gp)&gpCtrBit == 0 {
				break
			}
			// Bounded-backoff spin; delay escalates to a short sleep so a
			// reader goroutine starved of a P can still make progress.
			delay(&spins)
		}
	}
}
