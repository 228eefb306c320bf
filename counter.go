package urcu

import (
	"sync/atomic"
	"unsafe"
)

const (
	// Split counters lazily update the global counter once per
	// 1<<countCommitOrder local additions or removals. The global counter
	// in turn drives automatic resize whenever it crosses a power of two.
	countCommitOrder = 10

	// Target and trigger for bucket-chain length. A chain of
	// chainLenResizeThreshold distinct reverse-hash runs observed during
	// an add schedules a lazy grow; chainLenTarget is the length the grow
	// aims to restore.
	chainLenTarget          = 1
	chainLenResizeThreshold = 3
)

// counterStripe is one lane of the split item counter. Stripes are
// cache-line sized so two cores bumping adjacent lanes never share a
// line.
type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		add atomic.Uint64
		del atomic.Uint64
	}{})%CacheLineSize) % CacheLineSize]byte

	add atomic.Uint64
	del atomic.Uint64
}

// stripeFor picks the counter lane for a hash. Striping by hash keeps a
// goroutine that hammers one key from bouncing every lane, while spread
// workloads spread across all of them.
func (t *Table) stripeFor(hash uint64) *counterStripe {
	return &t.stripes[hash&t.stripeMask]
}

// countAdd accounts one successful insertion and requests a lazy grow
// when the committed global count crosses a power of two that the
// current size cannot absorb.
func (t *Table) countAdd(size, hash uint64) {
	c := t.stripeFor(hash).add.Add(1)
	if c&(1<<countCommitOrder-1) != 0 {
		return
	}
	count := t.count.Add(1 << countCommitOrder)
	if count&(count-1) != 0 { // only act on power-of-two crossings
		return
	}
	if uint64(count)>>chainLenResizeThreshold < size {
		return
	}
	t.resizeLazyCount(size, uint64(count)>>(chainLenTarget-1))
}

// countDel is the removal-side counterpart; it requests a lazy shrink
// once the table is big and mostly empty.
func (t *Table) countDel(size, hash uint64) {
	c := t.stripeFor(hash).del.Add(1)
	if c&(1<<countCommitOrder-1) != 0 {
		return
	}
	count := t.count.Add(-(1 << countCommitOrder))
	if count <= 0 || count&(count-1) != 0 {
		return
	}
	if uint64(count)>>chainLenResizeThreshold >= size {
		return
	}
	// Don't shrink while the population is below one commit batch per
	// stripe; at that scale the count is mostly noise.
	if count < (1<<countCommitOrder)*int64(len(t.stripes)) {
		return
	}
	t.resizeLazyCount(size, uint64(count)>>(chainLenTarget-1))
}

// approxCount sums the stripes. The result is approximate while updaters
// are running; it is exact once they have stopped.
func (t *Table) approxCount() int64 {
	var sum int64
	for i := range t.stripes {
		sum += int64(t.stripes[i].add.Load())
		sum -= int64(t.stripes[i].del.Load())
	}
	return sum
}

// checkResize is the chain-length feedback path: adds that walk a long
// run of distinct reverse-hashes in one bucket schedule a grow sized to
// bring the chain back to chainLenTarget. It is the only resize driver
// while the table is small (below one commit batch) and a complement to
// the counters afterwards.
func (t *Table) checkResize(size uint64, chainLen uint32) {
	if t.flags&AutoResize == 0 {
		return
	}
	if t.count.Load() >= 1<<countCommitOrder {
		return
	}
	if chainLen >= chainLenResizeThreshold {
		t.resizeLazy(size, countOrder32(chainLen-(chainLenTarget-1)))
	}
}
