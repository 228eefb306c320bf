package urcu

import (
	"bytes"
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Table is a lock-free, resizable hash table protected by RCU.
//
// All nodes, user nodes and per-bucket dummy sentinels alike, live in a
// single linked list ordered by bit-reversed hash. For any power-of-two
// size s, bucket b is anchored at the dummy whose reverse-hash is
// bitReverse(b); growing from s to 2s only links s new dummies into the
// existing list and never moves a user node.
//
// Lookup and traversal must run inside a read-side critical section of
// the table's flavor. Add, AddUnique, AddReplace, Replace and Del are
// lock-free, must also run inside a critical section (the nodes they
// compare against could otherwise be reclaimed under them), and are
// freely concurrent with each other and with resizes. Removal happens
// in two steps: a CAS sets the removed flag in the victim's next
// pointer, then a bucket-local garbage collection unlinks every flagged
// node it meets; any writer that trips over a flagged node helps unlink
// it, which is what keeps the structure lock-free.
type Table struct {
	// size is the authoritative visible dimension: the number of buckets
	// every operation routes through. Published with a release store
	// only after the corresponding dummies are fully linked.
	size atomic.Uint64

	// resizeTarget is the goal the resize worker drives size toward; it
	// can transiently disagree with size in either direction.
	resizeTarget    atomic.Uint64
	resizeInitiated atomic.Bool

	// tbl[o] points to the level holding the order-o dummy records:
	// one for o==0, 1<<(o-1) for o>=1. Entries are published with
	// storeShared under the resize mutex and read lock-free; a level is
	// immutable once fully linked.
	tbl [maxTableOrder]unsafe.Pointer

	hash   HashFunc
	eq     EqualFunc
	seed   uint64
	flags  Flags
	flavor Flavor
	spawn  func(task func())

	// resizeMu serializes grow and shrink. Workers must be offline while
	// holding it: the shrink path synchronizes under the mutex, and a
	// grace period cannot end while a reader it waits for is parked here.
	resizeMu          sync.Mutex
	inProgressResize  atomic.Int32
	inProgressDestroy atomic.Bool

	// count is the committed global approximation fed by the stripes.
	count      atomic.Int64
	stripes    []counterStripe
	stripeMask uint64

	totalGrowths atomic.Uint32
	totalShrinks atomic.Uint32
}

// HashFunc hashes a key under a seed. The table uses the full 64-bit
// range; only the low bits select a bucket, so mixers with weak high
// bits are fine.
type HashFunc func(key []byte, seed uint64) uint64

// EqualFunc reports whether two keys are equivalent.
type EqualFunc func(a, b []byte) bool

// Flags configure table behavior at creation.
type Flags int

const (
	// AutoResize enables chain-length-triggered and count-triggered
	// automatic resizes.
	AutoResize Flags = 1 << iota
)

var (
	// ErrInvalidSize is returned by NewTable for a non-power-of-two
	// initial size.
	ErrInvalidSize = errors.New("urcu: initial size must be zero or a power of two")

	// ErrNotFound is returned by Del and Replace when the target node
	// was concurrently removed.
	ErrNotFound = errors.New("urcu: node was concurrently removed")

	// ErrNotEmpty is returned by Destroy while user nodes remain.
	ErrNotEmpty = errors.New("urcu: table still contains user nodes")
)

const (
	minTableSize  = 1
	maxTableOrder = 64

	// Minimum number of dummy nodes each resize worker handles; below
	// twice this, grow and shrink stay single-threaded.
	minPartitionPerWorkerOrder = 12
	minPartitionPerWorker      = 1 << minPartitionPerWorkerOrder
)

// Node is an element of the table. Callers embed or allocate nodes,
// Init them with a key, and hand them to the add operations; a
// successful Add transfers ownership to the table, a successful Del
// hands it back, but the node's memory may only be reused after a
// grace period has elapsed (Engine.Defer is the usual vehicle).
type Node struct {
	key         []byte
	reverseHash uint64

	// next is a tagged pointer: the two low bits carry the removed and
	// dummy flags, the rest points at the successor in reverse-hash
	// order (endMarker terminates the list). The flags describe this
	// node, not the successor. Flagged values remain interior pointers
	// into the successor's allocation, which keeps it visible to the GC.
	next unsafe.Pointer
}

// Init readies a caller-allocated node with its key. The key slice is
// retained, not copied; it must not be mutated while the node is in a
// table.
func (n *Node) Init(key []byte) {
	n.key = key
}

// Key returns the node's key.
func (n *Node) Key() []byte {
	return n.key
}

// Iter is a traversal position: the current node plus the exact next
// value loaded from it. Replace needs that next value for its CAS, so
// iterators carry it rather than reloading.
type Iter struct {
	node *Node
	next unsafe.Pointer
}

// Node returns the user node the iterator points at, or nil when the
// traversal is exhausted.
func (it *Iter) Node() *Node {
	return it.node
}

// level is one order's dummy-node array. Immutable once linked.
type level struct {
	nodes []Node
}

// Tagged-pointer helpers. Node allocations are at least word aligned,
// so the two low bits of a next value are free for flags.
const (
	removedFlag  = uintptr(1)
	dummyFlag    = uintptr(2)
	tagFlagsMask = uintptr(3)
)

func clearFlag(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) &^ tagFlagsMask)
}

func nodeOf(p unsafe.Pointer) *Node {
	return (*Node)(clearFlag(p))
}

func isRemoved(p unsafe.Pointer) bool {
	return uintptr(p)&removedFlag != 0
}

func flagRemoved(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) | removedFlag)
}

func isDummy(p unsafe.Pointer) bool {
	return uintptr(p)&dummyFlag != 0
}

func flagDummy(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) | dummyFlag)
}

// endMarker terminates every list. Using a real allocation instead of
// nil keeps flagged end values interior pointers, which both the GC and
// checkptr accept.
var endMarker = new(Node)

func end() unsafe.Pointer {
	return unsafe.Pointer(endMarker)
}

func isEnd(p unsafe.Pointer) bool {
	q := clearFlag(p)
	return q == unsafe.Pointer(endMarker) || q == nil
}

// endNode reports whether a cleared node pointer is the terminator.
func endNode(n *Node) bool {
	return n == endMarker || n == nil
}

// TableConfig holds table creation options.
type TableConfig struct {
	spawn func(task func())
}

// WithWorkerSpawn overrides how resize worker tasks are launched. The
// default starts a plain goroutine; callers that pin workers or route
// them through a pool substitute their own launcher. spawn must run
// task exactly once, on some other goroutine or the current one.
func WithWorkerSpawn(spawn func(task func())) func(*TableConfig) {
	return func(c *TableConfig) {
		c.spawn = spawn
	}
}

// NewTable creates a table over the given flavor.
//
// initSize must be zero or a power of two; the table starts with
// max(initSize, 1) buckets. hash defaults to DefaultHash and eq to
// bytes.Equal. The caller must be offline: creation links the initial
// dummies under the resize mutex.
func NewTable(hash HashFunc, eq EqualFunc, seed uint64, initSize uint64,
	flags Flags, flavor Flavor, options ...func(*TableConfig)) (*Table, error) {

	if initSize&(initSize-1) != 0 {
		return nil, ErrInvalidSize
	}
	if hash == nil {
		hash = DefaultHash
	}
	if eq == nil {
		eq = bytes.Equal
	}

	cfg := TableConfig{
		spawn: func(task func()) { go task() },
	}
	for _, opt := range options {
		opt(&cfg)
	}

	stripes := nextPowOf2(runtime.GOMAXPROCS(0))
	t := &Table{
		hash:       hash,
		eq:         eq,
		seed:       seed,
		flags:      flags,
		flavor:     flavor,
		spawn:      cfg.spawn,
		stripes:    make([]counterStripe, stripes),
		stripeMask: uint64(stripes - 1),
	}

	order := uint(countOrder(max(initSize, minTableSize)) + 1)
	t.resizeMu.Lock()
	t.resizeTarget.Store(uint64(1) << (order - 1))
	t.initTable(0, order)
	t.resizeMu.Unlock()
	return t, nil
}

// lookupBucket locates the dummy anchoring the bucket for hash under
// the given size. Entry order o holds buckets [2^(o-1), 2^o).
func (t *Table) lookupBucket(size, hash uint64) *Node {
	index := hash & (size - 1)
	order := uint(bits.Len64(index))
	lvl := (*level)(loadShared(&t.tbl[order]))
	if order == 0 {
		return &lvl.nodes[0]
	}
	return &lvl.nodes[index&(uint64(1)<<(order-1)-1)]
}

// gcBucket removes all logically deleted nodes from a bucket chain, up
// to the first node whose reverse-hash exceeds node's. Restarting from
// the dummy after every unlink keeps the traversal anchored at a node
// that can never itself be removed.
func (t *Table) gcBucket(dummy, node *Node) {
	if dummy == node {
		panic("urcu: bucket GC anchored at its own target")
	}
	for {
		iterPrev := dummy
		// We can always skip the dummy node initially.
		iter := loadShared(&iterPrev.next)
		var next unsafe.Pointer
		for {
			if isEnd(iter) {
				return
			}
			in := nodeOf(iter)
			if in.reverseHash > node.reverseHash {
				return
			}
			next = loadShared(&in.next)
			if isRemoved(next) {
				break
			}
			iterPrev = in
			iter = next
		}
		newNext := clearFlag(next)
		if isDummy(iter) {
			newNext = flagDummy(newNext)
		}
		atomic.CompareAndSwapPointer(&iterPrev.next, iter, newNext)
	}
}

type addMode int

const (
	addDefault addMode = iota
	addUnique
	addReplace
)

// addInternal links node into the split-ordered list under the given
// size. For addUnique it returns the pre-existing match instead of
// inserting; for addReplace it substitutes a match in place and returns
// it (nil when no match existed). dummy inserts a bucket sentinel:
// dummies sort before user nodes of equal reverse-hash and carry the
// dummy flag in their own next value. The predecessor's next value keeps
// whatever flag it already had, which describes the predecessor itself.
func (t *Table) addInternal(size uint64, node *Node, mode addMode, dummy bool) *Node {
	if size == 0 {
		// Initial first add: node becomes the list head sentinel.
		node.next = flagDummy(end())
		return node
	}
	bucket := t.lookupBucket(size, bitReverse(node.reverseHash))

retry:
	for {
		var chainLen uint32

		// iterPrev tracks the non-removed node prior to the insert
		// location; we can always skip the bucket dummy itself.
		iterPrev := bucket
		iter := loadShared(&iterPrev.next)
		for {
			if isEnd(iter) {
				break
			}
			in := nodeOf(iter)
			if in.reverseHash > node.reverseHash {
				break
			}
			// A dummy is the first node of its identical-reverse-hash run.
			if dummy && in.reverseHash == node.reverseHash {
				break
			}
			next := loadShared(&in.next)
			if isRemoved(next) {
				// Help unlink the logically deleted node, then rescan.
				newNext := clearFlag(next)
				if isDummy(iter) {
					newNext = flagDummy(newNext)
				}
				atomic.CompareAndSwapPointer(&iterPrev.next, iter, newNext)
				continue retry
			}
			if (mode == addUnique || mode == addReplace) &&
				!isDummy(next) &&
				in.reverseHash == node.reverseHash &&
				t.eq(node.key, in.key) {
				if mode == addUnique {
					return in
				}
				// addReplace: substitute in place. The helper ran the
				// bucket GC already on success.
				if t.replaceInternal(size, in, next, node) == nil {
					return in
				}
				continue retry
			}
			// Only account for identical reverse-hash runs once.
			if iterPrev.reverseHash != in.reverseHash && !isDummy(next) {
				chainLen++
				t.checkResize(size, chainLen)
			}
			iterPrev = in
			iter = next
		}

		// Insert between iterPrev and iter.
		if !dummy {
			node.next = clearFlag(iter)
		} else {
			node.next = flagDummy(clearFlag(iter))
		}
		newNode := unsafe.Pointer(node)
		if isDummy(iter) {
			newNode = flagDummy(newNode)
		}
		if !atomic.CompareAndSwapPointer(&iterPrev.next, iter, newNode) {
			continue retry
		}
		if mode == addReplace {
			return nil
		}
		return node
	}
}

// replaceInternal performs the atomic in-place substitution: one CAS on
// oldNode's next both sets its removed flag and publishes newNode, so a
// traversal walking through oldNode either skips it and sees newNode or
// still uses oldNode, never both. oldNext must be the next value the
// caller observed on oldNode.
func (t *Table) replaceInternal(size uint64, oldNode *Node, oldNext unsafe.Pointer, newNode *Node) error {
	if oldNode == nil {
		return ErrNotFound
	}
	if newNode == oldNode {
		panic("urcu: replace of a node with itself")
	}
	for {
		if isRemoved(oldNext) {
			// Too late: removed under us between lookup and replace.
			return ErrNotFound
		}
		newNode.next = clearFlag(oldNext)
		if atomic.CompareAndSwapPointer(&oldNode.next, oldNext, flagRemoved(unsafe.Pointer(newNode))) {
			break
		}
		oldNext = loadShared(&oldNode.next)
	}

	// Make sure oldNode is no longer reachable: GC its bucket up to the
	// replacement.
	dummy := t.lookupBucket(size, bitReverse(oldNode.reverseHash))
	t.gcBucket(dummy, newNode)
	return nil
}

// delInternal logically deletes node (the flag CAS) and physically
// unlinks it from its bucket. Exactly one caller wins the flag CAS and
// owns the node afterwards. dummyRemoval flips the sanity check: only
// the shrink path removes dummies.
func (t *Table) delInternal(size uint64, node *Node, dummyRemoval bool) error {
	if node == nil {
		return ErrNotFound
	}
	old := loadShared(&node.next)
	for {
		next := old
		if isRemoved(next) {
			return ErrNotFound
		}
		if dummyRemoval != isDummy(next) {
			panic("urcu: dummy flag mismatch on delete")
		}
		if atomic.CompareAndSwapPointer(&node.next, next, flagRemoved(next)) {
			break
		}
		old = loadShared(&node.next)
	}

	// The logical deletion won; unlink before the caller's critical
	// section ends so no later lookup can return the node.
	dummy := t.lookupBucket(size, bitReverse(node.reverseHash))
	t.gcBucket(dummy, node)
	return nil
}

// Lookup finds the first node matching key. The returned iterator's
// Node is nil when no match exists. Caller must be inside a read-side
// critical section.
func (t *Table) Lookup(key []byte) Iter {
	hash := t.hash(key, t.seed)
	reverse := bitReverse(hash)

	size := t.size.Load()
	dummy := t.lookupBucket(size, hash)
	// We can always skip the dummy node initially.
	n := nodeOf(loadShared(&dummy.next))
	var next unsafe.Pointer
	for {
		if endNode(n) {
			n, next = nil, nil
			break
		}
		if n.reverseHash > reverse {
			n, next = nil, nil
			break
		}
		next = loadShared(&n.next)
		if !isRemoved(next) && !isDummy(next) &&
			n.reverseHash == reverse && t.eq(n.key, key) {
			break
		}
		n = nodeOf(next)
	}
	return Iter{node: n, next: next}
}

// NextDuplicate advances it to the next node whose key equals the
// current node's key, or exhausts it. Caller must be inside a read-side
// critical section.
func (t *Table) NextDuplicate(it *Iter) {
	node := it.node
	reverse := node.reverseHash
	key := node.key

	n := nodeOf(it.next)
	var next unsafe.Pointer
	for {
		if endNode(n) {
			n, next = nil, nil
			break
		}
		if n.reverseHash > reverse {
			n, next = nil, nil
			break
		}
		next = loadShared(&n.next)
		if !isRemoved(next) && !isDummy(next) && t.eq(n.key, key) {
			break
		}
		n = nodeOf(next)
	}
	it.node, it.next = n, next
}

// Next advances it to the next live user node in reverse-hash order,
// skipping dummies and logically removed nodes. Caller must be inside a
// read-side critical section.
func (t *Table) Next(it *Iter) {
	n := nodeOf(it.next)
	var next unsafe.Pointer
	for {
		if endNode(n) {
			n, next = nil, nil
			break
		}
		next = loadShared(&n.next)
		if !isRemoved(next) && !isDummy(next) {
			break
		}
		n = nodeOf(next)
	}
	it.node, it.next = n, next
}

// First positions an iterator at the first live user node. Caller must
// be inside a read-side critical section.
func (t *Table) First() Iter {
	// The order-0 dummy is the head of the whole list.
	head := &(*level)(loadShared(&t.tbl[0])).nodes[0]
	it := Iter{next: loadShared(&head.next)}
	t.Next(&it)
	return it
}

// Add inserts node. No uniqueness check is performed; duplicates of a
// key coexist and are visible through NextDuplicate.
func (t *Table) Add(node *Node) {
	hash := t.hash(node.key, t.seed)
	node.reverseHash = bitReverse(hash)

	size := t.size.Load()
	t.addInternal(size, node, addDefault, false)
	t.countAdd(size, hash)
}

// AddUnique inserts node unless a key-equivalent node already exists.
// Returns node on success; otherwise the existing match is returned and
// node was not inserted.
func (t *Table) AddUnique(node *Node) *Node {
	hash := t.hash(node.key, t.seed)
	node.reverseHash = bitReverse(hash)

	size := t.size.Load()
	ret := t.addInternal(size, node, addUnique, false)
	if ret == node {
		t.countAdd(size, hash)
	}
	return ret
}

// AddReplace inserts node; if a key-equivalent node existed it is
// atomically replaced and returned so the caller can release it after a
// grace period. Returns nil when node was inserted fresh.
func (t *Table) AddReplace(node *Node) *Node {
	hash := t.hash(node.key, t.seed)
	node.reverseHash = bitReverse(hash)

	size := t.size.Load()
	ret := t.addInternal(size, node, addReplace, false)
	if ret == nil {
		t.countAdd(size, hash)
	}
	return ret
}

// Replace substitutes newNode for the node old points at, atomically
// with respect to every traversal. Fails with ErrNotFound if the old
// node was concurrently removed. On success the old node belongs to the
// caller again, for release after a grace period.
func (t *Table) Replace(old Iter, newNode *Node) error {
	if old.node == nil {
		return ErrNotFound
	}
	// The replacement inherits the anchor position; its key must be
	// equivalent to the old node's for the list order to stay intact.
	newNode.reverseHash = old.node.reverseHash
	return t.replaceInternal(t.size.Load(), old.node, old.next, newNode)
}

// Del logically removes the node it points at and unlinks it. Exactly
// one concurrent Del of the same node succeeds; the rest observe
// ErrNotFound. The winner owns the node again and must defer its reuse
// one grace period.
func (t *Table) Del(it Iter) error {
	size := t.size.Load()
	if err := t.delInternal(size, it.node, false); err != nil {
		return err
	}
	t.countDel(size, bitReverse(it.node.reverseHash))
	return nil
}

// partitionWork splits length items across resize workers, spawning
// only when the range is large enough to amortize a worker per chunk.
func (t *Table) partitionWork(length uint64, fn func(start, n uint64)) {
	cpus := runtime.GOMAXPROCS(0)
	chunkSize, chunks := calcParallelism(int(length), minPartitionPerWorker, cpus)
	if chunks <= 1 {
		fn(0, length)
		return
	}
	var wg sync.WaitGroup
	for c := 0; c < chunks; c++ {
		start := uint64(c) * uint64(chunkSize)
		if start >= length {
			break
		}
		n := min(uint64(chunkSize), length-start)
		wg.Add(1)
		t.spawn(func() {
			defer wg.Done()
			fn(start, n)
		})
	}
	wg.Wait()
}

// initTablePopulate links one order's dummies into the list. Each
// worker registers its own reader and holds a critical section while
// linking, protecting its traversals against reclamation by concurrent
// deferred work.
func (t *Table) initTablePopulate(i uint, length uint64) {
	lvl := (*level)(loadShared(&t.tbl[i]))
	var base, prevSize uint64
	if i > 0 {
		base = uint64(1) << (i - 1)
		prevSize = uint64(1) << (i - 1)
	}
	t.partitionWork(length, func(start, n uint64) {
		rd := t.flavor.Register()
		rd.Lock()
		for j := start; j < start+n; j++ {
			node := &lvl.nodes[j]
			node.reverseHash = bitReverse(base + j)
			t.addInternal(prevSize, node, addDefault, true)
		}
		rd.Unlock()
		rd.Unregister()
	})
}

// initTable grows the order table across [firstOrder, firstOrder+
// lenOrder), publishing each level's size only after its dummies are
// fully linked. Aborts early if the resize target shrank under us or a
// destroy started.
func (t *Table) initTable(firstOrder, lenOrder uint) {
	endOrder := firstOrder + lenOrder
	for i := firstOrder; i < endOrder; i++ {
		length := levelLen(i)

		// Stop expanding if the target changed under us.
		if t.resizeTarget.Load() < levelSize(i) {
			break
		}

		storeShared(&t.tbl[i], unsafe.Pointer(&level{nodes: make([]Node, length)}))

		// Set the reverse-hash of every dummy at this order and link
		// them all into the table.
		t.initTablePopulate(i, length)

		// Publish the new size; lookups may route to the new dummies
		// from here on.
		t.size.Store(levelSize(i))

		if t.inProgressDestroy.Load() {
			break
		}
	}
}

// removeTable marks and unlinks one order's dummies using the
// dummy-removal delete. Concurrent add and del operations help with the
// garbage collection.
func (t *Table) removeTable(i uint, length uint64) {
	lvl := (*level)(loadShared(&t.tbl[i]))
	base := uint64(1) << (i - 1)
	t.partitionWork(length, func(start, n uint64) {
		rd := t.flavor.Register()
		rd.Lock()
		for j := start; j < start+n; j++ {
			node := &lvl.nodes[j]
			node.reverseHash = bitReverse(base + j)
			t.delInternal(base, node, true)
		}
		rd.Unlock()
		rd.Unregister()
	})
}

// finiTable shrinks the order table back down across [firstOrder,
// firstOrder+lenOrder), top order first. For each departing order: the
// halved size is published first so new operations stop routing to the
// doomed dummies, one grace period guarantees no lookup still walks
// them, the dummies are unlinked, and a final grace period covers the
// stragglers before the level is released.
func (t *Table) finiTable(firstOrder, lenOrder uint) {
	if firstOrder == 0 {
		panic("urcu: shrink below the head order")
	}
	endOrder := firstOrder + lenOrder
	freeByRcu := -1
	for i := int(endOrder) - 1; i >= int(firstOrder); i-- {
		length := uint64(1) << (i - 1)

		// Stop shrinking if the target changed under us.
		if t.resizeTarget.Load() > uint64(1)<<(i-1) {
			break
		}

		t.size.Store(uint64(1) << (i - 1))

		// Wait for all operations to see the new size (and thus stop
		// using the doomed dummies as insert positions) before we start
		// logically removing them.
		t.flavor.Synchronize()
		if freeByRcu >= 0 {
			t.releaseLevel(uint(freeByRcu))
		}

		t.removeTable(uint(i), length)
		freeByRcu = i

		if t.inProgressDestroy.Load() {
			break
		}
	}

	if freeByRcu >= 0 {
		t.flavor.Synchronize()
		t.releaseLevel(uint(freeByRcu))
	}
}

// releaseLevel drops the order-i dummy array after its grace period.
func (t *Table) releaseLevel(i uint) {
	lvl := (*level)(loadShared(&t.tbl[i]))
	if enablePoison {
		poisonLevel(lvl)
	}
	storeShared(&t.tbl[i], nil)
}

func levelLen(i uint) uint64 {
	if i == 0 {
		return 1
	}
	return uint64(1) << (i - 1)
}

func levelSize(i uint) uint64 {
	if i == 0 {
		return 1
	}
	return uint64(1) << i
}

// doResize drives size to resizeTarget, re-running if the target moves
// while a pass is in flight. Called with resizeMu held, caller offline.
func (t *Table) doResize() {
	for {
		if t.inProgressDestroy.Load() {
			return
		}
		t.resizeInitiated.Store(true)
		oldSize := t.size.Load()
		newSize := t.resizeTarget.Load()
		if oldSize < newSize {
			t.grow(oldSize, newSize)
		} else if oldSize > newSize {
			t.shrink(oldSize, newSize)
		}
		t.resizeInitiated.Store(false)
		if t.size.Load() == t.resizeTarget.Load() {
			return
		}
	}
}

// grow links the missing orders. Called with resizeMu held.
func (t *Table) grow(oldSize, newSize uint64) {
	oldOrder := uint(countOrder(oldSize) + 1)
	newOrder := uint(countOrder(newSize) + 1)
	t.totalGrowths.Add(1)
	t.initTable(oldOrder, newOrder-oldOrder)
}

// shrink unlinks the surplus orders, never below minTableSize. Called
// with resizeMu held.
func (t *Table) shrink(oldSize, newSize uint64) {
	newSize = max(newSize, minTableSize)
	oldOrder := uint(countOrder(oldSize) + 1)
	newOrder := uint(countOrder(newSize) + 1)
	if newOrder >= oldOrder {
		return
	}
	t.totalShrinks.Add(1)
	t.finiTable(newOrder, oldOrder-newOrder)
}

// Resize blocks until the table has been grown or shrunk to newSize
// (rounded up to a power of two, floored at the minimum size). The
// caller must be offline: the shrink path waits for grace periods
// under the resize mutex.
func (t *Table) Resize(newSize uint64) {
	t.resizeTargetUpdateCount(newSize)
	t.resizeInitiated.Store(true)
	t.resizeMu.Lock()
	t.doResize()
	t.resizeMu.Unlock()
}

// resizeTargetUpdate raises the target for a chain-length-driven grow;
// targets only ever go up on this path.
func (t *Table) resizeTargetUpdate(size uint64, growth int) uint64 {
	return atomicMax(&t.resizeTarget, size<<growth)
}

// resizeTargetUpdateCount sets an absolute target for count-driven and
// explicit resizes. The target is rounded up to a power of two so the
// resize loop always converges on it.
func (t *Table) resizeTargetUpdateCount(count uint64) {
	count = max(count, minTableSize)
	t.resizeTarget.Store(uint64(1) << countOrder(count))
}

// resizeWork is the deferred resize body: it runs under the mutex in
// the flavor's callback context, keeping Add and Del lock-free.
func (t *Table) resizeWork() {
	t.resizeMu.Lock()
	t.doResize()
	t.resizeMu.Unlock()
	t.inProgressResize.Add(-1)
}

// resizeLazy schedules a grow of size<<growth through the flavor's
// deferred-callback worker. resizeInitiated coalesces storms of
// requests; the inProgressResize/inProgressDestroy handshake keeps a
// late request from racing teardown.
func (t *Table) resizeLazy(size uint64, growth int) {
	target := t.resizeTargetUpdate(size, growth)
	if !t.resizeInitiated.Load() && size < target {
		t.inProgressResize.Add(1)
		if t.inProgressDestroy.Load() {
			t.inProgressResize.Add(-1)
			return
		}
		t.flavor.Call(t.resizeWork)
		t.resizeInitiated.Store(true)
	}
}

// resizeLazyCount is the count-triggered variant, targeting the
// population itself rather than a growth factor.
func (t *Table) resizeLazyCount(size, count uint64) {
	if t.flags&AutoResize == 0 {
		return
	}
	t.resizeTargetUpdateCount(count)
	if !t.resizeInitiated.Load() {
		t.inProgressResize.Add(1)
		if t.inProgressDestroy.Load() {
			t.inProgressResize.Add(-1)
			return
		}
		t.flavor.Call(t.resizeWork)
		t.resizeInitiated.Store(true)
	}
}

// deleteDummies verifies the table holds nothing but dummies and then
// releases every level. Refuses with ErrNotEmpty when a user node
// remains, leaving the table intact.
func (t *Table) deleteDummies() error {
	head := &(*level)(loadShared(&t.tbl[0])).nodes[0]

	// Check that the table is empty. The flags in each next value
	// describe the node holding it, so walking the values inspects every
	// node in the chain.
	p := loadShared(&head.next)
	for {
		if !isDummy(p) {
			return ErrNotEmpty
		}
		if isRemoved(p) {
			panic("urcu: removed dummy outside a shrink")
		}
		if isEnd(p) {
			break
		}
		p = loadShared(&nodeOf(p).next)
	}

	size := t.size.Load()
	for order := uint(0); order <= uint(countOrder(size)); order++ {
		t.releaseLevel(order)
	}
	return nil
}

// Destroy tears the table down: it halts lazy resizes, waits out any
// in-flight one, and releases the dummy levels. Fails with ErrNotEmpty
// while user nodes remain. No reader may still access the table, and
// the caller must be offline.
func (t *Table) Destroy() error {
	t.inProgressDestroy.Store(true)
	spins := 0
	for t.inProgressResize.Load() != 0 {
		delay(&spins)
	}
	return t.deleteDummies()
}

// CountNodes walks the table and returns the stripe approximation
// sampled before the walk, the exact number of live user nodes, the
// number of logically removed but not yet unlinked nodes, and the
// approximation sampled after. Caller must be inside a read-side
// critical section.
func (t *Table) CountNodes() (approxBefore int64, count, removed uint64, approxAfter int64) {
	approxBefore = t.approxCount()

	node := &(*level)(loadShared(&t.tbl[0])).nodes[0]
	for {
		next := loadShared(&node.next)
		if isRemoved(next) {
			if !isDummy(next) {
				removed++
			}
		} else if !isDummy(next) {
			count++
		}
		if isEnd(next) {
			break
		}
		node = nodeOf(next)
	}

	approxAfter = t.approxCount()
	return
}
