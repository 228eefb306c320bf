package urcu

import (
	"testing"
)

func TestCounterStripesSized(t *testing.T) {
	e := newTestEngine(t)
	tb := newTestTable(t, e, 8, 0)

	if n := len(tb.stripes); n&(n-1) != 0 {
		t.Fatalf("stripe count %d is not a power of two", n)
	}
	if tb.stripeMask != uint64(len(tb.stripes)-1) {
		t.Fatalf("stripeMask %#x does not match %d stripes", tb.stripeMask, len(tb.stripes))
	}
}

func TestCounterApproxTracksOps(t *testing.T) {
	e := newTestEngine(t)
	tb := newTestTable(t, e, 16, 0)
	r := e.Register()
	defer r.Unregister()

	const n = 500
	r.Lock()
	for i := uint64(0); i < n; i++ {
		node := &Node{}
		node.Init(key64(i))
		tb.Add(node)
	}
	for i := uint64(0); i < n/2; i++ {
		it := tb.Lookup(key64(i))
		if err := tb.Del(it); err != nil {
			t.Fatalf("Del(%d): %v", i, err)
		}
	}
	r.Unlock()

	if got := tb.approxCount(); got != n/2 {
		t.Fatalf("approxCount = %d, want %d", got, n/2)
	}
}

func TestCheckResizeRespectsFlag(t *testing.T) {
	e := newTestEngine(t)
	tb := newTestTable(t, e, 1, 0) // auto-resize off

	// Long chains without AutoResize must never schedule work.
	tb.checkResize(1, 100)
	if tb.inProgressResize.Load() != 0 {
		t.Fatal("checkResize scheduled a resize with AutoResize off")
	}
	if got := tb.resizeTarget.Load(); got != 1 {
		t.Fatalf("resizeTarget moved to %d with AutoResize off", got)
	}
}
