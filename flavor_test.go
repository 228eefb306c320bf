package urcu

import (
	"sync"
	"testing"
)

// lockFlavor is a deliberately naive conforming RCU implementation:
// readers share an RWMutex, a grace period is one exclusive
// acquisition, and deferred work runs on its own goroutine after a
// grace period. It exists to prove the table runs over any
// implementation of the plug-in interface, not just Engine.
type lockFlavor struct {
	mu sync.RWMutex
	wg sync.WaitGroup
}

type lockFlavorReader struct {
	f *lockFlavor
}

func (f *lockFlavor) Register() FlavorReader { return &lockFlavorReader{f} }

func (f *lockFlavor) Synchronize() {
	f.mu.Lock()
	//lint:ignore SA2001 an empty critical section is the grace period
	f.mu.Unlock()
}

func (f *lockFlavor) Call(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.Synchronize()
		fn()
	}()
}

func (f *lockFlavor) drain() { f.wg.Wait() }

func (r *lockFlavorReader) Lock()       { r.f.mu.RLock() }
func (r *lockFlavorReader) Unlock()     { r.f.mu.RUnlock() }
func (r *lockFlavorReader) Offline()    {}
func (r *lockFlavorReader) Online()     {}
func (r *lockFlavorReader) Unregister() {}

func TestTableWithCustomFlavor(t *testing.T) {
	f := &lockFlavor{}
	tb, err := NewTable(nil, nil, 0, 4, 0, f)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	rd := f.Register()
	const n = 200
	rd.Lock()
	for i := uint64(0); i < n; i++ {
		node := &Node{}
		node.Init(key64(i))
		tb.Add(node)
	}
	for i := uint64(0); i < n; i++ {
		if it := tb.Lookup(key64(i)); it.Node() == nil {
			t.Fatalf("key %d not found under custom flavor", i)
		}
	}
	rd.Unlock()

	tb.Resize(64)
	tb.Resize(2)

	rd.Lock()
	for i := uint64(0); i < n; i++ {
		it := tb.Lookup(key64(i))
		if it.Node() == nil {
			t.Fatalf("key %d lost across resizes under custom flavor", i)
		}
		if err := tb.Del(it); err != nil {
			t.Fatalf("Del(%d): %v", i, err)
		}
	}
	rd.Unlock()
	rd.Unregister()
	f.drain()

	if err := tb.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
