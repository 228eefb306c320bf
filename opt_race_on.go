//go:build race

package urcu

import (
	"sync/atomic"
	"unsafe"
)

// Under race detector, disable TSO optimizations and use conservative
// atomic loads/stores
const isTSO = false

// Conservative: atomic pointer load to satisfy race detector
//
//go:nosplit
func loadShared(addr *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(addr)
}

// Conservative: atomic pointer store to satisfy race detector
//
//go:nosplit
func storeShared(addr *unsafe.Pointer, val unsafe.Pointer) {
	atomic.StorePointer(addr, val)
}
