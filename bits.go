package urcu

import "math/bits"

// bitReverse reverses the bit order of v. The split-ordered list keys
// every node by the bit-reversed hash, so that doubling the table size
// refines the existing order instead of reshuffling it.
func bitReverse(v uint64) uint64 {
	return bits.Reverse64(v)
}

// countOrder returns the minimum order for which x <= 1<<order.
// Returns -1 if x is 0.
func countOrder(x uint64) int {
	if x == 0 {
		return -1
	}
	return bits.Len64(x - 1)
}

// countOrder32 is countOrder for 32-bit chain lengths.
func countOrder32(x uint32) int {
	if x == 0 {
		return -1
	}
	return bits.Len32(x - 1)
}
