package urcu

import (
	"encoding/binary"
	"hash/maphash"

	"golang.org/x/crypto/sha3"
)

// pkgSeed randomizes DefaultHash across processes, independently of the
// caller-supplied table seed.
var pkgSeed = maphash.MakeSeed()

// DefaultHash is the hash function tables fall back on. It runs the key
// through hash/maphash and folds the table seed in with a 64-bit
// finalizer so distinct seeds produce independent bucket layouts.
func DefaultHash(key []byte, seed uint64) uint64 {
	h := maphash.Bytes(pkgSeed, key) ^ seed
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// Sha3Hash is a keyed, collision-attack-resistant HashFunc for tables
// exposed to hostile keys, where an adversary who can predict bucket
// placement could degenerate chains at will. Far slower than
// DefaultHash; use it only when the threat model calls for it.
func Sha3Hash(key []byte, seed uint64) uint64 {
	var sd [8]byte
	binary.LittleEndian.PutUint64(sd[:], seed)
	d := sha3.New256()
	d.Write(sd[:])
	d.Write(key)
	return binary.LittleEndian.Uint64(d.Sum(nil))
}
