package urcu

import (
	"math/rand/v2"
	"testing"
)

func TestBitReverseRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 2, 3, 0x8000000000000000, 0xffffffffffffffff, 0xdeadbeefcafebabe}
	for _, v := range cases {
		if got := bitReverse(bitReverse(v)); got != v {
			t.Fatalf("bitReverse(bitReverse(%#x)) = %#x", v, got)
		}
	}
	for i := 0; i < 10000; i++ {
		v := rand.Uint64()
		if got := bitReverse(bitReverse(v)); got != v {
			t.Fatalf("bitReverse(bitReverse(%#x)) = %#x", v, got)
		}
	}
}

func TestBitReverseOrderRefinement(t *testing.T) {
	// Doubling the table refines the split order: the reverse of b+s
	// sorts after the reverse of b and splits the keys of bucket b into
	// those that stay and those that move to b+s. So the bucket 2 dummy
	// lands between the bucket 0 and bucket 1 dummies.
	if bitReverse(1) != 0x8000000000000000 {
		t.Fatalf("bitReverse(1) = %#x", bitReverse(1))
	}
	if bitReverse(2) >= bitReverse(1) {
		t.Fatal("bucket 2 dummy must sort before bucket 1 dummy")
	}
}

func TestCountOrder(t *testing.T) {
	if got := countOrder(0); got != -1 {
		t.Fatalf("countOrder(0) = %d, want -1", got)
	}
	for k := 0; k < 64; k++ {
		if got := countOrder(uint64(1) << k); got != k {
			t.Fatalf("countOrder(1<<%d) = %d, want %d", k, got, k)
		}
	}
	if got := countOrder(3); got != 2 {
		t.Fatalf("countOrder(3) = %d, want 2", got)
	}
	if got := countOrder32(3); got != 2 {
		t.Fatalf("countOrder32(3) = %d, want 2", got)
	}
}

func TestNextPowOf2(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 1023: 1024, 1024: 1024}
	for in, want := range cases {
		if got := nextPowOf2(in); got != want {
			t.Fatalf("nextPowOf2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestCalcParallelism(t *testing.T) {
	chunkSize, chunks := calcParallelism(100, 4096, 8)
	if chunks != 1 || chunkSize != 100 {
		t.Fatalf("small range: chunkSize=%d chunks=%d", chunkSize, chunks)
	}
	chunkSize, chunks = calcParallelism(1<<20, 4096, 8)
	if chunks != 8 {
		t.Fatalf("large range: chunks=%d, want 8", chunks)
	}
	if chunkSize*chunks < 1<<20 {
		t.Fatalf("chunks do not cover the range: %d * %d", chunkSize, chunks)
	}
}
