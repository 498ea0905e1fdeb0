package util

import "testing"

func TestNextPow2(t *testing.T) {
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 17: 32, 1 << 40: 1 << 40, (1 << 63) + 1: 1 << 63}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Errorf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestShardCount(t *testing.T) {
	if got := ShardCount(3); got != 4 {
		t.Fatalf("ShardCount(3) = %d", got)
	}
	if got := ShardCount(1000); got != 256 {
		t.Fatalf("ShardCount(1000) = %d", got)
	}
	if got := ShardCount(0); !IsPowerOfTwo(uint64(got)) {
		t.Fatalf("ShardCount(0) = %d is not a power of two", got)
	}
}

func TestShardIndexInRange(t *testing.T) {
	for _, shards := range []int{1, 4, 7, 64} {
		for _, k := range []string{"", "a", "10.0.0.1", "client-42"} {
			i := ShardIndex(Fnv64a(k), shards)
			if i < 0 || i >= shards {
				t.Fatalf("ShardIndex(%q, %d) = %d", k, shards, i)
			}
		}
	}
}

func TestFnv64aKnownVector(t *testing.T) {
	// FNV-1a 64 of "a".
	if got := Fnv64a("a"); got != 0xaf63dc4c8601ec8c {
		t.Fatalf("Fnv64a(a) = %#x", got)
	}
	if Fnv64a("") != fnvOffset64 {
		t.Fatal("empty string must hash to the offset basis")
	}
}
