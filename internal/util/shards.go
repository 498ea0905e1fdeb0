package util

import "runtime"

// ShardCount normalizes a requested shard count: n <= 0 picks
// nextPow2(2*GOMAXPROCS); any value is rounded up to a power of two and
// clamped to [1..256].
func ShardCount(n int) int {
	if n <= 0 {
		p := runtime.GOMAXPROCS(0)
		if p < 1 {
			p = 1
		}
		n = 2 * p
	}
	out := int(NextPow2(uint64(n)))
	if out > 256 {
		out = 256
	}
	return out
}

// ShardIndex maps a 64-bit hash to a shard index. The mask path is used when
// shards is a power of two; other counts fall back to modulo.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
