// Package util contains internal helpers (hashing, sharding, padding).
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// Fnv64a hashes s with 64-bit FNV-1a without allocating.
func Fnv64a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}
