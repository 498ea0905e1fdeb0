package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
const CacheLineSize = 64

// PaddedCounter is an atomic uint64 padded to one cache line so that
// counters bumped by many goroutines do not false-share.
type PaddedCounter struct {
	atomic.Uint64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(PaddedCounter{}))]byte
