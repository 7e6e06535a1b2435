// Package bufpool provides tiered byte-buffer pooling for the listener's
// hot path, adapted from the teacher repository's internal/pool buffer
// pools (its dns.Msg-specific pool has no counterpart here, since this
// repository's codec.Message is not pooled).
package bufpool

import "sync"

const (
	SmallSize  = 512   // typical UDP query/response
	MediumSize = 4096  // EDNS0-sized responses
	LargeSize  = 65535 // maximum DNS message size
)

var (
	smallPool = sync.Pool{New: func() interface{} { b := make([]byte, SmallSize); return &b }}
	mediumPool = sync.Pool{New: func() interface{} { b := make([]byte, MediumSize); return &b }}
	largePool = sync.Pool{New: func() interface{} { b := make([]byte, LargeSize); return &b }}
)

// Get returns a buffer with length n from the smallest tier that fits,
// sliced down to exactly n bytes.
func Get(n int) []byte {
	switch {
	case n <= SmallSize:
		buf := *(smallPool.Get().(*[]byte))
		return buf[:n]
	case n <= MediumSize:
		buf := *(mediumPool.Get().(*[]byte))
		return buf[:n]
	default:
		buf := *(largePool.Get().(*[]byte))
		if cap(buf) < n {
			return make([]byte, n) // larger than our largest tier; don't pool it
		}
		return buf[:n]
	}
}

// Put returns buf to the pool matching its capacity. Buffers whose
// capacity doesn't match a tier exactly are dropped rather than pooled.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case SmallSize:
		smallPool.Put(&buf)
	case MediumSize:
		mediumPool.Put(&buf)
	case LargeSize:
		largePool.Put(&buf)
	}
}
