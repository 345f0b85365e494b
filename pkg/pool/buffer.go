// Package pool recycles the large read buffers used by the hashing and copy
// workers. Buffers are sized once per run from the configured buffer size, so a
// single fixed-size pool is enough.
package pool

import "sync"

// FixedBufferPool hands out byte slices of exactly one size.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBufferPool returns a pool of size-byte buffers. size must be positive.
func NewFixedBufferPool(size int) *FixedBufferPool {
	if size <= 0 {
		panic("pool: buffer size must be positive")
	}
	fp := &FixedBufferPool{size: size}
	fp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return fp
}

// Size returns the length of buffers handed out by this pool.
func (fp *FixedBufferPool) Size() int {
	return fp.size
}

// Get returns a buffer of full length.
func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a foreign capacity are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
