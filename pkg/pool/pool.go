// Package pool recycles the fixed size I/O buffers used while copying file
// contents into an archive.
package pool

import "sync"

// FixedBufferPool hands out byte slices of one size. Buffers of any other
// capacity are dropped on Put.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBufferPool creates a pool of size byte buffers. A non-positive
// size panics.
func NewFixedBufferPool(size int) *FixedBufferPool {
	if size <= 0 {
		panic("pool: buffer size must be positive")
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size reports the length of the buffers returned by Get.
func (p *FixedBufferPool) Size() int { return p.size }

// Get returns a buffer of Size bytes.
func (p *FixedBufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns b to the pool.
func (p *FixedBufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}
