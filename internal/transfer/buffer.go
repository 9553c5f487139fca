package transfer

import "sync"

// ChunkSize matches the largest block the engine hands to a write callback.
const ChunkSize = 16 * 1024

// BufferPool recycles fixed-size chunk buffers between transfers.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers.
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Get returns a buffer of the pool's size.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put recycles b. Buffers of a foreign size are dropped.
func (p *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}

var defaultBuffers = NewBufferPool(ChunkSize)

type chunk struct {
	buf *[]byte
	n   int
}
