package engine

import (
	"sync"
)

// DefaultBufferSize is the size of the copy buffers used when staging
// archives and streaming file contents. 1MB keeps syscall counts low
// without holding large trees worth of memory.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool manages reusable copy buffers so that large batches do not
// churn the garbage collector.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool that hands out buffers of the given size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get retrieves a buffer from the pool. The caller should defer Put.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. The caller must not touch the
// buffer afterwards.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil {
		bp.pool.Put(b)
	}
}
