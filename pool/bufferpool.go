// File: pool/bufferpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"

	"github.com/eapache/queue"
)

// BufferPool hands out fixed-size byte buffers and recycles returned ones
// through a FIFO free list. All buffers from one pool share the same
// capacity; Get never fails and allocates when the free list is empty.
type BufferPool struct {
	mu   sync.Mutex
	free *queue.Queue
	size int
}

// NewBufferPool creates a pool of size-byte buffers with prealloc buffers
// already on the free list.
func NewBufferPool(size, prealloc int) *BufferPool {
	if size <= 0 {
		size = 512
	}
	p := &BufferPool{
		free: queue.New(),
		size: size,
	}
	for i := 0; i < prealloc; i++ {
		p.free.Add(make([]byte, size))
	}
	return p
}

// BufferSize returns the capacity of buffers served by this pool.
func (p *BufferPool) BufferSize() int { return p.size }

// Get returns a buffer of exactly BufferSize bytes.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free.Length() > 0 {
		return p.free.Remove().([]byte)
	}
	return make([]byte, p.size)
}

// Put recycles a buffer previously obtained from Get. Buffers of a foreign
// size are dropped rather than poisoning the free list.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.Add(buf[:p.size])
}
