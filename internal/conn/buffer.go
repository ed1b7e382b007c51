package conn

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the capacity of buffers handed out by Buffers.
const DefaultBufferSize = 32 * 1024

// Buffers is the process-wide pool used by connection readers.
var Buffers = NewBufferPool(DefaultBufferSize)

// Buffer is a pooled, reference counted byte slice. A Buffer starts with one
// reference; each Retain must be matched by a Release, and the last Release
// returns it to its pool.
type Buffer struct {
	b    []byte
	n    int
	refs atomic.Int32
	pool *BufferPool
}

// Bytes returns the filled part of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b[:b.n]
}

// Space returns the whole backing slice for a reader to fill.
func (b *Buffer) Space() []byte {
	return b.b
}

// SetLen records how much of Space was filled.
func (b *Buffer) SetLen(n int) {
	b.n = n
}

func (b *Buffer) Len() int {
	return b.n
}

// Retain adds a reference and returns b.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("conn: retain of released buffer")
	}
	return b
}

// Release drops a reference.
func (b *Buffer) Release() {
	switch refs := b.refs.Add(-1); {
	case refs == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	case refs < 0:
		panic("conn: buffer released too many times")
	}
}

// Refs reports the current reference count.
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

type BufferPool struct {
	size int
	pool sync.Pool
}

func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		return &Buffer{b: make([]byte, size), pool: p}
	}
	return p
}

// Get returns an empty buffer holding one reference.
func (p *BufferPool) Get() *Buffer {
	b := p.pool.Get().(*Buffer)
	b.n = 0
	b.refs.Store(1)
	return b
}

// Copy returns a pooled buffer holding a copy of data, or an unpooled one if
// data does not fit.
func (p *BufferPool) Copy(data []byte) *Buffer {
	if len(data) > p.size {
		b := &Buffer{b: append([]byte(nil), data...), n: len(data)}
		b.refs.Store(1)
		return b
	}
	b := p.Get()
	b.n = copy(b.b, data)
	return b
}

func (p *BufferPool) put(b *Buffer) {
	p.pool.Put(b)
}
