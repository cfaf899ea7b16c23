// Package bufpool provides fixed-capacity frame buffers and a bounded
// free list for them. Frames on the hot path are acquired here before a
// TAP or link read and returned on their terminal path, so steady-state
// forwarding does not allocate.
package bufpool

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// FrameCapacity is the fixed byte capacity of every Iob — the MTU ceiling.
const FrameCapacity = 1500

// DefaultPoolCapacity bounds the free list when no capacity is given.
const DefaultPoolCapacity = 1024

// Iob is a fixed-capacity I/O buffer carrying a current length. It is
// owned by exactly one component at a time and moves by pointer; the
// backing array is never shared.
type Iob struct {
	buf []byte
	n   int
}

// NewIob allocates a fresh, empty frame buffer.
func NewIob() *Iob {
	return &Iob{buf: make([]byte, FrameCapacity)}
}

// Bytes exposes the full backing array, for use as a read destination.
// Call SetLen with the read count afterwards.
func (b *Iob) Bytes() []byte { return b.buf }

// Data returns the filled portion of the buffer.
func (b *Iob) Data() []byte { return b.buf[:b.n] }

// Len returns the current length.
func (b *Iob) Len() int { return b.n }

// Capacity returns the fixed capacity.
func (b *Iob) Capacity() int { return len(b.buf) }

// SetLen records the filled length. Out-of-range values are ignored.
func (b *Iob) SetLen(n int) {
	if n < 0 || n > len(b.buf) {
		logrus.WithField("len", n).Warn("iob resize out of range")
		return
	}
	b.n = n
}

// Fill copies p into the buffer, truncating at capacity.
func (b *Iob) Fill(p []byte) {
	n := copy(b.buf, p)
	if n < len(p) {
		logrus.WithFields(logrus.Fields{"len": len(p), "cap": len(b.buf)}).
			Warn("frame larger than buffer capacity")
	}
	b.n = n
}

// Shift discards the first n filled bytes, keeping the remainder in
// place. Used after a partial write to retry the tail.
func (b *Iob) Shift(n int) {
	if n <= 0 {
		return
	}
	if n >= b.n {
		b.n = 0
		return
	}
	copy(b.buf, b.buf[n:b.n])
	b.n -= n
}

// Pool is a bounded free list of Iobs. Get never blocks: an empty pool
// yields once and falls back to allocation. Put drops the buffer when the
// pool is already full.
type Pool struct {
	mu      sync.Mutex
	free    []*Iob
	cap     int
	sz      int // outstanding buffers
	maxUsed int
}

// New creates a pool bounding the free list at capacity.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &Pool{cap: capacity, free: make([]*Iob, 0, capacity)}
}

// Get removes and returns the front buffer, or allocates when the pool is
// empty. The outstanding count and its high-water mark are updated either
// way.
func (p *Pool) Get() *Iob {
	p.mu.Lock()
	p.sz++
	if p.sz > p.maxUsed {
		p.maxUsed = p.sz
	}
	if len(p.free) == 0 {
		p.mu.Unlock()
		runtime.Gosched()
		return NewIob()
	}
	b := p.free[0]
	p.free = p.free[1:]
	p.mu.Unlock()
	return b
}

// Put resets the buffer and returns it to the free list; excess buffers
// beyond the pool capacity are dropped for the GC.
func (p *Pool) Put(b *Iob) {
	if b == nil {
		return
	}
	b.n = 0
	p.mu.Lock()
	if p.sz > 0 {
		p.sz--
	}
	if len(p.free) < p.cap {
		p.free = append(p.free, b)
	}
	p.mu.Unlock()
}

// MaxUsed reports the high-water mark of concurrently outstanding
// buffers, for diagnostics.
func (p *Pool) MaxUsed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxUsed
}
