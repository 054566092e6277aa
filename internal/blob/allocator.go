package blob

import (
	"math/bits"
	"sync"
)

// Allocator hands out host memory for blob storage. Alloc returns nil when
// the request cannot be satisfied; callers must treat that as an allocation
// failure rather than panic.
type Allocator interface {
	Alloc(size int) []byte
	Free(buf []byte)
}

// Heap is the default allocator backed by the Go heap.
var Heap Allocator = heapAllocator{}

type heapAllocator struct{}

func (heapAllocator) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	return make([]byte, size)
}

func (heapAllocator) Free([]byte) {}

// Pool is a size-bucketed allocator that recycles freed buffers. Buckets are
// powers of two so a buffer freed by one shape can serve any smaller shape.
// It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	buckets map[int][][]byte
	hits    int
	misses  int
}

// NewPool creates an empty pool allocator.
func NewPool() *Pool {
	return &Pool{buckets: make(map[int][][]byte)}
}

func bucketFor(size int) int {
	if size <= 64 {
		return 64
	}
	return 1 << bits.Len(uint(size-1))
}

func (p *Pool) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	b := bucketFor(size)

	p.mu.Lock()
	free := p.buckets[b]
	if n := len(free); n > 0 {
		buf := free[n-1]
		p.buckets[b] = free[:n-1]
		p.hits++
		p.mu.Unlock()
		buf = buf[:size]
		clear(buf)
		return buf
	}
	p.misses++
	p.mu.Unlock()

	return make([]byte, size, b)
}

func (p *Pool) Free(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	b := bucketFor(cap(buf))
	if b != cap(buf) {
		// not one of ours
		return
	}
	p.mu.Lock()
	p.buckets[b] = append(p.buckets[b], buf[:0])
	p.mu.Unlock()
}

// Stats reports how many allocations were served from recycled buffers.
func (p *Pool) Stats() (hits, misses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}

// Clear drops every cached buffer.
func (p *Pool) Clear() {
	p.mu.Lock()
	p.buckets = make(map[int][][]byte)
	p.mu.Unlock()
}

// Budget refuses allocations once the bytes in use would exceed Limit.
// It is mostly useful to exercise allocation-failure paths.
type Budget struct {
	Limit int

	mu    sync.Mutex
	inUse int
}

// NewBudget returns an allocator that serves at most limit bytes at a time.
func NewBudget(limit int) *Budget {
	return &Budget{Limit: limit}
}

func (b *Budget) Alloc(size int) []byte {
	if size < 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse+size > b.Limit {
		return nil
	}
	b.inUse += size
	return make([]byte, size)
}

func (b *Budget) Free(buf []byte) {
	b.mu.Lock()
	b.inUse -= len(buf)
	if b.inUse < 0 {
		b.inUse = 0
	}
	b.mu.Unlock()
}

// InUse returns the number of bytes currently handed out.
func (b *Budget) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}
