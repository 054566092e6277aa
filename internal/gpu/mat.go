package gpu

import (
	"fmt"
	"sync"

	"github.com/samcharles93/lamina/internal/blob"
)

// Buffer is a device memory block handed out by an Allocator.
type Buffer interface {
	Size() int
	Release()
}

// Allocator hands out device buffers. Alloc returns an error wrapping
// ErrAllocation when it cannot satisfy the request.
type Allocator interface {
	Alloc(size int) (Buffer, error)
}

// Mat describes a tensor resident in device memory. It mirrors the host
// blob layout so push constants carry the same dims, extents and CStep.
type Mat struct {
	Dims     int
	W, H, C  int
	ElemSize int
	CStep    int

	Buffer  Buffer
	Staging Allocator
}

// Empty reports whether m has no device buffer.
func (m Mat) Empty() bool {
	return m.Buffer == nil
}

// Create1D allocates a one dimensional device Mat.
func (m *Mat) Create1D(w, elemSize int, alloc, staging Allocator) error {
	return m.create(1, w, 1, 1, elemSize, alloc, staging)
}

// Create2D allocates a two dimensional device Mat.
func (m *Mat) Create2D(w, h, elemSize int, alloc, staging Allocator) error {
	return m.create(2, w, h, 1, elemSize, alloc, staging)
}

// Create3D allocates a three dimensional device Mat.
func (m *Mat) Create3D(w, h, c, elemSize int, alloc, staging Allocator) error {
	return m.create(3, w, h, c, elemSize, alloc, staging)
}

// CreateDims allocates a device Mat of the given rank.
func (m *Mat) CreateDims(dims, w, h, c, elemSize int, alloc, staging Allocator) error {
	switch dims {
	case 1:
		return m.Create1D(w, elemSize, alloc, staging)
	case 2:
		return m.Create2D(w, h, elemSize, alloc, staging)
	case 3:
		return m.Create3D(w, h, c, elemSize, alloc, staging)
	}
	return fmt.Errorf("gpu: unsupported dims %d", dims)
}

func (m *Mat) create(dims, w, h, c, elemSize int, alloc, staging Allocator) error {
	if alloc == nil {
		return fmt.Errorf("%w: no device allocator", ErrAllocation)
	}
	cstep, total, ok := blob.Size(dims, w, h, c, elemSize)
	if !ok {
		return fmt.Errorf("%w: %dx%dx%d of %d-byte elements exceeds %d bytes", ErrAllocation, w, h, c, elemSize, blob.MaxBytes)
	}
	m.Release()

	buf, err := alloc.Alloc(total)
	if err != nil {
		return err
	}
	*m = Mat{
		Dims:     dims,
		W:        w,
		H:        h,
		C:        c,
		ElemSize: elemSize,
		CStep:    cstep,
		Buffer:   buf,
		Staging:  staging,
	}
	return nil
}

// Release returns the device buffer and resets m.
func (m *Mat) Release() {
	if m.Buffer != nil {
		m.Buffer.Release()
	}
	*m = Mat{}
}

// HostAllocator backs device buffers with host memory. It serves recording
// and tests where no real device is present; Limit, when positive, caps the
// bytes outstanding at once.
type HostAllocator struct {
	Limit int

	mu    sync.Mutex
	inUse int
	count int
}

// NewHostAllocator returns an allocator capped at limit bytes (0 = no cap).
func NewHostAllocator(limit int) *HostAllocator {
	return &HostAllocator{Limit: limit}
}

func (a *HostAllocator) Alloc(size int) (Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size < 0 || (a.Limit > 0 && a.inUse+size > a.Limit) {
		return nil, fmt.Errorf("%w: %d bytes requested", ErrAllocation, size)
	}
	a.inUse += size
	a.count++
	return &HostBuffer{Data: make([]byte, size), owner: a}, nil
}

// InUse returns the bytes currently outstanding and the number of live
// buffers.
func (a *HostAllocator) InUse() (bytes, buffers int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse, a.count
}

// Reset forgets every outstanding buffer. Workspace allocators are reset by
// the caller once recorded work has completed.
func (a *HostAllocator) Reset() {
	a.mu.Lock()
	a.inUse = 0
	a.count = 0
	a.mu.Unlock()
}

func (a *HostAllocator) free(n int) {
	a.mu.Lock()
	a.inUse = max(a.inUse-n, 0)
	a.count = max(a.count-1, 0)
	a.mu.Unlock()
}

// HostBuffer is a Buffer in host memory.
type HostBuffer struct {
	Data  []byte
	owner *HostAllocator
	freed bool
}

func (b *HostBuffer) Size() int { return len(b.Data) }

func (b *HostBuffer) Release() {
	if b.freed {
		return
	}
	b.freed = true
	if b.owner != nil {
		b.owner.free(len(b.Data))
	}
}
