// Package blob implements the host tensor buffer shared by every layer.
//
// A Mat is a small value type describing a 1, 2 or 3 dimensional block of
// elements. Copying a Mat is O(1) and aliases the same storage; the storage
// itself carries a reference count so pooled allocators get their memory
// back once the last owner calls Release.
package blob

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrAllocation is returned when an allocator refuses a request.
	ErrAllocation = errors.New("blob: allocation failed")
	// ErrShape is returned for invalid dimensions or element sizes.
	ErrShape = errors.New("blob: invalid shape")
)

// storage is the reference counted backing memory of a Mat.
type storage struct {
	refs  atomic.Int32
	buf   []byte
	alloc Allocator
}

// Mat is a dense tensor of up to three logical dimensions.
//
// Elements of one channel plane are stored row-major. Channel planes are
// CStep elements apart, and CStep may exceed W*H because every plane starts
// on a 16 byte boundary. Code that walks channels must use Channel or CStep,
// never W*H.
type Mat struct {
	Dims     int
	W, H, C  int
	ElemSize int
	CStep    int

	// Allocator that owns the storage; nil means Heap.
	Allocator Allocator

	data []byte
	st   *storage
}

// alignSize rounds sz up to a multiple of n (n must be a power of two).
func alignSize(sz, n int) int {
	return (sz + n - 1) &^ (n - 1)
}

// MaxBytes caps the storage of a single Mat.
const MaxBytes = math.MaxInt32

// Size returns the channel step in elements and the storage size in bytes
// of a dims-rank w×h×c blob. ok is false when an extent is negative or the
// size overflows or exceeds MaxBytes.
func Size(dims, w, h, c, elemSize int) (cstep, total int, ok bool) {
	if w < 0 || h < 0 || c < 0 || elemSize <= 0 {
		return 0, 0, false
	}
	mul := func(a, b int) (int, bool) {
		hi, lo := bits.Mul64(uint64(a), uint64(b))
		if hi != 0 || lo > MaxBytes {
			return 0, false
		}
		return int(lo), true
	}

	plane, ok := mul(w, h)
	if !ok {
		return 0, 0, false
	}
	cstep = plane
	if dims == 3 {
		planeBytes, ok := mul(plane, elemSize)
		if !ok {
			return 0, 0, false
		}
		cstep = alignSize(planeBytes, 16) / elemSize
	}
	n, ok := mul(cstep, c)
	if !ok {
		return 0, 0, false
	}
	total, ok = mul(n, elemSize)
	if !ok {
		return 0, 0, false
	}
	return cstep, total, true
}

// New1D allocates a one dimensional Mat.
func New1D(w, elemSize int, alloc Allocator) (Mat, error) {
	var m Mat
	err := m.Create1D(w, elemSize, alloc)
	return m, err
}

// New2D allocates a two dimensional Mat.
func New2D(w, h, elemSize int, alloc Allocator) (Mat, error) {
	var m Mat
	err := m.Create2D(w, h, elemSize, alloc)
	return m, err
}

// New3D allocates a three dimensional Mat.
func New3D(w, h, c, elemSize int, alloc Allocator) (Mat, error) {
	var m Mat
	err := m.Create3D(w, h, c, elemSize, alloc)
	return m, err
}

// Create1D detaches m from its current storage and allocates w elements.
func (m *Mat) Create1D(w, elemSize int, alloc Allocator) error {
	return m.create(1, w, 1, 1, elemSize, alloc)
}

// Create2D detaches m from its current storage and allocates w*h elements.
func (m *Mat) Create2D(w, h, elemSize int, alloc Allocator) error {
	return m.create(2, w, h, 1, elemSize, alloc)
}

// Create3D detaches m from its current storage and allocates c planes of w*h
// elements each.
func (m *Mat) Create3D(w, h, c, elemSize int, alloc Allocator) error {
	return m.create(3, w, h, c, elemSize, alloc)
}

// CreateLike allocates storage of the same shape and element size as other.
func (m *Mat) CreateLike(other Mat, alloc Allocator) error {
	return m.create(other.Dims, other.W, other.H, other.C, other.ElemSize, alloc)
}

func (m *Mat) create(dims, w, h, c, elemSize int, alloc Allocator) error {
	if w < 0 || h < 0 || c < 0 {
		return fmt.Errorf("%w: negative dimension %dx%dx%d", ErrShape, w, h, c)
	}
	switch elemSize {
	case 1, 2, 4:
	default:
		return fmt.Errorf("%w: element size %d", ErrShape, elemSize)
	}
	if alloc == nil {
		alloc = Heap
	}

	// Never mutate storage another copy may still observe.
	m.Release()

	cstep, total, ok := Size(dims, w, h, c, elemSize)
	if !ok {
		return fmt.Errorf("%w: %dx%dx%d of %d-byte elements exceeds %d bytes", ErrAllocation, w, h, c, elemSize, MaxBytes)
	}

	buf := alloc.Alloc(total)
	if buf == nil {
		return fmt.Errorf("%w: %d bytes requested", ErrAllocation, total)
	}

	st := &storage{buf: buf, alloc: alloc}
	st.refs.Store(1)

	*m = Mat{
		Dims:      dims,
		W:         w,
		H:         h,
		C:         c,
		ElemSize:  elemSize,
		CStep:     cstep,
		Allocator: alloc,
		data:      buf,
		st:        st,
	}
	return nil
}

// Empty reports whether m has no storage.
func (m Mat) Empty() bool {
	return m.data == nil
}

// Total returns the number of element slots including channel padding.
func (m Mat) Total() int {
	return m.CStep * m.C
}

// Shape returns W, H and C.
func (m Mat) Shape() (w, h, c int) {
	return m.W, m.H, m.C
}

// SameShape reports whether both mats have equal dims, extents and element size.
func (m Mat) SameShape(o Mat) bool {
	return m.Dims == o.Dims && m.W == o.W && m.H == o.H && m.C == o.C && m.ElemSize == o.ElemSize
}

// Retain increments the storage reference count and returns an aliasing copy.
func (m Mat) Retain() Mat {
	if m.st != nil {
		m.st.refs.Add(1)
	}
	return m
}

// Release drops this owner's reference. The storage is handed back to its
// allocator when the last reference goes away. m is reset to the empty Mat.
func (m *Mat) Release() {
	if m.st != nil && m.st.refs.Add(-1) == 0 {
		m.st.alloc.Free(m.st.buf)
	}
	*m = Mat{}
}

// RefCount returns the number of owners of the storage, or 0 for views and
// empty mats.
func (m Mat) RefCount() int {
	if m.st == nil {
		return 0
	}
	return int(m.st.refs.Load())
}

// Bytes returns the raw storage of m.
func (m Mat) Bytes() []byte {
	return m.data
}

// Channel returns a two dimensional view of plane q. The view does not own
// storage and must not outlive m.
func (m Mat) Channel(q int) Mat {
	if q < 0 || q >= m.C {
		panic("blob: channel index out of range")
	}
	planeBytes := m.W * m.H * m.ElemSize
	off := q * m.CStep * m.ElemSize
	return Mat{
		Dims:      2,
		W:         m.W,
		H:         m.H,
		C:         1,
		ElemSize:  m.ElemSize,
		CStep:     m.W * m.H,
		Allocator: m.Allocator,
		data:      m.data[off : off+planeBytes : off+planeBytes],
	}
}

// Row returns the raw bytes of row y of a 1-D or 2-D Mat (or a channel view).
func (m Mat) Row(y int) []byte {
	if y < 0 || y >= m.H {
		panic("blob: row index out of range")
	}
	rowBytes := m.W * m.ElemSize
	off := y * rowBytes
	return m.data[off : off+rowBytes : off+rowBytes]
}

// Element is the set of element types a Mat can be viewed as.
type Element interface {
	~int8 | ~uint8 | ~uint16 | ~float32
}

// View reinterprets the storage of m as a slice of T. The element size of T
// must match m.ElemSize.
func View[T Element](m Mat) []T {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if sz != m.ElemSize && len(m.data) > 0 {
		panic(fmt.Sprintf("blob: view of %d byte elements as %d byte type", m.ElemSize, sz))
	}
	if len(m.data) == 0 {
		return nil
	}
	//nolint:gosec // storage is allocated with at least element alignment
	return unsafe.Slice((*T)(unsafe.Pointer(&m.data[0])), len(m.data)/sz)
}

// Float32s views m as float32 elements.
func (m Mat) Float32s() []float32 { return View[float32](m) }

// Int8s views m as int8 elements.
func (m Mat) Int8s() []int8 { return View[int8](m) }

// Uint16s views m as raw 16 bit elements (fp16 storage).
func (m Mat) Uint16s() []uint16 { return View[uint16](m) }

// RowFloat32 returns row y of m as float32 elements.
func (m Mat) RowFloat32(y int) []float32 {
	row := m.Row(y)
	//nolint:gosec // rows of float32 mats are 4 byte aligned
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(row))), len(row)/4)
}

// Fill sets every float32 element of m to v, padding slots included.
func (m Mat) Fill(v float32) {
	if m.ElemSize != 4 {
		panic("blob: Fill requires float32 elements")
	}
	d := m.Float32s()
	for i := range d {
		d[i] = v
	}
}

// Clone copies m into fresh storage from alloc.
func (m Mat) Clone(alloc Allocator) (Mat, error) {
	if m.Empty() {
		return Mat{}, nil
	}
	var out Mat
	if err := out.CreateLike(m, alloc); err != nil {
		return Mat{}, err
	}
	copy(out.data, m.data)
	return out, nil
}

// FromFloat32s builds a float32 Mat of the given dims from row-major values
// laid out channel after channel without padding.
func FromFloat32s(dims, w, h, c int, values []float32) (Mat, error) {
	var m Mat
	var err error
	switch dims {
	case 1:
		err = m.Create1D(w, 4, nil)
	case 2:
		err = m.Create2D(w, h, 4, nil)
	case 3:
		err = m.Create3D(w, h, c, 4, nil)
	default:
		return Mat{}, fmt.Errorf("%w: dims %d", ErrShape, dims)
	}
	if err != nil {
		return Mat{}, err
	}
	plane := m.W * m.H
	if len(values) != plane*m.C {
		m.Release()
		return Mat{}, fmt.Errorf("%w: %d values for %dx%dx%d", ErrShape, len(values), m.W, m.H, m.C)
	}
	d := m.Float32s()
	for q := 0; q < m.C; q++ {
		copy(d[q*m.CStep:q*m.CStep+plane], values[q*plane:(q+1)*plane])
	}
	return m, nil
}

// ToFloat32s returns the elements of a float32 Mat without channel padding.
func (m Mat) ToFloat32s() []float32 {
	if m.Empty() {
		return nil
	}
	plane := m.W * m.H
	out := make([]float32, 0, plane*m.C)
	d := m.Float32s()
	for q := 0; q < m.C; q++ {
		out = append(out, d[q*m.CStep:q*m.CStep+plane]...)
	}
	return out
}
