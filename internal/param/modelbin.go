package param

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/lamina/internal/blob"
)

var (
	// ErrEndOfWeights is returned when a reader runs out of weight data.
	ErrEndOfWeights = errors.New("param: read past end of weights")
	// ErrWeightTag is returned for an unknown storage tag.
	ErrWeightTag = errors.New("param: unknown weight storage tag")
)

// Weight storage tags written ahead of auto-typed weight blobs.
const (
	TagFloat32 uint32 = 0x00000000
	TagFloat16 uint32 = 0x01306B47
	TagInt8    uint32 = 0x000D4B38
)

// Load types accepted by ModelBin.Load.
const (
	// LoadAuto reads a 4 byte storage tag before the data.
	LoadAuto = 0
	// LoadFloat32 reads raw little endian float32 data.
	LoadFloat32 = 1
)

// ModelBin reads weight blobs sequentially. The element type and length of
// every blob are implied by parameters the layer loaded earlier.
type ModelBin interface {
	Load(w int, typ int) (blob.Mat, error)
}

// MatModelBin serves pre-built mats in order.
type MatModelBin struct {
	mats []blob.Mat
	next int
}

// FromMats returns a ModelBin yielding mats one by one.
func FromMats(mats ...blob.Mat) *MatModelBin {
	return &MatModelBin{mats: mats}
}

func (mb *MatModelBin) Load(w int, _ int) (blob.Mat, error) {
	if mb.next >= len(mb.mats) {
		return blob.Mat{}, ErrEndOfWeights
	}
	m := mb.mats[mb.next]
	mb.next++
	if m.W*m.H*m.C != w {
		return blob.Mat{}, fmt.Errorf("param: weight blob %d has %d elements, want %d", mb.next-1, m.W*m.H*m.C, w)
	}
	return m, nil
}

// StreamModelBin decodes weights from a little endian byte stream.
type StreamModelBin struct {
	r     io.Reader
	alloc blob.Allocator
}

// NewStreamModelBin reads weights from r, allocating mats from alloc.
func NewStreamModelBin(r io.Reader, alloc blob.Allocator) *StreamModelBin {
	return &StreamModelBin{r: r, alloc: alloc}
}

func (mb *StreamModelBin) readFull(buf []byte) error {
	if _, err := io.ReadFull(mb.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrEndOfWeights
		}
		return err
	}
	return nil
}

func (mb *StreamModelBin) Load(w int, typ int) (blob.Mat, error) {
	if w < 0 {
		return blob.Mat{}, fmt.Errorf("param: negative weight length %d", w)
	}
	tag := TagFloat32
	switch typ {
	case LoadAuto:
		var hdr [4]byte
		if err := mb.readFull(hdr[:]); err != nil {
			return blob.Mat{}, err
		}
		tag = binary.LittleEndian.Uint32(hdr[:])
	case LoadFloat32:
	default:
		return blob.Mat{}, fmt.Errorf("param: unknown load type %d", typ)
	}

	switch tag {
	case TagFloat32:
		m, err := blob.New1D(w, 4, mb.alloc)
		if err != nil {
			return blob.Mat{}, err
		}
		buf := make([]byte, 4*w)
		if err := mb.readFull(buf); err != nil {
			m.Release()
			return blob.Mat{}, err
		}
		dst := m.Float32s()
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		return m, nil

	case TagFloat16:
		// stored as half, widened for compute
		m, err := blob.New1D(w, 4, mb.alloc)
		if err != nil {
			return blob.Mat{}, err
		}
		buf := make([]byte, 2*w)
		if err := mb.readFull(buf); err != nil {
			m.Release()
			return blob.Mat{}, err
		}
		dst := m.Float32s()
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
		return m, nil

	case TagInt8:
		m, err := blob.New1D(w, 1, mb.alloc)
		if err != nil {
			return blob.Mat{}, err
		}
		if err := mb.readFull(m.Bytes()); err != nil {
			m.Release()
			return blob.Mat{}, err
		}
		return m, nil
	}
	return blob.Mat{}, fmt.Errorf("%w: 0x%08x", ErrWeightTag, tag)
}

// FileModelBin is a StreamModelBin over a memory mapped weight file.
type FileModelBin struct {
	*StreamModelBin
	data    []byte
	mmapped bool
}

// OpenModelBin maps path read-only. If mmap is unavailable it falls back to
// reading the whole file. Close must be called to release the mapping.
func OpenModelBin(path string, alloc blob.Allocator) (*FileModelBin, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("param: weight file %s too large", path)
	}

	var data []byte
	mmapped := false
	if size > 0 {
		data, err = unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			mmapped = true
		} else {
			data, err = io.ReadAll(f)
			if err != nil {
				return nil, err
			}
		}
	}

	return &FileModelBin{
		StreamModelBin: NewStreamModelBin(bytes.NewReader(data), alloc),
		data:           data,
		mmapped:        mmapped,
	}, nil
}

// Close releases the mapping.
func (mb *FileModelBin) Close() error {
	if mb.mmapped && mb.data != nil {
		data := mb.data
		mb.data = nil
		return unix.Munmap(data)
	}
	mb.data = nil
	return nil
}
