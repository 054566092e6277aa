//go:build webgpu

package wgpu

import (
	"errors"
	"fmt"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
)

// Buffer is a storage buffer on the device.
type Buffer struct {
	buf  *wgpu.Buffer
	size int
}

func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}

// Allocator hands out storage buffers from a Device.
type Allocator struct {
	dev *Device
}

// Allocator returns a storage buffer allocator bound to d.
func (d *Device) Allocator() *Allocator {
	return &Allocator{dev: d}
}

func (a *Allocator) Alloc(size int) (gpu.Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: %d bytes requested", gpu.ErrAllocation, size)
	}
	// zero sized bindings are invalid in WebGPU
	aligned := uint64(max((size+3)&^3, 4))
	buf := a.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  aligned,
	})
	if buf == nil {
		return nil, fmt.Errorf("%w: %d bytes requested", gpu.ErrAllocation, size)
	}
	return &Buffer{buf: buf, size: int(aligned)}, nil
}

// Upload copies a host blob into a new device Mat allocated from alloc.
func (d *Device) Upload(m blob.Mat, alloc gpu.Allocator) (gpu.Mat, error) {
	var out gpu.Mat
	if err := out.CreateDims(m.Dims, m.W, m.H, m.C, m.ElemSize, alloc, nil); err != nil {
		return gpu.Mat{}, err
	}
	dst, ok := out.Buffer.(*Buffer)
	if !ok {
		out.Release()
		return gpu.Mat{}, errors.New("wgpu: upload target is not a webgpu buffer")
	}

	src := m.Bytes()
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             uint64(dst.size),
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	copy(mapped(staging, uint64(dst.size)), src)
	staging.Unmap()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, dst.buf, 0, uint64(min(len(src), dst.size)+3)&^3)
	d.queue.Submit(encoder.Finish(nil))
	return out, nil
}

// Download reads a device Mat back into a host blob allocated from alloc.
func (d *Device) Download(m gpu.Mat, alloc blob.Allocator) (blob.Mat, error) {
	src, ok := m.Buffer.(*Buffer)
	if !ok {
		return blob.Mat{}, errors.New("wgpu: download source is not a webgpu buffer")
	}

	var out blob.Mat
	var err error
	switch m.Dims {
	case 1:
		err = out.Create1D(m.W, m.ElemSize, alloc)
	case 2:
		err = out.Create2D(m.W, m.H, m.ElemSize, alloc)
	default:
		err = out.Create3D(m.W, m.H, m.C, m.ElemSize, alloc)
	}
	if err != nil {
		return blob.Mat{}, err
	}

	size := uint64(src.size)
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src.buf, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		out.Release()
		return blob.Mat{}, fmt.Errorf("wgpu: map staging buffer: %w", err)
	}
	copy(out.Bytes(), mapped(staging, size))
	staging.Unmap()
	return out, nil
}
