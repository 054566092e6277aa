package layer

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/option"
	"github.com/samcharles93/lamina/internal/parallel"
	"github.com/samcharles93/lamina/internal/param"
)

// Border fill modes.
const (
	BorderConstant  = 0
	BorderReplicate = 1
	BorderReflect   = 2
)

// Padding grows a blob by fixed border extents on each side of the spatial
// plane. One-dimensional blobs only grow left and right.
type Padding struct {
	Base

	Top, Bottom, Left, Right int
	Mode                     int
	Value                    float32
}

// NewPadding returns an unconfigured Padding layer.
func NewPadding() Layer {
	p := &Padding{}
	p.OneBlobOnly = true
	p.SupportInplace = false
	p.SupportVulkan = true
	p.SupportFP16Storage = true
	return p
}

// LoadParam reads 0=top 1=bottom 2=left 3=right 4=type 5=value.
func (p *Padding) LoadParam(pd *param.Dict) error {
	p.Top = pd.Int(0, 0)
	p.Bottom = pd.Int(1, 0)
	p.Left = pd.Int(2, 0)
	p.Right = pd.Int(3, 0)
	p.Mode = pd.Int(4, BorderConstant)
	p.Value = pd.Float(5, 0)
	if err := pd.Err(); err != nil {
		return fmt.Errorf("layer %s: %w: %w", p.Type, ErrLoad, err)
	}
	if p.Top < 0 || p.Bottom < 0 || p.Left < 0 || p.Right < 0 {
		return fmt.Errorf("layer %s: %w: negative padding %d %d %d %d", p.Type, ErrLoad, p.Top, p.Bottom, p.Left, p.Right)
	}
	if p.Mode < BorderConstant || p.Mode > BorderReflect {
		return fmt.Errorf("layer %s: %w: padding type %d", p.Type, ErrLoad, p.Mode)
	}

	if pd.UseVulkanCompute {
		return p.specialize(paddingShader, []gpu.Specialization{
			gpu.SpecInt(p.Top),
			gpu.SpecInt(p.Bottom),
			gpu.SpecInt(p.Left),
			gpu.SpecInt(p.Right),
			gpu.SpecInt(p.Mode),
			gpu.SpecFloat(p.Value),
		}, 2, 10)
	}
	return nil
}

func (p *Padding) identity() bool {
	return p.Top == 0 && p.Bottom == 0 && p.Left == 0 && p.Right == 0
}

// Forward returns bottom with borders added. With every extent zero the
// result aliases bottom.
func (p *Padding) Forward(bottom blob.Mat, opt *option.Option) (blob.Mat, error) {
	if p.identity() {
		return bottom.Retain(), nil
	}

	w, h, channels := bottom.W, bottom.H, bottom.C
	top, bottomPad := p.Top, p.Bottom
	if bottom.Dims == 1 {
		top, bottomPad = 0, 0
	}
	if err := p.checkSource(w, h, top, bottomPad); err != nil {
		return blob.Mat{}, err
	}

	outw, outh, err := p.outShape(w, h, top, bottomPad)
	if err != nil {
		return blob.Mat{}, err
	}

	var out blob.Mat
	switch bottom.Dims {
	case 1:
		err = out.Create1D(outw, bottom.ElemSize, opt.BlobAlloc())
	case 2:
		err = out.Create2D(outw, outh, bottom.ElemSize, opt.BlobAlloc())
	case 3:
		err = out.Create3D(outw, outh, channels, bottom.ElemSize, opt.BlobAlloc())
	default:
		return blob.Mat{}, fmt.Errorf("layer %s: %w: dims %d", p.Type, ErrShape, bottom.Dims)
	}
	if err != nil {
		return blob.Mat{}, fmt.Errorf("layer %s: %w", p.Type, err)
	}

	if bottom.Dims != 3 {
		p.border(bottom, out, top)
		return out, nil
	}

	parallel.For(channels, opt.Threads(), func(q int) {
		p.border(bottom.Channel(q), out.Channel(q), top)
	})
	return out, nil
}

// outShape returns the padded extents, failing when a sum overflows.
func (p *Padding) outShape(w, h, top, bottom int) (int, int, error) {
	outw, okw := grow(w, p.Left, p.Right)
	outh, okh := grow(h, top, bottom)
	if !okw || !okh {
		return 0, 0, fmt.Errorf("layer %s: %w: padding %d %d %d %d overflows %dx%d",
			p.Type, ErrShape, top, bottom, p.Left, p.Right, w, h)
	}
	return outw, outh, nil
}

// grow returns n+a+b for non-negative operands, or false on overflow.
func grow(n, a, b int) (int, bool) {
	if a > math.MaxInt-n {
		return 0, false
	}
	n += a
	if b > math.MaxInt-n {
		return 0, false
	}
	return n + b, true
}

func (p *Padding) checkSource(w, h, top, bottom int) error {
	switch p.Mode {
	case BorderReplicate:
		if w == 0 || h == 0 {
			return fmt.Errorf("layer %s: %w: replicate padding of an empty blob", p.Type, ErrShape)
		}
	case BorderReflect:
		if p.Left >= w || p.Right >= w || top >= h || bottom >= h {
			return fmt.Errorf("layer %s: %w: reflect padding %d %d %d %d exceeds %dx%d",
				p.Type, ErrShape, top, bottom, p.Left, p.Right, w, h)
		}
	}
	return nil
}

// border pads one plane. src and dst are contiguous planes of equal element
// size; the element size was validated when dst was created.
func (p *Padding) border(src, dst blob.Mat, top int) {
	switch src.ElemSize {
	case 1:
		copyMakeBorder(blob.View[int8](src), blob.View[int8](dst), src.W, src.H, dst.W, dst.H, top, p.Left, p.Mode, int8Value(p.Value))
	case 2:
		copyMakeBorder(blob.View[uint16](src), blob.View[uint16](dst), src.W, src.H, dst.W, dst.H, top, p.Left, p.Mode, float16.Fromfloat32(p.Value).Bits())
	case 4:
		copyMakeBorder(blob.View[float32](src), blob.View[float32](dst), src.W, src.H, dst.W, dst.H, top, p.Left, p.Mode, p.Value)
	}
}

func int8Value(v float32) int8 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	return int8(max(min(math.Trunc(float64(v)), math.MaxInt8), math.MinInt8))
}

// copyMakeBorder writes the sw×sh plane src into the dw×dh plane dst at
// offset (left, top), filling the border according to mode.
func copyMakeBorder[T int8 | uint16 | float32](src, dst []T, sw, sh, dw, dh, top, left, mode int, v T) {
	for y := 0; y < dh; y++ {
		out := dst[y*dw : (y+1)*dw]
		sy := y - top
		switch mode {
		case BorderConstant:
			if sy < 0 || sy >= sh {
				for x := range out {
					out[x] = v
				}
				continue
			}
		case BorderReplicate:
			sy = min(max(sy, 0), sh-1)
		case BorderReflect:
			sy = reflectIndex(sy, sh)
		}
		row := src[sy*sw : (sy+1)*sw]

		for x := 0; x < left; x++ {
			switch mode {
			case BorderConstant:
				out[x] = v
			case BorderReplicate:
				out[x] = row[0]
			case BorderReflect:
				out[x] = row[reflectIndex(x-left, sw)]
			}
		}
		copy(out[left:left+sw], row)
		for x := left + sw; x < dw; x++ {
			switch mode {
			case BorderConstant:
				out[x] = v
			case BorderReplicate:
				out[x] = row[sw-1]
			case BorderReflect:
				out[x] = row[reflectIndex(x-left, sw)]
			}
		}
	}
}

// reflectIndex mirrors i into [0, n) without repeating the edge element.
func reflectIndex(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// ForwardGPU records the padding shader. The output keeps the rank of the
// input, so one-dimensional blobs only grow left and right as on the CPU.
func (p *Padding) ForwardGPU(bottom gpu.Mat, cmd gpu.Command, opt *option.Option) (gpu.Mat, error) {
	if p.identity() {
		return bottom, nil
	}
	if err := p.ready(); err != nil {
		return gpu.Mat{}, err
	}
	if bottom.ElemSize != 4 {
		return gpu.Mat{}, fmt.Errorf("layer %s: %w: gpu element size %d", p.Type, ErrShape, bottom.ElemSize)
	}

	top, bottomPad := p.Top, p.Bottom
	if bottom.Dims == 1 {
		top, bottomPad = 0, 0
	}
	if err := p.checkSource(bottom.W, bottom.H, top, bottomPad); err != nil {
		return gpu.Mat{}, err
	}

	outw, outh, err := p.outShape(bottom.W, bottom.H, top, bottomPad)
	if err != nil {
		return gpu.Mat{}, err
	}

	var out gpu.Mat
	err = out.CreateDims(bottom.Dims, outw, outh, bottom.C, 4, opt.BlobVkAlloc(), opt.StagingVkAlloc())
	if err != nil {
		return gpu.Mat{}, fmt.Errorf("layer %s: %w", p.Type, err)
	}

	constants := append(matConstants(bottom), matConstants(out)...)
	groups := p.Pipeline.GroupCount(out.W, out.H, out.C)
	p.record(cmd, []gpu.Mat{bottom, out}, constants, groups, opt)
	return out, nil
}
