package layer

import (
	"fmt"
	"math"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/option"
	"github.com/samcharles93/lamina/internal/parallel"
	"github.com/samcharles93/lamina/internal/param"
)

// Softmax normalises a blob in place along one axis.
//
// Axis numbering follows the blob layout used by model files: for 2-D blobs
// axis 0 runs over rows and axis 1 over columns; for 3-D blobs axis 0 runs
// over channels, axis 1 over columns within a row and axis 2 over rows.
type Softmax struct {
	Base

	Axis int
}

// NewSoftmax returns an unconfigured Softmax layer.
func NewSoftmax() Layer {
	s := &Softmax{}
	s.OneBlobOnly = true
	s.SupportInplace = true
	s.SupportVulkan = true
	return s
}

// LoadParam reads 0=axis.
func (s *Softmax) LoadParam(pd *param.Dict) error {
	s.Axis = pd.Int(0, 0)
	if err := pd.Err(); err != nil {
		return fmt.Errorf("layer %s: %w: %w", s.Type, ErrLoad, err)
	}
	if s.Axis < 0 || s.Axis > 2 {
		return fmt.Errorf("layer %s: %w: axis %d", s.Type, ErrLoad, s.Axis)
	}

	if pd.UseVulkanCompute {
		return s.specialize(softmaxShader, []gpu.Specialization{gpu.SpecInt(s.Axis)}, 3, 5)
	}
	return nil
}

// workspace describes the max and sum buffers of one (rank, axis) case: the
// blob shape with the reduced axis collapsed.
type workspace struct {
	Dims int
	W, H int
}

// softmaxWorkspace returns the workspace shape for a blob of the given rank
// and extents. The CPU and GPU paths both size their buffers from it.
func softmaxWorkspace(dims, axis, w, h, c int) (workspace, bool) {
	switch {
	case dims == 1 && axis == 0:
		return workspace{Dims: 1, W: 1, H: 1}, true
	case dims == 2 && axis == 0:
		return workspace{Dims: 1, W: w, H: 1}, true
	case dims == 2 && axis == 1:
		return workspace{Dims: 1, W: h, H: 1}, true
	case dims == 3 && axis == 0:
		return workspace{Dims: 2, W: w, H: h}, true
	case dims == 3 && axis == 1:
		return workspace{Dims: 2, W: h, H: c}, true
	case dims == 3 && axis == 2:
		return workspace{Dims: 2, W: w, H: c}, true
	}
	return workspace{}, false
}

func (ws workspace) host(alloc blob.Allocator) (blob.Mat, error) {
	if ws.Dims == 1 {
		return blob.New1D(ws.W, 4, alloc)
	}
	return blob.New2D(ws.W, ws.H, 4, alloc)
}

func (ws workspace) device(alloc, staging gpu.Allocator) (gpu.Mat, error) {
	var m gpu.Mat
	err := m.CreateDims(ws.Dims, ws.W, ws.H, 1, 4, alloc, staging)
	return m, err
}

// ForwardInplace normalises m along the configured axis.
func (s *Softmax) ForwardInplace(m *blob.Mat, opt *option.Option) error {
	if m.ElemSize != 4 {
		return fmt.Errorf("layer %s: %w: element size %d", s.Type, ErrShape, m.ElemSize)
	}
	ws, ok := softmaxWorkspace(m.Dims, s.Axis, m.W, m.H, m.C)
	if !ok {
		return fmt.Errorf("layer %s: %w: axis %d on %d-d blob", s.Type, ErrShape, s.Axis, m.Dims)
	}

	// Both workspaces are taken before any element is written so a failed
	// allocation leaves m untouched.
	maxWs, err := ws.host(opt.WorkspaceAlloc())
	if err != nil {
		return fmt.Errorf("layer %s: %w", s.Type, err)
	}
	defer maxWs.Release()
	sumWs, err := ws.host(opt.WorkspaceAlloc())
	if err != nil {
		return fmt.Errorf("layer %s: %w", s.Type, err)
	}
	defer sumWs.Release()

	maxWs.Fill(-math.MaxFloat32)
	sumWs.Fill(0)
	maxv, sumv := maxWs.Float32s(), sumWs.Float32s()

	switch {
	case m.Dims == 1:
		softmax1D(m.Float32s()[:m.W], &maxv[0], &sumv[0])
	case m.Dims == 2 && s.Axis == 0:
		softmaxColumns(m.Float32s(), m.W, m.H, maxv, sumv)
	case m.Dims == 2 && s.Axis == 1:
		d := m.Float32s()
		for i := 0; i < m.H; i++ {
			softmax1D(d[i*m.W:(i+1)*m.W], &maxv[i], &sumv[i])
		}
	case s.Axis == 0:
		softmaxChannels(*m, maxv, sumv, opt.Threads())
	case s.Axis == 1:
		parallel.For(m.C, opt.Threads(), func(q int) {
			d := blob.View[float32](m.Channel(q))
			for i := 0; i < m.H; i++ {
				k := q*m.H + i
				softmax1D(d[i*m.W:(i+1)*m.W], &maxv[k], &sumv[k])
			}
		})
	default:
		parallel.For(m.C, opt.Threads(), func(q int) {
			d := blob.View[float32](m.Channel(q))
			softmaxColumns(d, m.W, m.H, maxv[q*m.W:(q+1)*m.W], sumv[q*m.W:(q+1)*m.W])
		})
	}
	return nil
}

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// softmax1D normalises a contiguous run, keeping its max and sum in the
// given workspace slots.
func softmax1D(d []float32, maxp, sump *float32) {
	m := *maxp
	for _, v := range d {
		m = max(m, v)
	}
	*maxp = m

	for i, v := range d {
		d[i] = expf(v - m)
	}

	var sum float32
	for _, v := range d {
		sum += v
	}
	*sump = sum

	for i := range d {
		d[i] /= sum
	}
}

// softmaxColumns normalises each column of a w×h row-major plane.
func softmaxColumns(d []float32, w, h int, maxv, sumv []float32) {
	for i := 0; i < h; i++ {
		row := d[i*w : (i+1)*w]
		for j, v := range row {
			maxv[j] = max(maxv[j], v)
		}
	}
	for i := 0; i < h; i++ {
		row := d[i*w : (i+1)*w]
		for j, v := range row {
			row[j] = expf(v - maxv[j])
		}
	}
	for i := 0; i < h; i++ {
		row := d[i*w : (i+1)*w]
		for j, v := range row {
			sumv[j] += v
		}
	}
	for i := 0; i < h; i++ {
		row := d[i*w : (i+1)*w]
		for j := range row {
			row[j] /= sumv[j]
		}
	}
}

// softmaxChannels normalises across channels at every spatial position.
// Workers split the spatial plane and walk channels in order, so results do
// not depend on the thread count.
func softmaxChannels(m blob.Mat, maxv, sumv []float32, threads int) {
	d := m.Float32s()
	plane, cstep := m.W*m.H, m.CStep

	parallel.Range(plane, threads, func(start, end int) {
		for q := 0; q < m.C; q++ {
			ch := d[q*cstep:]
			for i := start; i < end; i++ {
				maxv[i] = max(maxv[i], ch[i])
			}
		}
	})
	parallel.For(m.C, threads, func(q int) {
		ch := d[q*cstep : q*cstep+plane]
		for i, v := range ch {
			ch[i] = expf(v - maxv[i])
		}
	})
	parallel.Range(plane, threads, func(start, end int) {
		for q := 0; q < m.C; q++ {
			ch := d[q*cstep:]
			for i := start; i < end; i++ {
				sumv[i] += ch[i]
			}
		}
	})
	parallel.For(m.C, threads, func(q int) {
		ch := d[q*cstep : q*cstep+plane]
		for i := range ch {
			ch[i] /= sumv[i]
		}
	})
}

// ForwardInplaceGPU records the softmax shader over m. The two workspaces
// come from opt.WorkspaceVkAllocator and stay bound to the recorded command;
// the caller reclaims them once the command has completed.
func (s *Softmax) ForwardInplaceGPU(m *gpu.Mat, cmd gpu.Command, opt *option.Option) error {
	if err := s.ready(); err != nil {
		return err
	}
	if m.ElemSize != 4 {
		return fmt.Errorf("layer %s: %w: gpu element size %d", s.Type, ErrShape, m.ElemSize)
	}
	ws, ok := softmaxWorkspace(m.Dims, s.Axis, m.W, m.H, m.C)
	if !ok {
		return fmt.Errorf("layer %s: %w: axis %d on %d-d blob", s.Type, ErrShape, s.Axis, m.Dims)
	}

	maxWs, err := ws.device(opt.WorkspaceVkAlloc(), opt.StagingVkAlloc())
	if err != nil {
		return fmt.Errorf("layer %s: %w", s.Type, err)
	}
	sumWs, err := ws.device(opt.WorkspaceVkAlloc(), opt.StagingVkAlloc())
	if err != nil {
		maxWs.Release()
		return fmt.Errorf("layer %s: %w", s.Type, err)
	}

	groups := s.Pipeline.GroupCount(m.W, m.H, m.C)
	s.record(cmd, []gpu.Mat{*m, maxWs, sumWs}, matConstants(*m), groups, opt)
	return nil
}
