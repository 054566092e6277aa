package layer

import (
	"fmt"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/option"
)

// Run calls the forward overload matching the layer's capability flags.
// One-blob layers take exactly one bottom. In-place layers operate on a
// private copy of their inputs unless opt.LightMode allows mutating them.
func Run(l Layer, bottoms []blob.Mat, opt *option.Option) ([]blob.Mat, error) {
	info := l.Info()
	if info.OneBlobOnly {
		if len(bottoms) != 1 {
			return nil, fmt.Errorf("layer %s: %w: want one bottom blob, got %d", info.Type, ErrShape, len(bottoms))
		}
		if !info.SupportInplace {
			top, err := l.Forward(bottoms[0], opt)
			if err != nil {
				return nil, err
			}
			return []blob.Mat{top}, nil
		}
		m, err := inplaceInput(bottoms[0], opt)
		if err != nil {
			return nil, err
		}
		if err := l.ForwardInplace(&m, opt); err != nil {
			if copied(opt) {
				m.Release()
			}
			return nil, err
		}
		return []blob.Mat{m}, nil
	}

	if !info.SupportInplace {
		return l.ForwardMulti(bottoms, opt)
	}
	ms := make([]blob.Mat, len(bottoms))
	for i, b := range bottoms {
		m, err := inplaceInput(b, opt)
		if err != nil {
			if copied(opt) {
				releaseAll(ms[:i])
			}
			return nil, err
		}
		ms[i] = m
	}
	if err := l.ForwardInplaceMulti(ms, opt); err != nil {
		if copied(opt) {
			releaseAll(ms)
		}
		return nil, err
	}
	return ms, nil
}

// copied reports whether in-place inputs are private clones.
func copied(opt *option.Option) bool {
	return opt == nil || !opt.LightMode
}

func releaseAll(ms []blob.Mat) {
	for i := range ms {
		ms[i].Release()
	}
}

func inplaceInput(m blob.Mat, opt *option.Option) (blob.Mat, error) {
	if opt != nil && opt.LightMode {
		return m, nil
	}
	return m.Clone(opt.BlobAlloc())
}

// RunGPU is Run for the GPU overloads. Device blobs are always modified in
// place by in-place layers; copying them is the executor's business.
func RunGPU(l Layer, bottoms []gpu.Mat, cmd gpu.Command, opt *option.Option) ([]gpu.Mat, error) {
	info := l.Info()
	if !info.SupportVulkan {
		return nil, fmt.Errorf("layer %s: gpu: %w", info.Type, ErrNotImplemented)
	}
	if info.OneBlobOnly {
		if len(bottoms) != 1 {
			return nil, fmt.Errorf("layer %s: %w: want one bottom blob, got %d", info.Type, ErrShape, len(bottoms))
		}
		if !info.SupportInplace {
			top, err := l.ForwardGPU(bottoms[0], cmd, opt)
			if err != nil {
				return nil, err
			}
			return []gpu.Mat{top}, nil
		}
		m := bottoms[0]
		if err := l.ForwardInplaceGPU(&m, cmd, opt); err != nil {
			return nil, err
		}
		return []gpu.Mat{m}, nil
	}

	if !info.SupportInplace {
		return l.ForwardGPUMulti(bottoms, cmd, opt)
	}
	ms := append([]gpu.Mat(nil), bottoms...)
	if err := l.ForwardInplaceGPUMulti(ms, cmd, opt); err != nil {
		return nil, err
	}
	return ms, nil
}
