// Package layer defines the operator contract every layer implements, the
// registry that creates layers by name or type index, and the built-in
// operators.
//
// A layer goes through a fixed lifecycle: it is created by the registry,
// assigned a device (GPU builds only), loads its scalar parameters, loads
// weights or compiles pipelines, runs forward any number of times and is
// finally asked to destroy its pipelines. Base supplies a default for every
// step; concrete layers override what they support.
package layer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/logger"
	"github.com/samcharles93/lamina/internal/option"
	"github.com/samcharles93/lamina/internal/param"
)

var (
	// ErrNotImplemented is returned by forward overloads a layer does not
	// support. It marks an integration defect at the call site.
	ErrNotImplemented = errors.New("layer: not implemented")
	// ErrLoad is returned for malformed or out of range parameters.
	ErrLoad = errors.New("layer: invalid parameters")
	// ErrShape is returned for inputs whose rank, extents or element size a
	// layer cannot handle.
	ErrShape = blob.ErrShape
	// ErrAllocation is returned when a blob or workspace cannot be allocated.
	ErrAllocation = blob.ErrAllocation
)

// Status codes shared with the graph executor.
const (
	StatusOK             = 0
	StatusNotImplemented = -1
	StatusLoad           = -2
	StatusShape          = -3
	StatusAllocation     = -100
)

// Status maps err to the executor's integer status code.
func Status(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrAllocation), errors.Is(err, gpu.ErrAllocation):
		return StatusAllocation
	case errors.Is(err, ErrLoad):
		return StatusLoad
	case errors.Is(err, ErrShape):
		return StatusShape
	}
	return StatusNotImplemented
}

// Layer is the operator contract.
type Layer interface {
	// Info exposes identity, topology and capability flags.
	Info() *Base

	LoadParam(pd *param.Dict) error
	LoadModel(mb param.ModelBin) error

	CreatePipeline(opt *option.Option) error
	DestroyPipeline(opt *option.Option) error

	Forward(bottom blob.Mat, opt *option.Option) (blob.Mat, error)
	ForwardMulti(bottoms []blob.Mat, opt *option.Option) ([]blob.Mat, error)
	ForwardInplace(m *blob.Mat, opt *option.Option) error
	ForwardInplaceMulti(ms []blob.Mat, opt *option.Option) error

	ForwardGPU(bottom gpu.Mat, cmd gpu.Command, opt *option.Option) (gpu.Mat, error)
	ForwardGPUMulti(bottoms []gpu.Mat, cmd gpu.Command, opt *option.Option) ([]gpu.Mat, error)
	ForwardInplaceGPU(m *gpu.Mat, cmd gpu.Command, opt *option.Option) error
	ForwardInplaceGPUMulti(ms []gpu.Mat, cmd gpu.Command, opt *option.Option) error
}

// Shape is a blob shape hint recorded on a layer by the graph loader.
type Shape struct {
	Dims    int
	W, H, C int
}

// Base carries the state common to every layer and the default behaviour of
// every contract method. Concrete layers embed it.
type Base struct {
	TypeIndex int
	Type      string
	Name      string

	Bottoms      []int
	Tops         []int
	BottomShapes []Shape
	TopShapes    []Shape

	OneBlobOnly         bool
	SupportInplace      bool
	SupportVulkan       bool
	SupportPacking      bool
	SupportFP16Storage  bool
	SupportImageStorage bool

	// Device is assigned right after creation when GPU compute is in use.
	Device gpu.Device

	// Pipeline is the specialisation record prepared by LoadParam.
	Pipeline *gpu.Pipeline
	created  bool
}

func (b *Base) Info() *Base { return b }

func (b *Base) LoadParam(*param.Dict) error { return nil }

func (b *Base) LoadModel(param.ModelBin) error { return nil }

// CreatePipeline compiles the pipeline prepared by LoadParam, if any.
func (b *Base) CreatePipeline(opt *option.Option) error {
	if b.Pipeline == nil || b.created {
		return nil
	}
	if b.Device == nil {
		return fmt.Errorf("layer %s: %w", b.Type, gpu.ErrNoDevice)
	}
	if err := b.Device.CreatePipeline(b.Pipeline); err != nil {
		return fmt.Errorf("layer %s: create pipeline: %w", b.Type, err)
	}
	b.created = true

	if log := b.logger(opt); log.Enabled(slog.LevelDebug) {
		log.Debug("pipeline created",
			"local_size", b.Pipeline.LocalSize,
			"specializations", b.Pipeline.Specializations,
			"bindings", b.Pipeline.BindingCount,
			"push_constants", b.Pipeline.PushConstantCount,
		)
	}
	return nil
}

// DestroyPipeline releases a pipeline created by CreatePipeline. It is safe
// to call without a prior create.
func (b *Base) DestroyPipeline(*option.Option) error {
	if b.created && b.Device != nil {
		b.Device.DestroyPipeline(b.Pipeline)
	}
	b.created = false
	return nil
}

func (b *Base) Forward(blob.Mat, *option.Option) (blob.Mat, error) {
	return blob.Mat{}, b.notImplemented("forward")
}

func (b *Base) ForwardMulti([]blob.Mat, *option.Option) ([]blob.Mat, error) {
	return nil, b.notImplemented("forward multi")
}

func (b *Base) ForwardInplace(*blob.Mat, *option.Option) error {
	return b.notImplemented("forward inplace")
}

func (b *Base) ForwardInplaceMulti([]blob.Mat, *option.Option) error {
	return b.notImplemented("forward inplace multi")
}

func (b *Base) ForwardGPU(gpu.Mat, gpu.Command, *option.Option) (gpu.Mat, error) {
	return gpu.Mat{}, b.notImplemented("gpu forward")
}

func (b *Base) ForwardGPUMulti([]gpu.Mat, gpu.Command, *option.Option) ([]gpu.Mat, error) {
	return nil, b.notImplemented("gpu forward multi")
}

func (b *Base) ForwardInplaceGPU(*gpu.Mat, gpu.Command, *option.Option) error {
	return b.notImplemented("gpu forward inplace")
}

func (b *Base) ForwardInplaceGPUMulti([]gpu.Mat, gpu.Command, *option.Option) error {
	return b.notImplemented("gpu forward inplace multi")
}

func (b *Base) notImplemented(what string) error {
	return fmt.Errorf("layer %s: %s: %w", b.Type, what, ErrNotImplemented)
}

// specialize prepares the pipeline record from the assigned device limits.
func (b *Base) specialize(shader string, specs []gpu.Specialization, bindings, pushConstants int) error {
	if b.Device == nil {
		return fmt.Errorf("layer %s: %w: %w", b.Type, ErrLoad, gpu.ErrNoDevice)
	}
	b.Pipeline = &gpu.Pipeline{
		Name:              b.Type,
		Shader:            shader,
		LocalSize:         b.Device.Info().LocalSize(),
		Specializations:   specs,
		BindingCount:      bindings,
		PushConstantCount: pushConstants,
	}
	return nil
}

// ready reports whether the GPU pipeline can be recorded.
func (b *Base) ready() error {
	if b.Pipeline == nil || !b.created {
		return fmt.Errorf("layer %s: pipeline not created: %w", b.Type, ErrNotImplemented)
	}
	return nil
}

// record issues one bind, update, push and dispatch sequence.
func (b *Base) record(cmd gpu.Command, bindings []gpu.Mat, constants []int32, groups [3]uint32, opt *option.Option) {
	cmd.BindPipeline(b.Pipeline)
	cmd.UpdateBindings(b.Pipeline, bindings)
	cmd.PushConstants(b.Pipeline, constants)
	cmd.Dispatch(groups)

	if log := b.logger(opt); log.Enabled(slog.LevelDebug) {
		log.Debug("recorded dispatch", "groups", groups, "constants", constants)
	}
}

func (b *Base) logger(opt *option.Option) logger.Logger {
	name := b.Type
	if b.Name != "" {
		name = b.Name
	}
	return opt.Log().With(logger.LayerKey, name)
}

func matConstants(m gpu.Mat) []int32 {
	return []int32{int32(m.Dims), int32(m.W), int32(m.H), int32(m.C), int32(m.CStep)}
}
