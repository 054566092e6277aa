// Package gpu defines the narrow contracts layers use to run on a compute
// device: device limits, specialised pipelines, device buffers and the
// command recorder. Submission and completion belong to the caller; layers
// only record.
package gpu

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrAllocation is returned when a device allocator refuses a request.
	ErrAllocation = errors.New("gpu: allocation failed")
	// ErrNoDevice is returned when a GPU path is requested without a device.
	ErrNoDevice = errors.New("gpu: no device")
)

// DeviceInfo carries the device limits that drive workgroup sizing.
type DeviceInfo struct {
	Name                    string
	MaxWorkgroupSize        [3]int
	MaxWorkgroupInvocations int
}

// DefaultDeviceInfo returns limits common to desktop GPUs.
func DefaultDeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:                    "generic",
		MaxWorkgroupSize:        [3]int{1024, 1024, 64},
		MaxWorkgroupInvocations: 1024,
	}
}

// LocalSize derives a workgroup shape from the device limits: at most 128
// in z and never above the invocation limit, and the largest power of two not above 256 in x and y such that
// x*y*z stays within the invocation limit.
func (d DeviceInfo) LocalSize() [3]int {
	z := min(128, d.MaxWorkgroupSize[2], d.MaxWorkgroupInvocations)
	if z < 1 {
		z = 1
	}
	xy := int(math.Sqrt(float64(d.MaxWorkgroupInvocations / z)))
	prefer := 256
	for prefer > 1 && xy < prefer {
		prefer /= 2
	}
	return [3]int{prefer, prefer, z}
}

// Specialization is a compile time constant baked into a pipeline. It holds
// either an int32 or a float32.
type Specialization struct {
	i       int32
	f       float32
	isFloat bool
}

// SpecInt makes an integer specialisation constant.
func SpecInt(v int) Specialization { return Specialization{i: int32(v)} }

// SpecFloat makes a float specialisation constant.
func SpecFloat(v float32) Specialization { return Specialization{f: v, isFloat: true} }

func (s Specialization) IsFloat() bool { return s.isFloat }
func (s Specialization) Int() int32    { return s.i }
func (s Specialization) Float() float32 {
	if s.isFloat {
		return s.f
	}
	return float32(s.i)
}

func (s Specialization) String() string {
	if s.isFloat {
		return fmt.Sprintf("%g", s.f)
	}
	return fmt.Sprintf("%d", s.i)
}

// Pipeline is the specialisation record of one compute program: computed
// once while a layer loads its parameters and reused by every forward call.
// Handle is owned by the Device that compiled it.
type Pipeline struct {
	Name              string
	Shader            string
	LocalSize         [3]int
	Specializations   []Specialization
	BindingCount      int
	PushConstantCount int

	Handle any
}

// GroupCount returns the number of workgroups needed to cover w×h×c
// invocations.
func (p *Pipeline) GroupCount(w, h, c int) [3]uint32 {
	div := func(n, l int) uint32 {
		if l < 1 {
			l = 1
		}
		return uint32((n + l - 1) / l)
	}
	return [3]uint32{
		div(w, p.LocalSize[0]),
		div(h, p.LocalSize[1]),
		div(c, p.LocalSize[2]),
	}
}

// Device compiles and destroys pipelines. Implementations live outside the
// layers; see package gpu/wgpu and Recorder.
type Device interface {
	Info() DeviceInfo
	CreatePipeline(p *Pipeline) error
	DestroyPipeline(p *Pipeline)
}

// Command records compute work. Layers call BindPipeline, UpdateBindings,
// PushConstants and Dispatch in that order, once per forward call, and
// never submit or wait.
type Command interface {
	BindPipeline(p *Pipeline)
	UpdateBindings(p *Pipeline, bindings []Mat)
	PushConstants(p *Pipeline, constants []int32)
	Dispatch(groups [3]uint32)
}
