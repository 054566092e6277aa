//go:build webgpu

// Package wgpu runs layer pipelines on a WebGPU device through go-webgpu.
//
// Specialisation constants are compiled into the WGSL source as `sp<i>`
// constants, and the local size as `local_size_x/y/z`. Push constants are
// delivered through a uniform buffer bound after the layer's storage
// bindings.
package wgpu

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/samcharles93/lamina/internal/gpu"
)

// Device wraps a WebGPU device and its queue.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     gpu.DeviceInfo

	mu       sync.Mutex
	compiled map[*gpu.Pipeline]*program
}

type program struct {
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

// Open requests a high performance adapter and device.
func Open() (d *Device, err error) {
	// The native library panics when it cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("%w: webgpu native library not available: %v", gpu.ErrNoDevice, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %v", gpu.ErrNoDevice, err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %v", gpu.ErrNoDevice, err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no queue", gpu.ErrNoDevice)
	}

	info := gpu.DefaultDeviceInfo()
	info.Name = "webgpu"
	// WebGPU guarantees 256x256x64 with 256 invocations per workgroup.
	info.MaxWorkgroupSize = [3]int{256, 256, 64}
	info.MaxWorkgroupInvocations = 256

	return &Device{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    queue,
		info:     info,
		compiled: make(map[*gpu.Pipeline]*program),
	}, nil
}

// Close releases every compiled pipeline and the device.
func (d *Device) Close() {
	d.mu.Lock()
	for p, prog := range d.compiled {
		prog.release()
		p.Handle = nil
	}
	clear(d.compiled)
	d.mu.Unlock()

	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

func (d *Device) Info() gpu.DeviceInfo { return d.info }

func (d *Device) CreatePipeline(p *gpu.Pipeline) error {
	if p.Shader == "" {
		return fmt.Errorf("wgpu: pipeline %s has no shader", p.Name)
	}
	src := Preamble(p) + p.Shader
	shader := d.device.CreateShaderModuleWGSL(src)
	if shader == nil {
		return fmt.Errorf("wgpu: compile %s failed", p.Name)
	}
	pipe := d.device.CreateComputePipelineSimple(nil, shader, "main")
	if pipe == nil {
		shader.Release()
		return fmt.Errorf("wgpu: create pipeline %s failed", p.Name)
	}

	prog := &program{shader: shader, pipeline: pipe}
	d.mu.Lock()
	if old, ok := d.compiled[p]; ok {
		old.release()
	}
	d.compiled[p] = prog
	d.mu.Unlock()
	p.Handle = prog
	return nil
}

func (d *Device) DestroyPipeline(p *gpu.Pipeline) {
	d.mu.Lock()
	prog, ok := d.compiled[p]
	delete(d.compiled, p)
	d.mu.Unlock()
	if ok {
		prog.release()
	}
	p.Handle = nil
}

func (p *program) release() {
	p.pipeline.Release()
	p.shader.Release()
}

// Preamble renders the WGSL constants for a pipeline's specialisations and
// local size.
func Preamble(p *gpu.Pipeline) string {
	var b strings.Builder
	for i, s := range p.Specializations {
		if s.IsFloat() {
			fmt.Fprintf(&b, "const sp%d: f32 = %s;\n", i, wgslFloat(s.Float()))
		} else {
			fmt.Fprintf(&b, "const sp%d: i32 = %d;\n", i, s.Int())
		}
	}
	ls := p.LocalSize
	for i := range ls {
		ls[i] = max(ls[i], 1)
	}
	fmt.Fprintf(&b, "const local_size_x: u32 = %du;\n", ls[0])
	fmt.Fprintf(&b, "const local_size_y: u32 = %du;\n", ls[1])
	fmt.Fprintf(&b, "const local_size_z: u32 = %du;\n", ls[2])
	return b.String()
}

func wgslFloat(f float32) string {
	s := fmt.Sprintf("%g", f)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func mapped(buf *wgpu.Buffer, size uint64) []byte {
	ptr := buf.GetMappedRange(0, size)
	//nolint:gosec // mapped range is valid until Unmap
	return unsafe.Slice((*byte)(ptr), size)
}
