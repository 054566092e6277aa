//go:build webgpu

package wgpu

import (
	"encoding/binary"
	"errors"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/samcharles93/lamina/internal/gpu"
)

var errNoPipeline = errors.New("wgpu: dispatch without a bound pipeline")

// Command encodes layer dispatches into one command buffer. Each Dispatch
// becomes its own compute pass; Submit hands the buffer to the queue.
type Command struct {
	dev     *Device
	encoder *wgpu.CommandEncoder

	prog      *program
	pipeline  *gpu.Pipeline
	bindings  []gpu.Mat
	constants []int32

	uniforms   []*wgpu.Buffer
	bindGroups []*wgpu.BindGroup
	err        error
}

// NewCommand starts recording on d.
func (d *Device) NewCommand() *Command {
	return &Command{dev: d, encoder: d.device.CreateCommandEncoder(nil)}
}

func (c *Command) BindPipeline(p *gpu.Pipeline) {
	prog, _ := p.Handle.(*program)
	c.prog = prog
	c.pipeline = p
	c.bindings = nil
	c.constants = nil
}

func (c *Command) UpdateBindings(_ *gpu.Pipeline, bindings []gpu.Mat) {
	c.bindings = append(c.bindings[:0], bindings...)
}

func (c *Command) PushConstants(_ *gpu.Pipeline, constants []int32) {
	c.constants = append(c.constants[:0], constants...)
}

func (c *Command) Dispatch(groups [3]uint32) {
	if c.prog == nil {
		c.err = errors.Join(c.err, errNoPipeline)
		return
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(c.bindings)+1)
	for i, m := range c.bindings {
		buf, ok := m.Buffer.(*Buffer)
		if !ok {
			c.err = errors.Join(c.err, errors.New("wgpu: binding is not a webgpu buffer"))
			return
		}
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), buf.buf, 0, uint64(buf.size)))
	}
	if len(c.constants) > 0 {
		u, size := c.uniform(c.constants)
		entries = append(entries, wgpu.BufferBindingEntry(uint32(len(c.bindings)), u, 0, size))
	}

	layout := c.prog.pipeline.GetBindGroupLayout(0)
	bg := c.dev.device.CreateBindGroupSimple(layout, entries)
	c.bindGroups = append(c.bindGroups, bg)

	pass := c.encoder.BeginComputePass(nil)
	pass.SetPipeline(c.prog.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
}

// uniform packs constants as consecutive i32 values, padded to 16 bytes.
func (c *Command) uniform(constants []int32) (*wgpu.Buffer, uint64) {
	size := uint64((len(constants)*4 + 15) &^ 15)
	buf := c.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	data := mapped(buf, size)
	for i, v := range constants {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	buf.Unmap()
	c.uniforms = append(c.uniforms, buf)
	return buf, size
}

// Submit finishes the command buffer and queues it. The command must not be
// reused afterwards.
func (c *Command) Submit() error {
	if c.err != nil {
		c.release()
		return c.err
	}
	c.dev.queue.Submit(c.encoder.Finish(nil))
	c.release()
	return nil
}

func (c *Command) release() {
	for _, bg := range c.bindGroups {
		bg.Release()
	}
	for _, u := range c.uniforms {
		u.Release()
	}
	c.bindGroups = nil
	c.uniforms = nil
}
