//go:build webgpu

package main

import (
	"github.com/samcharles93/lamina/internal/config"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/gpu/wgpu"
	"github.com/samcharles93/lamina/internal/layer"
	"github.com/samcharles93/lamina/internal/option"
)

// forwardDevice runs the layer's GPU path on the first WebGPU adapter and
// reads the result back.
func forwardDevice(cfg *config.Config, opt *option.Option, res *runResult) error {
	dev, err := wgpu.Open()
	if err != nil {
		return err
	}
	defer dev.Close()
	res.Device = dev.Info().Name

	alloc := dev.Allocator()
	opt.UseVulkanCompute = true
	opt.BlobVkAllocator = alloc
	opt.StagingVkAllocator = alloc
	opt.WorkspaceVkAllocator = alloc

	l, err := cfg.Build(dev, opt)
	if err != nil {
		return err
	}
	defer func() { _ = l.DestroyPipeline(opt) }()

	in, err := cfg.Input.Mat()
	if err != nil {
		return err
	}
	m, err := dev.Upload(in, alloc)
	if err != nil {
		return err
	}
	cmd := dev.NewCommand()
	out, err := layer.RunGPU(l, []gpu.Mat{m}, cmd, opt)
	if err != nil {
		return err
	}
	if err := cmd.Submit(); err != nil {
		return err
	}
	host, err := dev.Download(out[0], opt.BlobAlloc())
	if err != nil {
		return err
	}
	result := config.InputFromMat(host)
	res.Output = &result
	return nil
}
