// Package config loads the YAML description of a single layer run.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/layer"
	"github.com/samcharles93/lamina/internal/logger"
	"github.com/samcharles93/lamina/internal/option"
	"github.com/samcharles93/lamina/internal/param"
)

var ErrInvalid = errors.New("config: invalid")

// Config is a run file. Pointer fields distinguish "not set" from zero
// values so command line flags can fill the gaps.
type Config struct {
	Threads   *int  `yaml:"threads"`
	LightMode *bool `yaml:"light_mode"`

	// Allocator selects the CPU allocator: heap (default) or pool.
	Allocator string `yaml:"allocator"`

	Layer LayerConfig `yaml:"layer"`
	Input Input       `yaml:"input"`
	GPU   *GPUConfig  `yaml:"gpu"`
}

// LayerConfig names a registered layer type and its parameters.
type LayerConfig struct {
	Type   string      `yaml:"type" json:"type,omitempty"`
	Name   string      `yaml:"name" json:"name,omitempty"`
	Params map[int]any `yaml:"params" json:"-"`
	// Model is an optional weight file read through LoadModel.
	Model string `yaml:"model" json:"model,omitempty"`
}

// Input is a float32 blob laid out channel after channel.
type Input struct {
	Dims int       `yaml:"dims" json:"dims"`
	W    int       `yaml:"w" json:"w"`
	H    int       `yaml:"h" json:"h"`
	C    int       `yaml:"c" json:"c"`
	Data []float32 `yaml:"data" json:"data"`
}

// GPUConfig holds the device limits used to specialise pipelines for a
// recorded dry run.
type GPUConfig struct {
	Name                    string `yaml:"name"`
	MaxWorkgroupSize        []int  `yaml:"max_workgroup_size"`
	MaxWorkgroupInvocations int    `yaml:"max_workgroup_invocations"`
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields a run cannot do without.
func (c *Config) Validate() error {
	if c.Layer.Type == "" {
		return fmt.Errorf("%w: layer.type is required", ErrInvalid)
	}
	if c.Threads != nil && *c.Threads < 0 {
		return fmt.Errorf("%w: threads %d", ErrInvalid, *c.Threads)
	}
	switch c.Allocator {
	case "", "heap", "pool":
	default:
		return fmt.Errorf("%w: allocator %q (expected heap or pool)", ErrInvalid, c.Allocator)
	}
	if c.GPU != nil && len(c.GPU.MaxWorkgroupSize) != 0 && len(c.GPU.MaxWorkgroupSize) != 3 {
		return fmt.Errorf("%w: gpu.max_workgroup_size needs 3 values", ErrInvalid)
	}
	return c.Input.Validate()
}

// Validate checks that the extents match the data length.
func (in Input) Validate() error {
	w, h, c := in.W, max(in.H, 1), max(in.C, 1)
	switch in.Dims {
	case 1:
		h, c = 1, 1
	case 2:
		c = 1
	case 3:
	default:
		return fmt.Errorf("%w: input.dims %d", ErrInvalid, in.Dims)
	}
	if w <= 0 {
		return fmt.Errorf("%w: input.w %d", ErrInvalid, in.W)
	}
	if len(in.Data) != w*h*c {
		return fmt.Errorf("%w: input has %d values for %dx%dx%d", ErrInvalid, len(in.Data), w, h, c)
	}
	return nil
}

// Mat copies the input into a new blob.
func (in Input) Mat() (blob.Mat, error) {
	if err := in.Validate(); err != nil {
		return blob.Mat{}, err
	}
	return blob.FromFloat32s(in.Dims, in.W, max(in.H, 1), max(in.C, 1), in.Data)
}

// InputFromMat is the inverse of Input.Mat.
func InputFromMat(m blob.Mat) Input {
	return Input{Dims: m.Dims, W: m.W, H: m.H, C: m.C, Data: m.ToFloat32s()}
}

// ParamDict converts the layer params.
func (l LayerConfig) ParamDict() (*param.Dict, error) {
	pd, err := param.FromMap(l.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: layer.params: %w", ErrInvalid, err)
	}
	return pd, nil
}

// Build creates the configured layer from the default registry.
func (c *Config) Build(dev gpu.Device, opt *option.Option) (layer.Layer, error) {
	return c.Layer.Build(layer.Default, dev, opt)
}

// Build creates the layer from reg and loads its params and weights. With a
// device the pipeline is specialised and created too.
func (l LayerConfig) Build(reg *layer.Registry, dev gpu.Device, opt *option.Option) (layer.Layer, error) {
	if reg == nil {
		reg = layer.Default
	}
	out, err := reg.Create(l.Type)
	if err != nil {
		return nil, err
	}
	info := out.Info()
	info.Name = l.Name
	info.Device = dev

	pd, err := l.ParamDict()
	if err != nil {
		return nil, err
	}
	pd.UseVulkanCompute = dev != nil
	if err := out.LoadParam(pd); err != nil {
		return nil, err
	}
	if l.Model != "" {
		mb, err := param.OpenModelBin(l.Model, opt.BlobAlloc())
		if err != nil {
			return nil, err
		}
		defer func() { _ = mb.Close() }()
		if err := out.LoadModel(mb); err != nil {
			return nil, err
		}
	}
	if dev != nil {
		if err := out.CreatePipeline(opt); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeviceInfo returns the configured limits, falling back to
// gpu.DefaultDeviceInfo for anything unset.
func (c *Config) DeviceInfo() gpu.DeviceInfo {
	info := gpu.DefaultDeviceInfo()
	if c.GPU == nil {
		return info
	}
	if c.GPU.Name != "" {
		info.Name = c.GPU.Name
	}
	if len(c.GPU.MaxWorkgroupSize) == 3 {
		copy(info.MaxWorkgroupSize[:], c.GPU.MaxWorkgroupSize)
	}
	if c.GPU.MaxWorkgroupInvocations > 0 {
		info.MaxWorkgroupInvocations = c.GPU.MaxWorkgroupInvocations
	}
	return info
}

// Option builds execution options from the config.
func (c *Config) Option(log logger.Logger) *option.Option {
	opt := option.Default()
	if c.Threads != nil && *c.Threads > 0 {
		opt.NumThreads = *c.Threads
	}
	if c.LightMode != nil {
		opt.LightMode = *c.LightMode
	}
	if c.Allocator == "pool" {
		pool := blob.NewPool()
		opt.BlobAllocator = pool
		opt.WorkspaceAllocator = pool
	}
	if log != nil {
		opt.Logger = log
	}
	return opt
}
