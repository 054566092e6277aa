package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/config"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/layer"
	"github.com/samcharles93/lamina/internal/logger"
	"github.com/samcharles93/lamina/internal/option"
)

// runResult is the JSON printed by run.
type runResult struct {
	Layer   string        `json:"layer"`
	Name    string        `json:"name,omitempty"`
	Device  string        `json:"device"`
	Elapsed string        `json:"elapsed"`
	Output  *config.Input `json:"output"`
	Records []string      `json:"records,omitempty"`
	Status  int           `json:"status"`
}

func runCmd() *cli.Command {
	var (
		configPath string
		inputPath  string
		outputPath string
		threads    int64
		lightMode  bool
		dryRun     bool
		device     string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one layer described by a YAML config",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the run config (.yaml)",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "JSON file with the input blob, overriding the config",
				Destination: &inputPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the result here instead of stdout",
				Destination: &outputPath,
			},
			&cli.Int64Flag{
				Name:        "threads",
				Aliases:     []string{"t"},
				Usage:       "CPU worker count",
				Destination: &threads,
			},
			&cli.BoolFlag{
				Name:        "light-mode",
				Usage:       "let in-place layers reuse the input blob",
				Value:       true,
				Destination: &lightMode,
			},
			&cli.BoolFlag{
				Name:        "gpu",
				Usage:       "record the GPU path on a dry-run device and print the commands",
				Destination: &dryRun,
			},
			&cli.StringFlag{
				Name:        "device",
				Usage:       "execution device (cpu, webgpu)",
				Value:       "cpu",
				Destination: &device,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := config.Load(configPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyRunFlags(cmd, cfg, int(threads), lightMode)
			if inputPath != "" {
				in, err := readInput(inputPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				cfg.Input = in
			}

			opt := cfg.Option(log.With(logger.LayerKey, cfg.Layer.Type))
			res := runResult{Layer: cfg.Layer.Type, Name: cfg.Layer.Name, Device: device}
			start := time.Now()
			switch {
			case dryRun:
				res.Device = "recorder"
				err = recordLayer(cfg, opt, &res)
			case device == "cpu":
				err = forwardLayer(cfg, opt, &res)
			case device == "webgpu":
				err = forwardDevice(cfg, opt, &res)
			default:
				return cli.Exit(fmt.Sprintf("error: unknown device %q (expected cpu or webgpu)", device), 1)
			}
			res.Elapsed = time.Since(start).String()
			res.Status = layer.Status(err)
			if err != nil {
				log.Error("run failed", "layer", cfg.Layer.Type, "status", res.Status, "error", err)
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("run complete", "layer", cfg.Layer.Type, "device", res.Device, "elapsed", res.Elapsed)

			return writeResult(outputPath, res)
		},
	}
}

// applyRunFlags lets explicitly set flags win over config file values.
func applyRunFlags(c *cli.Command, cfg *config.Config, threads int, lightMode bool) {
	if c.IsSet("threads") || cfg.Threads == nil {
		if threads > 0 {
			cfg.Threads = &threads
		}
	}
	if c.IsSet("light-mode") || cfg.LightMode == nil {
		cfg.LightMode = &lightMode
	}
}

func readInput(path string) (config.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Input{}, fmt.Errorf("read input: %w", err)
	}
	var in config.Input
	if err := json.Unmarshal(data, &in); err != nil {
		return config.Input{}, fmt.Errorf("decode input %s: %w", path, err)
	}
	return in, in.Validate()
}

func writeResult(path string, res runResult) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: create output: %v", err), 1)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func forwardLayer(cfg *config.Config, opt *option.Option, res *runResult) error {
	l, err := cfg.Build(nil, opt)
	if err != nil {
		return err
	}
	in, err := cfg.Input.Mat()
	if err != nil {
		return err
	}
	out, err := layer.Run(l, []blob.Mat{in}, opt)
	if err != nil {
		return err
	}
	result := config.InputFromMat(out[0])
	res.Output = &result
	return nil
}

func recordLayer(cfg *config.Config, opt *option.Option, res *runResult) error {
	rec := gpu.NewRecorder(cfg.DeviceInfo())
	blobs := gpu.NewHostAllocator(0)
	work := gpu.NewHostAllocator(0)
	opt.UseVulkanCompute = true
	opt.BlobVkAllocator = blobs
	opt.StagingVkAllocator = blobs
	opt.WorkspaceVkAllocator = work

	l, err := cfg.Build(rec, opt)
	if err != nil {
		return err
	}
	defer func() { _ = l.DestroyPipeline(opt) }()

	in := cfg.Input
	var m gpu.Mat
	if err := m.CreateDims(in.Dims, in.W, max(in.H, 1), max(in.C, 1), 4, blobs, blobs); err != nil {
		return err
	}
	out, err := layer.RunGPU(l, []gpu.Mat{m}, rec, opt)
	if err != nil {
		return err
	}
	res.Output = &config.Input{Dims: out[0].Dims, W: out[0].W, H: out[0].H, C: out[0].C}
	for _, r := range rec.Records() {
		res.Records = append(res.Records, r.String())
	}
	work.Reset()
	return nil
}
