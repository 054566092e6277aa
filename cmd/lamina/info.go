package main

import (
	"context"
	"os"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/version"
)

type hostInfo struct {
	Version  version.Info    `json:"version"`
	GoOS     string          `json:"go_os"`
	GoArch   string          `json:"go_arch"`
	CPUs     int             `json:"cpus"`
	Threads  int             `json:"default_threads"`
	Features map[string]bool `json:"cpu_features"`
	GPU      gpuInfo         `json:"gpu_defaults"`
}

type gpuInfo struct {
	Name      string `json:"name"`
	LocalSize [3]int `json:"local_size"`
}

func cpuFeatures() map[string]bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return map[string]bool{
			"AVX":      cpu.X86.HasAVX,
			"AVX2":     cpu.X86.HasAVX2,
			"FMA":      cpu.X86.HasFMA,
			"AVX512F":  cpu.X86.HasAVX512F,
			"AVX512BW": cpu.X86.HasAVX512BW,
			"SSE41":    cpu.X86.HasSSE41,
		}
	case "arm64":
		return map[string]bool{
			"ASIMD":   cpu.ARM64.HasASIMD,
			"FPHP":    cpu.ARM64.HasFPHP,
			"ASIMDHP": cpu.ARM64.HasASIMDHP,
			"ASIMDDP": cpu.ARM64.HasASIMDDP,
			"SVE":     cpu.ARM64.HasSVE,
		}
	}
	return map[string]bool{}
}

func collectHostInfo() hostInfo {
	dev := gpu.DefaultDeviceInfo()
	return hostInfo{
		Version:  version.Resolve(),
		GoOS:     runtime.GOOS,
		GoArch:   runtime.GOARCH,
		CPUs:     runtime.NumCPU(),
		Threads:  runtime.GOMAXPROCS(0),
		Features: cpuFeatures(),
		GPU:      gpuInfo{Name: dev.Name, LocalSize: dev.LocalSize()},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print host capabilities relevant to layer execution",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(collectHostInfo())
		},
	}
}
