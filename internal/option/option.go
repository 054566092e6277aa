// Package option defines the execution options threaded through every layer
// call.
package option

import (
	"runtime"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/logger"
)

// Option bundles the per-call execution settings. Allocators are injected
// here rather than held by layers so callers can swap pooled or arena
// strategies without touching layer code.
type Option struct {
	// NumThreads bounds the CPU workers a single forward call may use.
	NumThreads int

	// LightMode lets in-place layers mutate the caller's input instead of a
	// private copy.
	LightMode bool

	BlobAllocator      blob.Allocator
	WorkspaceAllocator blob.Allocator

	BlobVkAllocator      gpu.Allocator
	StagingVkAllocator   gpu.Allocator
	WorkspaceVkAllocator gpu.Allocator

	// UseVulkanCompute enables GPU pipelines and load-time specialisation.
	UseVulkanCompute bool

	Logger logger.Logger
}

// Default returns options using every CPU, heap allocators and a discarding
// logger.
func Default() *Option {
	return &Option{
		NumThreads:         runtime.GOMAXPROCS(0),
		LightMode:          true,
		BlobAllocator:      blob.Heap,
		WorkspaceAllocator: blob.Heap,
		Logger:             logger.Discard(),
	}
}

// Threads returns NumThreads clamped to at least one.
func (o *Option) Threads() int {
	if o == nil || o.NumThreads < 1 {
		return 1
	}
	return o.NumThreads
}

// Log returns the configured logger, never nil.
func (o *Option) Log() logger.Logger {
	if o == nil || o.Logger == nil {
		return logger.Discard()
	}
	return o.Logger
}

// BlobAlloc returns the blob allocator, defaulting to the heap.
func (o *Option) BlobAlloc() blob.Allocator {
	if o == nil || o.BlobAllocator == nil {
		return blob.Heap
	}
	return o.BlobAllocator
}

// WorkspaceAlloc returns the workspace allocator, defaulting to the heap.
func (o *Option) WorkspaceAlloc() blob.Allocator {
	if o == nil || o.WorkspaceAllocator == nil {
		return blob.Heap
	}
	return o.WorkspaceAllocator
}

// BlobVkAlloc returns the device blob allocator, or nil.
func (o *Option) BlobVkAlloc() gpu.Allocator {
	if o == nil {
		return nil
	}
	return o.BlobVkAllocator
}

// StagingVkAlloc returns the staging allocator, or nil.
func (o *Option) StagingVkAlloc() gpu.Allocator {
	if o == nil {
		return nil
	}
	return o.StagingVkAllocator
}

// WorkspaceVkAlloc returns the device workspace allocator, or nil.
func (o *Option) WorkspaceVkAlloc() gpu.Allocator {
	if o == nil {
		return nil
	}
	return o.WorkspaceVkAllocator
}

// WithThreads returns a copy of o using n threads.
func (o *Option) WithThreads(n int) *Option {
	c := *o
	c.NumThreads = n
	return &c
}
