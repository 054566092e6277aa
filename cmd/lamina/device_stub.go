//go:build !webgpu

package main

import (
	"errors"

	"github.com/samcharles93/lamina/internal/config"
	"github.com/samcharles93/lamina/internal/option"
)

func forwardDevice(*config.Config, *option.Option, *runResult) error {
	return errors.New("webgpu device unavailable: rebuild with -tags webgpu")
}
