//go:build webgpu

package wgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samcharles93/lamina/internal/gpu"
)

func TestPreamble(t *testing.T) {
	t.Parallel()

	p := &gpu.Pipeline{
		LocalSize:       [3]int{8, 8, 0},
		Specializations: []gpu.Specialization{gpu.SpecInt(2), gpu.SpecFloat(3), gpu.SpecFloat(-0.5)},
	}
	want := "const sp0: i32 = 2;\n" +
		"const sp1: f32 = 3.0;\n" +
		"const sp2: f32 = -0.5;\n" +
		"const local_size_x: u32 = 8u;\n" +
		"const local_size_y: u32 = 8u;\n" +
		"const local_size_z: u32 = 1u;\n"
	assert.Equal(t, want, Preamble(p))
}

func TestWGSLFloat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.0", wgslFloat(1))
	assert.Equal(t, "0.25", wgslFloat(0.25))
	assert.Equal(t, "1e+30", wgslFloat(1e30))
}
