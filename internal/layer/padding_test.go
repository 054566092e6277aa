package layer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/samcharles93/lamina/internal/blob"
	"github.com/samcharles93/lamina/internal/gpu"
	"github.com/samcharles93/lamina/internal/option"
	"github.com/samcharles93/lamina/internal/param"
)

func randomMat(t *testing.T, seed uint64, dims, w, h, c int) blob.Mat {
	t.Helper()
	if dims < 3 {
		c = 1
	}
	if dims < 2 {
		h = 1
	}
	r := rand.New(rand.NewPCG(seed, 7))
	vals := make([]float32, w*h*c)
	for i := range vals {
		vals[i] = r.Float32()*10 - 5
	}
	m, err := blob.FromFloat32s(dims, w, h, c, vals)
	require.NoError(t, err)
	return m
}

func padParams(top, bottom, left, right, mode int, value float64) map[int]any {
	return map[int]any{0: top, 1: bottom, 2: left, 3: right, 4: mode, 5: value}
}

func TestPaddingConcreteCase(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(1, 0, 1, 1, 0, 0))
	in, err := blob.FromFloat32s(2, 2, 1, 1, []float32{5, 6})
	require.NoError(t, err)

	out, err := p.Forward(in, option.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Dims)
	assert.Equal(t, 4, out.W)
	assert.Equal(t, 2, out.H)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 5, 6, 0}, out.ToFloat32s())
}

func TestPaddingIdentityAliases(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(0, 0, 0, 0, 0, 3))
	for _, dims := range []int{1, 2, 3} {
		in := randomMat(t, uint64(dims), dims, 5, dims, dims)
		out, err := p.Forward(in, option.Default())
		require.NoError(t, err)
		assert.Same(t, &in.Bytes()[0], &out.Bytes()[0])
		assert.Equal(t, 2, in.RefCount())
		assert.Equal(t, in.ToFloat32s(), out.ToFloat32s())
		out.Release()
		assert.Equal(t, 1, in.RefCount())
	}
}

func TestPaddingShapeLaw(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dims, w, h, c       int
		wantW, wantH, wantC int
	}{
		{1, 5, 1, 1, 8, 1, 1},
		{2, 5, 4, 1, 8, 11, 1},
		{3, 5, 4, 3, 8, 11, 3},
	}
	p := load(t, "Padding", padParams(4, 3, 1, 2, 0, -1))
	for _, tc := range cases {
		in := randomMat(t, 1, tc.dims, tc.w, tc.h, tc.c)
		out, err := p.Forward(in, option.Default())
		require.NoError(t, err)
		assert.Equal(t, tc.dims, out.Dims)
		assert.Equal(t, tc.wantW, out.W)
		assert.Equal(t, tc.wantH, out.H)
		assert.Equal(t, tc.wantC, out.C)
	}
}

func TestPaddingConstantContent(t *testing.T) {
	t.Parallel()

	const top, bottom, left, right = 2, 1, 3, 1
	p := load(t, "Padding", padParams(top, bottom, left, right, 0, 7.5))
	in := randomMat(t, 3, 3, 4, 3, 2)
	out, err := p.Forward(in, option.Default().WithThreads(2))
	require.NoError(t, err)

	for q := 0; q < in.C; q++ {
		src := blob.View[float32](in.Channel(q))
		dst := blob.View[float32](out.Channel(q))
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				sx, sy := x-left, y-top
				got := dst[y*out.W+x]
				if sx < 0 || sy < 0 || sx >= in.W || sy >= in.H {
					require.Equalf(t, float32(7.5), got, "margin q=%d x=%d y=%d", q, x, y)
				} else {
					require.Equalf(t, src[sy*in.W+sx], got, "interior q=%d x=%d y=%d", q, x, y)
				}
			}
		}
	}
}

func TestPaddingReplicateContent(t *testing.T) {
	t.Parallel()

	const top, bottom, left, right = 2, 2, 2, 3
	p := load(t, "Padding", padParams(top, bottom, left, right, 1, 0))
	in := randomMat(t, 4, 2, 3, 2, 1)
	out, err := p.Forward(in, option.Default())
	require.NoError(t, err)

	src := in.Float32s()
	dst := out.Float32s()
	for y := 0; y < out.H; y++ {
		sy := min(max(y-top, 0), in.H-1)
		row := src[sy*in.W : (sy+1)*in.W]
		for x := 0; x < out.W; x++ {
			want := row[min(max(x-left, 0), in.W-1)]
			require.Equalf(t, want, dst[y*out.W+x], "x=%d y=%d", x, y)
		}
	}
}

func TestPaddingReflectContent(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(1, 1, 2, 2, 2, 0))
	in, err := blob.FromFloat32s(2, 3, 2, 1, []float32{
		1, 2, 3,
		4, 5, 6,
	})
	require.NoError(t, err)
	out, err := p.Forward(in, option.Default())
	require.NoError(t, err)
	assert.Equal(t, []float32{
		6, 5, 4, 5, 6, 5, 4,
		3, 2, 1, 2, 3, 2, 1,
		6, 5, 4, 5, 6, 5, 4,
		3, 2, 1, 2, 3, 2, 1,
	}, out.ToFloat32s())

	// extents must stay inside the source
	p = load(t, "Padding", padParams(0, 0, 3, 0, 2, 0))
	_, err = p.Forward(in, option.Default())
	assert.ErrorIs(t, err, ErrShape)
}

func TestPadding1DIgnoresTopBottom(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(3, 3, 1, 2, 1, 0))
	in, err := blob.FromFloat32s(1, 3, 1, 1, []float32{1, 2, 3})
	require.NoError(t, err)
	out, err := p.Forward(in, option.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Dims)
	assert.Equal(t, []float32{1, 1, 2, 3, 3, 3}, out.ToFloat32s())
}

func TestPaddingInt8AndFP16(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(0, 0, 1, 1, 0, -2.7))

	in8, err := blob.New1D(2, 1, nil)
	require.NoError(t, err)
	copy(in8.Int8s(), []int8{10, -20})
	out8, err := p.Forward(in8, option.Default())
	require.NoError(t, err)
	assert.Equal(t, []int8{-2, 10, -20, -2}, out8.Int8s())

	in16, err := blob.New1D(2, 2, nil)
	require.NoError(t, err)
	h := in16.Uint16s()
	h[0] = float16.Fromfloat32(1.5).Bits()
	h[1] = float16.Fromfloat32(-3).Bits()
	out16, err := p.Forward(in16, option.Default())
	require.NoError(t, err)
	got := make([]float32, 0, 4)
	for _, bits := range out16.Uint16s() {
		got = append(got, float16.Frombits(bits).Float32())
	}
	assert.InDeltaSlice(t, []float64{-2.7, 1.5, -3, -2.7}, toFloat64s(got), 1e-2)
}

func TestPaddingThreadDeterminism(t *testing.T) {
	t.Parallel()

	for mode := 0; mode <= 2; mode++ {
		p := load(t, "Padding", padParams(2, 1, 1, 2, mode, 0.25))
		in := randomMat(t, 9, 3, 7, 5, 6)
		single, err := p.Forward(in, option.Default().WithThreads(1))
		require.NoError(t, err)
		multi, err := p.Forward(in, option.Default().WithThreads(5))
		require.NoError(t, err)
		assert.Equal(t, single.Bytes(), multi.Bytes(), "mode %d", mode)
	}
}

func TestPaddingLoadParamErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]map[int]any{
		"negative": {0: -1},
		"type":     {4: 3},
		"kind":     {2: "wide"},
	}
	for name, params := range cases {
		l, err := CreateLayer("Padding")
		require.NoError(t, err)
		pd, err := param.FromMap(params)
		require.NoError(t, err)
		err = l.LoadParam(pd)
		assert.ErrorIs(t, err, ErrLoad, name)
	}
}

func TestPaddingAllocationFailure(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(1, 1, 1, 1, 0, 0))
	in := randomMat(t, 2, 3, 4, 4, 2)

	opt := option.Default()
	opt.BlobAllocator = blob.NewBudget(64)
	out, err := p.Forward(in, opt)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, StatusAllocation, Status(err))
	assert.True(t, out.Empty())
}

func TestPaddingHugeExtents(t *testing.T) {
	t.Parallel()

	in := randomMat(t, 4, 2, 1, 1, 1)

	// the padded size wraps past the byte cap
	p := load(t, "Padding", map[int]any{0: 3, 2: 1 << 61, 3: 1 << 61})
	budget := blob.NewBudget(1 << 20)
	opt := option.Default()
	opt.BlobAllocator = budget
	out, err := p.Forward(in, opt)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Equal(t, StatusAllocation, Status(err))
	assert.True(t, out.Empty())
	assert.Zero(t, budget.InUse())

	// the extent sum itself overflows int
	p = load(t, "Padding", map[int]any{2: math.MaxInt, 3: 1})
	_, err = p.Forward(in, opt)
	assert.ErrorIs(t, err, ErrShape)
}

func TestPaddingHugeExtentsGPU(t *testing.T) {
	t.Parallel()

	rec := gpu.NewRecorder(gpu.DefaultDeviceInfo())
	opt, blobs, _ := gpuOption(0)
	var m gpu.Mat
	require.NoError(t, m.Create2D(1, 1, 4, blobs, nil))

	p := loadGPU(t, "Padding", map[int]any{0: 3, 2: 1 << 61, 3: 1 << 61}, rec, opt)
	_, err := p.ForwardGPU(m, rec, opt)
	assert.Equal(t, StatusAllocation, Status(err))

	p = loadGPU(t, "Padding", map[int]any{2: math.MaxInt, 3: 1}, rec, opt)
	_, err = p.ForwardGPU(m, rec, opt)
	assert.ErrorIs(t, err, ErrShape)

	assert.Empty(t, rec.Records())
	bytes, n := blobs.InUse()
	assert.Equal(t, 4, bytes)
	assert.Equal(t, 1, n)
}

func TestPaddingNaNFillOnInt8(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int8(0), int8Value(float32(math.NaN())))
	assert.Equal(t, int8(127), int8Value(1e9))
	assert.Equal(t, int8(-128), int8Value(-1e9))

	p := load(t, "Padding", padParams(0, 0, 1, 1, 0, math.NaN()))
	in, err := blob.New1D(1, 1, nil)
	require.NoError(t, err)
	in.Int8s()[0] = 9
	out, err := p.Forward(in, option.Default())
	require.NoError(t, err)
	assert.Equal(t, []int8{0, 9, 0}, out.Int8s())
}

func TestPaddingBadDims(t *testing.T) {
	t.Parallel()

	p := load(t, "Padding", padParams(0, 0, 1, 0, 0, 0))
	_, err := p.Forward(blob.Mat{Dims: 5}, option.Default())
	assert.ErrorIs(t, err, ErrShape)
}

func TestPaddingGPURecord(t *testing.T) {
	t.Parallel()

	rec := gpu.NewRecorder(gpu.DefaultDeviceInfo())
	opt, blobs, _ := gpuOption(0)
	p := loadGPU(t, "Padding", padParams(1, 1, 2, 2, 0, 0.5), rec, opt)

	pipe := p.Info().Pipeline
	require.NotNil(t, pipe)
	assert.Equal(t, [3]int{4, 4, 64}, pipe.LocalSize)
	assert.Equal(t, 2, pipe.BindingCount)
	assert.Equal(t, 10, pipe.PushConstantCount)
	require.Len(t, pipe.Specializations, 6)
	assert.Equal(t, int32(2), pipe.Specializations[2].Int())
	assert.True(t, pipe.Specializations[5].IsFloat())
	assert.Equal(t, float32(0.5), pipe.Specializations[5].Float())

	var bottom gpu.Mat
	require.NoError(t, bottom.Create3D(5, 3, 2, 4, blobs, nil))
	top, err := p.ForwardGPU(bottom, rec, opt)
	require.NoError(t, err)
	assert.Equal(t, 3, top.Dims)
	assert.Equal(t, 9, top.W)
	assert.Equal(t, 5, top.H)
	assert.Equal(t, 2, top.C)

	got := rec.Records()
	require.Len(t, got, 4)
	assert.Equal(t, []Op{OpBind, OpUpdate, OpPush, OpDispatch}, ops(got))
	require.Len(t, got[1].Bindings, 2)
	assert.Same(t, bottom.Buffer, got[1].Bindings[0].Buffer)
	assert.Same(t, top.Buffer, got[1].Bindings[1].Buffer)
	assert.Equal(t, []int32{3, 5, 3, 2, 16, 3, 9, 5, 2, 48}, got[2].Constants)
	assert.Equal(t, [3]uint32{3, 2, 1}, got[3].Groups)
}

func TestPaddingGPU1D(t *testing.T) {
	t.Parallel()

	rec := gpu.NewRecorder(gpu.DefaultDeviceInfo())
	opt, blobs, _ := gpuOption(0)
	p := loadGPU(t, "Padding", padParams(2, 2, 1, 3, 1, 0), rec, opt)

	var bottom gpu.Mat
	require.NoError(t, bottom.Create1D(6, 4, blobs, nil))
	top, err := p.ForwardGPU(bottom, rec, opt)
	require.NoError(t, err)
	assert.Equal(t, 1, top.Dims)
	assert.Equal(t, 10, top.W)
	assert.Equal(t, 1, top.H)
}

func TestPaddingGPUAllocationFailure(t *testing.T) {
	t.Parallel()

	rec := gpu.NewRecorder(gpu.DefaultDeviceInfo())
	opt, blobs, _ := gpuOption(0)
	p := loadGPU(t, "Padding", padParams(1, 1, 1, 1, 0, 0), rec, opt)

	var bottom gpu.Mat
	require.NoError(t, bottom.Create2D(4, 4, 4, blobs, nil))
	opt.BlobVkAllocator = gpu.NewHostAllocator(16)
	_, err := p.ForwardGPU(bottom, rec, opt)
	assert.Equal(t, StatusAllocation, Status(err))
	assert.Empty(t, rec.Records())
}

// Op aliases keep the record assertions short.
type Op = gpu.Op

const (
	OpBind     = gpu.OpBindPipeline
	OpUpdate   = gpu.OpUpdateBindings
	OpPush     = gpu.OpPushConstants
	OpDispatch = gpu.OpDispatch
)

func ops(records []gpu.Record) []Op {
	out := make([]Op, len(records))
	for i, r := range records {
		out[i] = r.Op
	}
	return out
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
