package blob

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate3DAlignsChannelStep(t *testing.T) {
	t.Parallel()

	m, err := New3D(3, 3, 4, 4, nil)
	require.NoError(t, err)

	// 9 floats = 36 bytes, rounded up to 48 bytes = 12 floats.
	assert.Equal(t, 12, m.CStep)
	assert.Equal(t, 48, m.Total())
	assert.Len(t, m.Float32s(), 48)
	assert.False(t, m.Empty())
}

func TestCreate2DHasNoPadding(t *testing.T) {
	t.Parallel()

	m, err := New2D(3, 5, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 15, m.CStep)
	assert.Equal(t, 1, m.C)
	assert.Equal(t, 2, m.Dims)
}

func TestChannelUsesCStep(t *testing.T) {
	t.Parallel()

	m, err := FromFloat32s(3, 3, 1, 2, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	require.Greater(t, m.CStep, m.W*m.H)

	assert.Equal(t, []float32{1, 2, 3}, m.Channel(0).Float32s())
	assert.Equal(t, []float32{4, 5, 6}, m.Channel(1).Float32s())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, m.ToFloat32s())
}

func TestChannelViewWritesThrough(t *testing.T) {
	t.Parallel()

	m, err := New3D(2, 2, 3, 4, nil)
	require.NoError(t, err)
	m.Fill(0)

	ch := m.Channel(2)
	ch.RowFloat32(1)[0] = 7
	assert.Equal(t, float32(7), m.Float32s()[2*m.CStep+2])
	assert.Equal(t, 0, ch.RefCount())
}

func TestCopyAliasesAndCreateDetaches(t *testing.T) {
	t.Parallel()

	a, err := FromFloat32s(1, 3, 1, 1, []float32{1, 2, 3})
	require.NoError(t, err)

	b := a.Retain()
	require.Equal(t, 2, a.RefCount())

	b.Float32s()[0] = 9
	assert.Equal(t, float32(9), a.Float32s()[0], "copies share storage")

	require.NoError(t, b.Create1D(3, 4, nil))
	b.Float32s()[0] = 42
	assert.Equal(t, float32(9), a.Float32s()[0], "create must not touch the old storage")
	assert.Equal(t, 1, a.RefCount())
}

func TestReleaseReturnsStorageToPool(t *testing.T) {
	t.Parallel()

	pool := NewPool()
	a, err := New2D(8, 8, 4, pool)
	require.NoError(t, err)
	b := a.Retain()

	a.Release()
	assert.True(t, a.Empty())
	b.Release()

	c, err := New2D(6, 8, 4, pool)
	require.NoError(t, err)
	defer c.Release()

	hits, misses := pool.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
	for _, v := range c.Float32s() {
		require.Zero(t, v)
	}
}

func TestBudgetAllocationFailure(t *testing.T) {
	t.Parallel()

	budget := NewBudget(64)
	a, err := New1D(16, 4, budget)
	require.NoError(t, err)
	assert.Equal(t, 64, budget.InUse())

	_, err = New1D(1, 4, budget)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocation))

	a.Release()
	assert.Zero(t, budget.InUse())
}

func TestSizeOverflow(t *testing.T) {
	t.Parallel()

	cstep, total, ok := Size(3, 3, 2, 4, 4)
	require.True(t, ok)
	assert.Equal(t, 8, cstep)
	assert.Equal(t, 128, total)

	cases := []struct {
		name          string
		dims, w, h, c int
	}{
		{"plane wraps", 2, 1<<62 + 1, 7, 1},
		{"large plane", 3, 1 << 20, 1 << 20, 1},
		{"channels wrap", 3, 1 << 10, 1 << 10, 1 << 60},
		{"over cap", 1, MaxBytes, 1, 1},
		{"negative", 2, -1, 2, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, ok := Size(tc.dims, tc.w, tc.h, tc.c, 4)
			assert.False(t, ok)
		})
	}

	budget := NewBudget(1 << 20)
	_, err := New2D(1<<62+1, 7, 4, budget)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.Zero(t, budget.InUse())
}

func TestCreateRejectsBadElemSize(t *testing.T) {
	t.Parallel()

	_, err := New1D(4, 3, nil)
	require.ErrorIs(t, err, ErrShape)

	_, err = New2D(-1, 2, 4, nil)
	require.ErrorIs(t, err, ErrShape)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	a, err := FromFloat32s(2, 2, 2, 1, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := a.Clone(nil)
	require.NoError(t, err)

	b.Float32s()[3] = -1
	assert.Equal(t, []float32{1, 2, 3, 4}, a.ToFloat32s())
	assert.True(t, a.SameShape(b))
}

func TestFromFloat32sLengthMismatch(t *testing.T) {
	t.Parallel()

	_, err := FromFloat32s(2, 2, 2, 1, []float32{1, 2, 3})
	require.ErrorIs(t, err, ErrShape)

	_, err = FromFloat32s(4, 1, 1, 1, []float32{1})
	require.ErrorIs(t, err, ErrShape)
}
