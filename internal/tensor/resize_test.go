package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeBilinearUpsample(t *testing.T) {
	t.Parallel()

	// 2x2 single-channel grid [[0, 1], [2, 3]] to 3x3.
	grid, err := New([]int{2, 2, 1}, []float32{0, 1, 2, 3})
	require.NoError(t, err)

	out, err := ResizeBilinear(grid, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 1}, out.Shape())

	want := []float32{
		0, 0.5, 1,
		1, 1.5, 2,
		2, 2.5, 3,
	}
	for i, v := range want {
		assert.InDelta(t, v, out.Data()[i], 1e-6, "index %d", i)
	}
}

func TestResizeBilinearChannelsIndependent(t *testing.T) {
	t.Parallel()

	// Channel 1 is channel 0 negated.
	grid, err := New([]int{2, 2, 2}, []float32{0, 0, 1, -1, 2, -2, 3, -3})
	require.NoError(t, err)

	out, err := ResizeBilinear(grid, 4, 4)
	require.NoError(t, err)
	d := out.Data()
	for i := 0; i < len(d); i += 2 {
		assert.InDelta(t, d[i], -d[i+1], 1e-6)
	}
	// Corners stay verbatim.
	assert.InDelta(t, 0, d[0], 1e-6)
	assert.InDelta(t, 3, d[len(d)-2], 1e-6)
}

func TestResizeBilinearIdentity(t *testing.T) {
	t.Parallel()

	grid, err := New([]int{3, 3, 2}, arange(18))
	require.NoError(t, err)

	out, err := ResizeBilinear(grid, 3, 3)
	require.NoError(t, err)
	for i, v := range grid.Data() {
		assert.InDelta(t, v, out.Data()[i], 1e-5)
	}
}

func TestResizeBilinearDownsampleToOne(t *testing.T) {
	t.Parallel()

	grid, err := New([]int{2, 2, 1}, []float32{4, 1, 2, 3})
	require.NoError(t, err)

	out, err := ResizeBilinear(grid, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, out.Data())
}

func TestResizeBilinearRejectsBadRank(t *testing.T) {
	t.Parallel()

	_, err := ResizeBilinear(Zeros(4, 4), 2, 2)
	assert.ErrorIs(t, err, ErrShape)
}
