package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arange(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestNewValidatesElementCount(t *testing.T) {
	t.Parallel()

	_, err := New([]int{2, 3}, arange(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))

	x, err := New([]int{2, 3}, arange(6))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, 6, x.NumElements())
}

func TestScalarTensor(t *testing.T) {
	t.Parallel()

	x, err := New(nil, []float32{7})
	require.NoError(t, err)
	assert.Equal(t, 0, x.Rank())
	assert.Equal(t, 1, x.NumElements())
}

func TestReshapeInfersDimension(t *testing.T) {
	t.Parallel()

	x, err := New([]int{1, 6, 2}, arange(12))
	require.NoError(t, err)

	y, err := x.Reshape(3, -1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, y.Shape())

	_, err = x.Reshape(5, -1)
	assert.ErrorIs(t, err, ErrShape)
	_, err = x.Reshape(4, 4)
	assert.ErrorIs(t, err, ErrShape)
}

func TestNarrowMiddleAxis(t *testing.T) {
	t.Parallel()

	// [1, 4, 2] -> tokens 1..3
	x, err := New([]int{1, 4, 2}, arange(8))
	require.NoError(t, err)

	y, err := x.Narrow(1, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, y.Shape())
	assert.Equal(t, []float32{2, 3, 4, 5}, y.Data())

	empty, err := x.Narrow(1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, empty.Shape())

	_, err = x.Narrow(1, 2, 5)
	assert.ErrorIs(t, err, ErrShape)
}

func TestRepeatTilesAxis(t *testing.T) {
	t.Parallel()

	x, err := New([]int{1, 1, 3}, []float32{1, 2, 3})
	require.NoError(t, err)

	y, err := x.Repeat(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, y.Shape())
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3, 1, 2, 3}, y.Data())
}

func TestConcatAlongTokens(t *testing.T) {
	t.Parallel()

	a, err := New([]int{1, 1, 2}, []float32{9, 9})
	require.NoError(t, err)
	b, err := New([]int{1, 2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	c, err := Concat(1, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2}, c.Shape())
	assert.Equal(t, []float32{9, 9, 1, 2, 3, 4}, c.Data())

	bad, err := New([]int{1, 1, 3}, []float32{0, 0, 0})
	require.NoError(t, err)
	_, err = Concat(1, a, bad)
	assert.ErrorIs(t, err, ErrShape)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	x := Full(1, 2, 2)
	y := x.Clone()
	y.Data()[0] = 5
	assert.Equal(t, float32(1), x.Data()[0])
	assert.False(t, x.Equal(y))
	y.Data()[0] = 1
	assert.True(t, x.Equal(y))
}
