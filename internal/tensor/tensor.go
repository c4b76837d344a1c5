// Package tensor holds the dense float32 arrays that make up a parameter tree.
//
// The checkpoint adapter treats tensors as opaque data except where shapes are
// inspected or resized, so only the handful of layout operations it needs are
// provided here: reshape, narrowing along an axis, repetition, concatenation
// and bilinear grid resizing.
package tensor

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// ErrShape is wrapped by every error caused by an incompatible shape.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 array with a fixed shape.
// A rank-0 tensor holds exactly one element.
type Tensor struct {
	shape []int
	data  []float32
}

// New wraps data in a tensor of the given shape. The data slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, errors.Wrapf(ErrShape, "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	n, err := numElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, n)}
}

// Full allocates a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// NumElements returns the number of stored values.
func (t *Tensor) NumElements() int { return len(t.data) }

// Data exposes the backing slice in row-major order.
func (t *Tensor) Data() []float32 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.shape, o.shape)
}

// Equal reports whether both tensors have the same shape and equal values.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.SameShape(o) && slices.Equal(t.data, o.data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// Reshape returns a tensor sharing t's data with a new shape.
// One dimension may be -1, in which case it is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, errors.Wrapf(ErrShape, "reshape %v: invalid dimension %d", t.shape, d)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, errors.Wrapf(ErrShape, "reshape %v to %v: cannot infer dimension", t.shape, shape)
		}
		shape[infer] = len(t.data) / known
		known *= shape[infer]
	}
	if known != len(t.data) {
		return nil, errors.Wrapf(ErrShape, "reshape %v (%d elements) to %v", t.shape, len(t.data), shape)
	}
	return &Tensor{shape: shape, data: t.data}, nil
}

// Narrow returns a copy of the half-open range [start, end) along axis.
func (t *Tensor) Narrow(axis, start, end int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, errors.Wrapf(ErrShape, "narrow %v: axis %d out of range", t.shape, axis)
	}
	if start < 0 || end < start || end > t.shape[axis] {
		return nil, errors.Wrapf(ErrShape, "narrow %v: range [%d, %d) out of bounds on axis %d", t.shape, start, end, axis)
	}
	outer, inner := t.split(axis)
	dim := t.shape[axis]
	width := end - start

	out := make([]float32, 0, outer*width*inner)
	for o := 0; o < outer; o++ {
		base := o * dim * inner
		out = append(out, t.data[base+start*inner:base+end*inner]...)
	}
	shape := slices.Clone(t.shape)
	shape[axis] = width
	return &Tensor{shape: shape, data: out}, nil
}

// Repeat tiles t n times along axis.
func (t *Tensor) Repeat(axis, n int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, errors.Wrapf(ErrShape, "repeat %v: axis %d out of range", t.shape, axis)
	}
	if n < 0 {
		return nil, errors.Wrapf(ErrShape, "repeat %v: negative count %d", t.shape, n)
	}
	outer, inner := t.split(axis)
	block := t.shape[axis] * inner

	out := make([]float32, 0, len(t.data)*n)
	for o := 0; o < outer; o++ {
		src := t.data[o*block : (o+1)*block]
		for range n {
			out = append(out, src...)
		}
	}
	shape := slices.Clone(t.shape)
	shape[axis] *= n
	return &Tensor{shape: shape, data: out}, nil
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Wrap(ErrShape, "concat: no tensors")
	}
	first := ts[0]
	if axis < 0 || axis >= len(first.shape) {
		return nil, errors.Wrapf(ErrShape, "concat %v: axis %d out of range", first.shape, axis)
	}
	total := 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			return nil, errors.Wrapf(ErrShape, "concat: rank %d vs %d", len(t.shape), len(first.shape))
		}
		for i := range t.shape {
			if i != axis && t.shape[i] != first.shape[i] {
				return nil, errors.Wrapf(ErrShape, "concat on axis %d: %v vs %v", axis, t.shape, first.shape)
			}
		}
		total += t.shape[axis]
	}

	outer, inner := first.split(axis)
	out := make([]float32, 0, outer*total*inner)
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			block := t.shape[axis] * inner
			out = append(out, t.data[o*block:(o+1)*block]...)
		}
	}
	shape := slices.Clone(first.shape)
	shape[axis] = total
	return &Tensor{shape: shape, data: out}, nil
}

// split returns the number of elements before and after axis.
func (t *Tensor) split(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, d := range t.shape {
		switch {
		case i < axis:
			outer *= d
		case i > axis:
			inner *= d
		}
	}
	return outer, inner
}

// NumElementsOf returns the element count of shape, failing with ErrShape on
// negative dimensions or overflow.
func NumElementsOf(shape []int) (int, error) { return numElements(shape) }

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Wrapf(ErrShape, "invalid dim %d in %v", d, shape)
		}
		if d != 0 && n > (int(^uint(0)>>1))/d {
			return 0, errors.Wrapf(ErrShape, "shape %v too large", shape)
		}
		n *= d
	}
	return n, nil
}
