package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
)

// ResizeBilinear resamples a [h, w, c] grid to [newH, newW, c] with order-1
// interpolation, independently per channel.
//
// Output coordinates map onto the input with aligned corners,
// in = out * (inLen-1) / (outLen-1), so the four corner cells are kept
// verbatim. An output axis of length 1 samples input coordinate 0.
func ResizeBilinear(grid *Tensor, newH, newW int) (*Tensor, error) {
	if grid.Rank() != 3 {
		return nil, errors.Wrapf(ErrShape, "resize: want [h, w, c] grid, got %v", grid.shape)
	}
	if newH <= 0 || newW <= 0 {
		return nil, errors.Wrapf(ErrShape, "resize: invalid target %dx%d", newH, newW)
	}
	h, w, c := grid.shape[0], grid.shape[1], grid.shape[2]
	if h == 0 || w == 0 {
		return nil, errors.Wrapf(ErrShape, "resize: empty grid %v", grid.shape)
	}

	out := Zeros(newH, newW, c)
	plane := mat.NewDense(h, w, nil)
	rows := mat.NewDense(h, newW, nil)
	xs := sampleCoords(w, newW)
	ys := sampleCoords(h, newH)
	col := make([]float64, h)

	for ch := 0; ch < c; ch++ {
		for i := 0; i < h; i++ {
			for j := 0; j < w; j++ {
				plane.Set(i, j, float64(grid.data[(i*w+j)*c+ch]))
			}
		}
		// Rows first, then columns: bilinear interpolation is separable.
		for i := 0; i < h; i++ {
			if err := resample1D(plane.RawRowView(i), xs, rows.RawRowView(i)); err != nil {
				return nil, err
			}
		}
		resampled := make([]float64, newH)
		for j := 0; j < newW; j++ {
			mat.Col(col, j, rows)
			if err := resample1D(col, ys, resampled); err != nil {
				return nil, err
			}
			for i, v := range resampled {
				out.data[(i*newW+j)*c+ch] = float32(v)
			}
		}
	}
	return out, nil
}

// sampleCoords returns the input coordinate sampled by each of n outputs.
func sampleCoords(in, n int) []float64 {
	coords := make([]float64, n)
	if n == 1 {
		return coords
	}
	step := float64(in-1) / float64(n-1)
	for i := range coords {
		coords[i] = float64(i) * step
	}
	return coords
}

func resample1D(src, at, dst []float64) error {
	if len(src) == 1 {
		for i := range dst {
			dst[i] = src[0]
		}
		return nil
	}
	xs := make([]float64, len(src))
	for i := range xs {
		xs[i] = float64(i)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, src); err != nil {
		return errors.Wrap(err, "resize: fit")
	}
	for i, x := range at {
		dst[i] = pl.Predict(x)
	}
	return nil
}
