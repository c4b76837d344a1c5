package pretrained

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
	"github.com/samcharles93/vitckpt/internal/vit"
)

// ResamplePosEmbed rescales the restored position embedding to the grid of
// the expected one when their shapes differ. Both are [1, tokens, channels].
//
// The first tokenLen slots hold special tokens (class token, prompt-pool
// tokens). They are seeded with copies of the restored first token; only the
// remaining square grid is bilinearly resized.
func ResamplePosEmbed(ctx context.Context, restored, init *tree.Node, cfg vit.Config) error {
	log := logger.FromContext(ctx)

	posemb, ok := restored.LookupTensor(vit.PosEmbedPath)
	if !ok {
		return nil
	}
	want, ok := init.LookupTensor(vit.PosEmbedPath)
	if !ok {
		return &ShapeError{Path: vit.PosEmbedPath, Got: posemb.Shape(), Reason: "expected params have no position embedding"}
	}
	if posemb.SameShape(want) {
		return nil
	}
	log.Info("load_pretrained: resized variant", "from", posemb.Shape(), "to", want.Shape())

	resized, err := resizePosEmbed(posemb, want.Shape(), cfg.TokenLen())
	if err != nil {
		return err
	}
	if err := restored.SetPath(vit.PosEmbedPath, tree.Leaf(resized)); err != nil {
		return errors.Wrap(err, "store resized position embedding")
	}
	return nil
}

func resizePosEmbed(posemb *tensor.Tensor, want []int, tokenLen int) (*tensor.Tensor, error) {
	got := posemb.Shape()
	fail := func(reason string) error {
		return &ShapeError{Path: vit.PosEmbedPath, Got: got, Want: want, Reason: reason}
	}
	if len(got) != 3 || len(want) != 3 || got[0] != 1 || want[0] != 1 {
		return nil, fail("position embeddings must be [1, tokens, channels]")
	}
	if got[2] != want[2] {
		return nil, fail("channel count differs")
	}
	channels := got[2]

	oldPrefix, gsOld, ok := splitPrefix(got[1], tokenLen)
	if !ok {
		return nil, fail("restored tokens do not form a square grid")
	}
	gsNew, ok := isqrt(want[1] - tokenLen)
	if !ok {
		return nil, fail("expected tokens do not form a square grid")
	}

	var prefix *tensor.Tensor
	if tokenLen > 0 {
		// New special tokens start as copies of the pretrained class token.
		first, err := posemb.Narrow(1, 0, 1)
		if err != nil {
			return nil, err
		}
		prefix, err = first.Repeat(1, tokenLen)
		if err != nil {
			return nil, err
		}
	} else {
		prefix = tensor.Zeros(1, 0, channels)
	}

	grid, err := posemb.Narrow(1, oldPrefix, got[1])
	if err != nil {
		return nil, err
	}
	grid, err = grid.Reshape(gsOld, gsOld, channels)
	if err != nil {
		return nil, err
	}
	grid, err = tensor.ResizeBilinear(grid, gsNew, gsNew)
	if err != nil {
		return nil, err
	}
	grid, err = grid.Reshape(1, gsNew*gsNew, channels)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(1, prefix, grid)
}

// splitPrefix decides how many leading restored tokens precede the grid.
// The checkpoint normally reserves the same tokenLen slots as the model;
// otherwise it is taken to be a classic checkpoint with a single class token.
func splitPrefix(tokens, tokenLen int) (prefix, side int, ok bool) {
	if side, ok := isqrt(tokens - tokenLen); ok {
		return tokenLen, side, true
	}
	if tokenLen > 1 {
		if side, ok := isqrt(tokens - 1); ok {
			return 1, side, true
		}
	}
	return 0, 0, false
}

// isqrt returns the integer square root of a positive perfect square.
func isqrt(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	r := int(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r, r*r == n
}
