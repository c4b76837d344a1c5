package pretrained

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/reconcile"
	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
	"github.com/samcharles93/vitckpt/internal/vit"
)

func quietCtx() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func tinyConfig(imageSize, classes int) vit.Config {
	return vit.Config{
		Name:        "tiny",
		ImageSize:   imageSize,
		PatchSize:   16,
		HiddenSize:  8,
		MLPDim:      16,
		NumLayers:   1,
		NumHeads:    2,
		NumClasses:  classes,
		UseClsToken: true,
	}
}

// pretrainedTree mimics an upstream checkpoint with a pre_logits layer.
func pretrainedTree(t *testing.T) *tree.Node {
	t.Helper()
	cfg := tinyConfig(224, 5)
	rep := 4
	cfg.RepresentationSize = &rep
	params, err := vit.InitParams(cfg, 1)
	require.NoError(t, err)
	// A pretrained head is never zero.
	k, _ := params.LookupTensor(vit.HeadKernel)
	for i := range k.Data() {
		k.Data()[i] = 3
	}
	return params
}

func initTree(t *testing.T, cfg vit.Config) *tree.Node {
	t.Helper()
	params, err := vit.InitParams(cfg, 2)
	require.NoError(t, err)
	return params
}

func posEmbed(t *testing.T, n *tree.Node) *tensor.Tensor {
	t.Helper()
	pe, ok := n.LookupTensor(vit.PosEmbedPath)
	require.True(t, ok)
	return pe
}

func TestAdaptOverwritesHead(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	restored := pretrainedTree(t)
	init := initTree(t, cfg)
	restoredDigest, initDigest := tree.Digest(restored), tree.Digest(init)

	res, err := Adapt(quietCtx(), restored, init, cfg, reconcile.Policy{})
	require.NoError(t, err)

	kernel, ok := res.Params.LookupTensor(vit.HeadKernel)
	require.True(t, ok)
	want, _ := init.LookupTensor(vit.HeadKernel)
	assert.Equal(t, []int{8, 10}, kernel.Shape())
	assert.True(t, want.Equal(kernel))
	assert.NotSame(t, want, kernel)

	_, ok = res.Params.Lookup(vit.PreLogits)
	assert.False(t, ok, "pre_logits must be dropped for a bare head")
	assert.Contains(t, res.Report.Extra, "pre_logits/kernel")
	assert.False(t, res.Resized)
	assert.Equal(t, tree.DigestString(res.Params), res.Digest)

	assert.Equal(t, restoredDigest, tree.Digest(restored), "restored was modified")
	assert.Equal(t, initDigest, tree.Digest(init), "init was modified")
}

func TestAdaptKeepsPreLogitsWithRepresentation(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	rep := 4
	cfg.RepresentationSize = &rep

	res, err := Adapt(quietCtx(), pretrainedTree(t), initTree(t, cfg), cfg, reconcile.Strict)
	require.NoError(t, err)
	_, ok := res.Params.LookupTensor("pre_logits/kernel")
	assert.True(t, ok)
	assert.True(t, res.Report.Clean())
}

func TestAdaptResamplesPosEmbed(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(320, 10)
	restored := pretrainedTree(t)
	init := initTree(t, cfg)

	old := posEmbed(t, restored)
	require.Equal(t, []int{1, 197, 8}, old.Shape())

	res, err := Adapt(quietCtx(), restored, init, cfg, reconcile.Policy{})
	require.NoError(t, err)
	assert.True(t, res.Resized)

	got := posEmbed(t, res.Params)
	assert.Equal(t, []int{1, 401, 8}, got.Shape())
	assert.Equal(t, old.Data()[:8], got.Data()[:8], "class token slot must be preserved")

	// Grid corners map onto corners under align-corners resampling.
	oldLast := old.Data()[196*8:]
	gotLast := got.Data()[400*8:]
	assert.InDeltaSlice(t, oldLast, gotLast, 1e-5)
	assert.InDeltaSlice(t, old.Data()[8:16], got.Data()[8:16], 1e-6)
}

func TestAdaptSkipsResampleWhenShapesMatch(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	restored := pretrainedTree(t)

	res, err := Adapt(quietCtx(), restored, initTree(t, cfg), cfg, reconcile.Policy{})
	require.NoError(t, err)
	assert.Same(t, posEmbed(t, restored), posEmbed(t, res.Params))
}

func TestAdaptInjectsPrompts(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	cfg.PromptParams = map[string]vit.PromptParams{
		vit.PromptPool:   {Length: 2, TopK: 1, PoolSize: 3, PromptKey: true},
		vit.SharedPrompt: {Length: 2},
	}
	require.Equal(t, 3, cfg.TokenLen())
	restored := pretrainedTree(t)
	init := initTree(t, cfg)

	res, err := Adapt(quietCtx(), restored, init, cfg, reconcile.Policy{})
	require.NoError(t, err)

	for _, path := range []string{"prompt_pool/prompt", "prompt_pool/key", "shared_prompt/prompt"} {
		got, ok := res.Params.LookupTensor(path)
		require.True(t, ok, path)
		want, _ := init.LookupTensor(path)
		assert.True(t, want.Equal(got), path)
	}
	assert.Contains(t, res.Report.Missing, "prompt_pool/key")

	// A classic single-class-token checkpoint feeds all three special slots.
	old := posEmbed(t, restored)
	got := posEmbed(t, res.Params)
	require.Equal(t, []int{1, 199, 8}, got.Shape())
	for slot := range 3 {
		assert.Equal(t, old.Data()[:8], got.Data()[slot*8:(slot+1)*8], "slot %d", slot)
	}
	assert.InDeltaSlice(t, old.Data()[8:], got.Data()[3*8:], 1e-5)
}

func TestAdaptKeepsRestoredPrompts(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	cfg.PromptParams = map[string]vit.PromptParams{vit.SharedPrompt: {Length: 2}}
	restored := pretrainedTree(t)
	mine := tensor.Full(7, 2, 8)
	require.NoError(t, restored.SetPath("shared_prompt/prompt", tree.Leaf(mine)))

	res, err := Adapt(quietCtx(), restored, initTree(t, cfg), cfg, reconcile.Policy{})
	require.NoError(t, err)
	got, ok := res.Params.LookupTensor("shared_prompt/prompt")
	require.True(t, ok)
	assert.Same(t, mine, got)
}

func TestAdaptStrictPolicyFails(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	_, err := Adapt(quietCtx(), pretrainedTree(t), initTree(t, cfg), cfg, reconcile.Strict)
	require.Error(t, err)

	var mismatch *reconcile.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, mismatch.Extra, "pre_logits/bias")
}

func TestAdaptHeadMissing(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	init := initTree(t, cfg)
	init.Delete("head")

	_, err := Adapt(quietCtx(), pretrainedTree(t), init, cfg, reconcile.Policy{})
	assert.ErrorIs(t, err, ErrHeadMissing)
}

func TestResamplePosEmbedErrors(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)

	cases := map[string]struct {
		restored []int
		init     []int
	}{
		"non-square source": {restored: []int{1, 12, 8}, init: []int{1, 17, 8}},
		"non-square target": {restored: []int{1, 17, 8}, init: []int{1, 12, 8}},
		"channel mismatch":  {restored: []int{1, 17, 8}, init: []int{1, 10, 4}},
		"bad rank":          {restored: []int{17, 8}, init: []int{1, 10, 8}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			restored, init := tree.Empty(), tree.Empty()
			require.NoError(t, restored.SetPath(vit.PosEmbedPath, tree.Leaf(tensor.Zeros(c.restored...))))
			require.NoError(t, init.SetPath(vit.PosEmbedPath, tree.Leaf(tensor.Zeros(c.init...))))

			err := ResamplePosEmbed(quietCtx(), restored, init, cfg)
			var se *ShapeError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, vit.PosEmbedPath, se.Path)
			assert.Equal(t, c.restored, se.Got)
		})
	}
}

func TestSplitPrefix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tokens, tokenLen int
		prefix, side     int
		ok               bool
	}{
		{197, 1, 1, 14, true},
		{196, 0, 0, 14, true},
		{201, 5, 5, 14, true},
		{197, 5, 1, 14, true},
		{12, 1, 0, 0, false},
		{12, 3, 3, 3, true},
		{14, 3, 0, 0, false},
	}
	for _, c := range cases {
		prefix, side, ok := splitPrefix(c.tokens, c.tokenLen)
		assert.Equal(t, c.ok, ok, "%d/%d", c.tokens, c.tokenLen)
		if c.ok {
			assert.Equal(t, c.prefix, prefix, "%d/%d", c.tokens, c.tokenLen)
			assert.Equal(t, c.side, side, "%d/%d", c.tokens, c.tokenLen)
		}
	}
}

func TestLoadPretrainedFromArchive(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(320, 10)
	init := initTree(t, cfg)
	path := filepath.Join(t.TempDir(), "vit.npz")
	require.NoError(t, archive.Save(path, pretrainedTree(t)))

	params, err := LoadPretrained(quietCtx(), path, init, cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 401, 8}, posEmbed(t, params).Shape())
	assert.ElementsMatch(t, tree.Paths(init), tree.Paths(params))
}

func TestLoadSelectsSubtree(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	state := tree.Branch(map[string]*tree.Node{
		"params": pretrainedTree(t),
		"step":   tree.Leaf(tensor.Full(100)),
	})
	path := filepath.Join(t.TempDir(), "state.msgpack")
	require.NoError(t, archive.Save(path, state))

	res, err := Load(quietCtx(), path, initTree(t, cfg), cfg, Options{Subtree: "params", Policy: reconcile.Policy{FailIfMissing: true}})
	require.NoError(t, err)
	assert.Empty(t, res.Report.Missing)

	_, err = Load(quietCtx(), path, initTree(t, cfg), cfg, Options{Subtree: "opt_state"})
	assert.ErrorIs(t, err, ErrSubtree)
	assert.ErrorContains(t, err, "opt_state")

	_, err = Load(quietCtx(), path, initTree(t, cfg), cfg, Options{Subtree: "step"})
	assert.ErrorIs(t, err, ErrSubtree)
}

func TestLoadPreLinenRenumbers(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	init := initTree(t, cfg)

	// Pre-Linen checkpoints number submodules by creation order per type.
	old := init.DeepClone()
	block, ok := old.Lookup("Transformer/encoderblock_0")
	require.True(t, ok)
	for from, to := range map[string]string{"LayerNorm_0": "LayerNorm_1", "LayerNorm_2": "LayerNorm_3"} {
		n, _ := block.Child(from)
		block.Delete(from)
		block.Set(to, n)
	}
	path := filepath.Join(t.TempDir(), "old.npz")
	require.NoError(t, archive.Save(path, old))

	res, err := Load(quietCtx(), path, init, cfg, Options{PreLinen: true})
	require.NoError(t, err)
	for _, key := range []string{"LayerNorm_0", "LayerNorm_1"} {
		_, ok := res.Params.Lookup("Transformer/encoderblock_0/" + key)
		assert.True(t, ok, key)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig(224, 10)
	_, err := LoadPretrained(quietCtx(), filepath.Join(t.TempDir(), "nope.npz"), initTree(t, cfg), cfg, Options{})
	assert.Error(t, err)
}
