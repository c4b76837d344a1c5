package vit

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
)

// Well-known paths in a ViT parameter tree.
const (
	PosEmbedPath = "Transformer/posembed_input/pos_embedding"
	HeadKernel   = "head/kernel"
	HeadBias     = "head/bias"
	PreLogits    = "pre_logits"
)

// initializer draws deterministic values for one parameter tree.
type initializer struct {
	rng *rand.Rand
}

func (in *initializer) normal(std float64, shape ...int) *tree.Node {
	t := tensor.Zeros(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(in.rng.NormFloat64() * std)
	}
	return tree.Leaf(t)
}

func (in *initializer) uniform(lo, hi float64, shape ...int) *tree.Node {
	t := tensor.Zeros(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(lo + in.rng.Float64()*(hi-lo))
	}
	return tree.Leaf(t)
}

// lecun draws N(0, 1/fanIn), the default Flax kernel init.
func (in *initializer) lecun(fanIn int, shape ...int) *tree.Node {
	return in.normal(1/math.Sqrt(float64(fanIn)), shape...)
}

func zeros(shape ...int) *tree.Node { return tree.Leaf(tensor.Zeros(shape...)) }
func ones(shape ...int) *tree.Node  { return tree.Leaf(tensor.Full(1, shape...)) }

func dense(in *initializer, fanIn int, kernel, bias []int) *tree.Node {
	return tree.Branch(map[string]*tree.Node{
		"kernel": in.lecun(fanIn, kernel...),
		"bias":   zeros(bias...),
	})
}

func layerNorm(width int) *tree.Node {
	return tree.Branch(map[string]*tree.Node{
		"scale": ones(width),
		"bias":  zeros(width),
	})
}

// InitParams builds the parameter tree of a freshly initialized model with
// Flax ViT naming. The same config and seed always produce the same tree.
//
// The classification head starts at zero, as in the reference ViT, so it
// carries no information from any checkpoint.
func InitParams(cfg Config, seed uint64) (*tree.Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in := &initializer{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	d, p := cfg.HiddenSize, cfg.PatchSize
	headDim := d / cfg.NumHeads

	transformer := tree.Empty()
	transformer.Set("posembed_input", tree.Branch(map[string]*tree.Node{
		"pos_embedding": in.normal(0.02, 1, cfg.NumTokens(), d),
	}))
	for i := 0; i < cfg.NumLayers; i++ {
		attn := tree.Branch(map[string]*tree.Node{
			"query": dense(in, d, []int{d, cfg.NumHeads, headDim}, []int{cfg.NumHeads, headDim}),
			"key":   dense(in, d, []int{d, cfg.NumHeads, headDim}, []int{cfg.NumHeads, headDim}),
			"value": dense(in, d, []int{d, cfg.NumHeads, headDim}, []int{cfg.NumHeads, headDim}),
			"out":   dense(in, d, []int{cfg.NumHeads, headDim, d}, []int{d}),
		})
		mlp := tree.Branch(map[string]*tree.Node{
			"Dense_0": dense(in, d, []int{d, cfg.MLPDim}, []int{cfg.MLPDim}),
			"Dense_1": dense(in, cfg.MLPDim, []int{cfg.MLPDim, d}, []int{d}),
		})
		transformer.Set(fmt.Sprintf("encoderblock_%d", i), tree.Branch(map[string]*tree.Node{
			"LayerNorm_0":                    layerNorm(d),
			"MultiHeadDotProductAttention_1": attn,
			"LayerNorm_2":                    layerNorm(d),
			"MlpBlock_3":                     mlp,
		}))
	}
	transformer.Set("encoder_norm", layerNorm(d))

	root := tree.Empty()
	root.Set("embedding", dense(in, p*p*3, []int{p, p, 3, d}, []int{d}))
	root.Set("Transformer", transformer)
	if cfg.UseClsToken {
		root.Set("cls", zeros(1, 1, d))
	}

	features := d
	if cfg.RepresentationSize != nil {
		features = *cfg.RepresentationSize
		root.Set(PreLogits, dense(in, d, []int{d, features}, []int{features}))
	}
	root.Set("head", tree.Branch(map[string]*tree.Node{
		"kernel": zeros(features, cfg.NumClasses),
		"bias":   zeros(cfg.NumClasses),
	}))

	for _, group := range PromptGroups {
		pp, ok := cfg.PromptParams[group]
		if !ok {
			continue
		}
		node := tree.Empty()
		switch group {
		case PromptPool:
			node.Set("prompt", in.uniform(-1, 1, pp.PoolSize, pp.Length, d))
			if pp.PromptKey {
				node.Set("key", in.uniform(-1, 1, pp.PoolSize, d))
			}
		case TaskSpecificPrompt:
			node.Set("prompt", in.uniform(-1, 1, max(pp.PoolSize, 1), pp.Length, d))
		default:
			node.Set("prompt", in.uniform(-1, 1, pp.Length, d))
		}
		root.Set(group, node)
	}
	return root, nil
}
