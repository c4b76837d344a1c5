package pretrained

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/tree"
	"github.com/samcharles93/vitckpt/internal/vit"
)

// SubstituteHead installs the freshly initialized classification head from
// init into restored. The head is never transferred from a checkpoint.
//
// When the model has no representation layer, a pre_logits subtree left over
// from pre-training is dropped.
func SubstituteHead(ctx context.Context, restored, init *tree.Node, cfg vit.Config) error {
	log := logger.FromContext(ctx)

	if cfg.RepresentationSize == nil && restored.Delete(vit.PreLogits) {
		log.Info("load_pretrained: drop-head variant", "dropped", vit.PreLogits)
	}

	kernel, okK := init.LookupTensor(vit.HeadKernel)
	bias, okB := init.LookupTensor(vit.HeadBias)
	if !okK || !okB {
		return ErrHeadMissing
	}
	if err := restored.SetPath(vit.HeadKernel, tree.Leaf(kernel.Clone())); err != nil {
		return errors.Wrap(err, "install head kernel")
	}
	if err := restored.SetPath(vit.HeadBias, tree.Leaf(bias.Clone())); err != nil {
		return errors.Wrap(err, "install head bias")
	}
	log.Debug("installed fresh head", "kernel", kernel.Shape(), "bias", bias.Shape())
	return nil
}

// InjectPrompts copies prompt groups that the model declares but the
// checkpoint predates. Groups present in both trees keep their restored
// values.
func InjectPrompts(ctx context.Context, restored, init *tree.Node, cfg vit.Config) error {
	log := logger.FromContext(ctx)

	for _, group := range vit.PromptGroups {
		src, ok := init.Child(group)
		if !ok || restored.Has(group) {
			continue
		}
		prompt, ok := src.LookupTensor("prompt")
		if !ok {
			return errors.Errorf("expected params: %s has no prompt", group)
		}
		node := tree.Empty()
		node.Set("prompt", tree.Leaf(prompt.Clone()))

		if group == vit.PromptPool {
			if pp, ok := cfg.Prompt(vit.PromptPool); ok && pp.PromptKey {
				key, ok := src.LookupTensor("key")
				if !ok {
					return errors.Errorf("expected params: %s has no key", group)
				}
				node.Set("key", tree.Leaf(key.Clone()))
			}
		}
		restored.Set(group, node)
		log.Info("load_pretrained: initialized prompt group", "group", group, "prompt", prompt.Shape())
	}
	return nil
}
