// Package pretrained loads a pretrained ViT checkpoint and adapts it to a
// newly constructed model for fine-tuning.
//
// Adaptation runs in a fixed order: the restored key set is reconciled
// against the expected parameters, the classification head is replaced by
// the fresh one, prompt groups the checkpoint predates are initialized, and
// the position embedding is resampled to the new patch grid.
package pretrained

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/reconcile"
	"github.com/samcharles93/vitckpt/internal/tree"
	"github.com/samcharles93/vitckpt/internal/vit"
)

// Options tune how a checkpoint is loaded. The zero value tolerates missing
// and extra keys.
type Options struct {
	// Policy decides whether key-set discrepancies are fatal.
	Policy reconcile.Policy
	// Subtree selects a branch of the archive as the parameters, e.g.
	// "params" for a serialized Flax train state.
	Subtree string
	// PreLinen renumbers submodules of checkpoints written by the pre-Linen
	// Flax API.
	PreLinen bool
}

// Result is a merged parameter tree with what was learned while building it.
type Result struct {
	Params  *tree.Node
	Report  reconcile.Report
	Digest  string
	Resized bool
}

// LoadPretrained loads the checkpoint at path and adapts it to init.
//
// init is the parameter tree of a freshly constructed model. It supplies the
// head and any new prompt groups and defines the target shapes; it is never
// modified.
func LoadPretrained(ctx context.Context, path string, init *tree.Node, cfg vit.Config, opts Options) (*tree.Node, error) {
	res, err := Load(ctx, path, init, cfg, opts)
	if err != nil {
		return nil, err
	}
	return res.Params, nil
}

// Load is LoadPretrained returning the full Result.
func Load(ctx context.Context, path string, init *tree.Node, cfg vit.Config, opts Options) (*Result, error) {
	log := logger.FromContext(ctx).With("checkpoint", path)

	restored, err := archive.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	if opts.Subtree != "" {
		sub, ok := restored.Lookup(opts.Subtree)
		if !ok || sub.IsLeaf() {
			return nil, errors.Wrapf(ErrSubtree, "checkpoint %s: %q", path, opts.Subtree)
		}
		restored = sub
	}
	if opts.PreLinen {
		restored = tree.ConvertPreLinen(restored)
	}
	log.Debug("restored checkpoint", "keys", len(tree.Flatten(restored)))

	res, err := Adapt(logger.WithContext(ctx, log), restored, init, cfg, opts.Policy)
	if err != nil {
		return nil, errors.Wrapf(err, "adapt checkpoint %s", path)
	}
	return res, nil
}

// Adapt merges an already deserialized checkpoint with init. restored is
// not modified; the returned tree is a new structure whose untouched leaves
// are shared with restored.
func Adapt(ctx context.Context, restored, init *tree.Node, cfg vit.Config, policy reconcile.Policy) (*Result, error) {
	log := logger.FromContext(ctx)

	params, rep, err := reconcile.Inspect(ctx, restored, init, policy)
	if err != nil {
		return nil, err
	}
	if err := SubstituteHead(ctx, params, init, cfg); err != nil {
		return nil, err
	}
	if err := InjectPrompts(ctx, params, init, cfg); err != nil {
		return nil, err
	}

	before, _ := params.LookupTensor(vit.PosEmbedPath)
	if err := ResamplePosEmbed(ctx, params, init, cfg); err != nil {
		return nil, err
	}
	after, _ := params.LookupTensor(vit.PosEmbedPath)

	res := &Result{
		Params:  params,
		Report:  rep,
		Digest:  tree.DigestString(params),
		Resized: before != after,
	}
	log.Info("load_pretrained: merged params",
		"keys", len(tree.Flatten(params)),
		"missing", len(rep.Missing),
		"extra", len(rep.Extra),
		"resized", res.Resized,
		"digest", res.Digest,
	)
	return res, nil
}
