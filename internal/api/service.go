package api

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/pretrained"
	"github.com/samcharles93/vitckpt/internal/reconcile"
	"github.com/samcharles93/vitckpt/internal/tree"
	"github.com/samcharles93/vitckpt/internal/vit"
)

// CheckpointService runs inspections and adaptations on local files.
type CheckpointService struct {
	// Root resolves relative paths. Paths may not escape it.
	Root string
	// Policy and Seed apply when a request leaves them unset.
	Policy reconcile.Policy
	Seed   uint64
}

func (s *CheckpointService) resolve(param, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", newInvalidRequest(param, param+" is required")
	}
	if s.Root == "" {
		return filepath.Clean(p), nil
	}
	full := filepath.Join(s.Root, p)
	rel, err := filepath.Rel(s.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(p) {
		return "", newInvalidRequest(param, param+" must be a relative path inside the server root")
	}
	return full, nil
}

func (s *CheckpointService) modelConfig(req CheckpointRequest) (vit.Config, error) {
	if req.Config != nil {
		if err := req.Config.Validate(); err != nil {
			return vit.Config{}, newInvalidRequest("config", err.Error())
		}
		return *req.Config, nil
	}
	if req.Model == "" {
		return vit.Config{}, newInvalidRequest("model", "model or config is required")
	}
	if cfg, ok := vit.Preset(req.Model); ok {
		return cfg, nil
	}
	path, err := s.resolve("model", req.Model)
	if err != nil {
		return vit.Config{}, err
	}
	cfg, err := vit.LoadConfig(path)
	if err != nil {
		return vit.Config{}, newInvalidRequest("model", err.Error())
	}
	return cfg, nil
}

func (s *CheckpointService) policy(req CheckpointRequest) reconcile.Policy {
	p := s.Policy
	if req.FailIfMissing != nil {
		p.FailIfMissing = *req.FailIfMissing
	}
	if req.FailIfExtra != nil {
		p.FailIfExtra = *req.FailIfExtra
	}
	return p
}

func (s *CheckpointService) seed(req CheckpointRequest) uint64 {
	if req.Seed != nil {
		return *req.Seed
	}
	return s.Seed
}

// Inspect compares a checkpoint with the expected tree without adapting it.
func (s *CheckpointService) Inspect(ctx context.Context, req CheckpointRequest) (*InspectResponse, error) {
	cfg, err := s.modelConfig(req)
	if err != nil {
		return nil, err
	}
	path, err := s.resolve("checkpoint", req.Checkpoint)
	if err != nil {
		return nil, err
	}
	format, err := archive.Detect(path)
	if err != nil {
		return nil, err
	}
	restored, err := archive.Load(path)
	if err != nil {
		return nil, err
	}
	if req.Subtree != "" {
		sub, ok := restored.Lookup(req.Subtree)
		if !ok {
			return nil, newInvalidRequest("subtree", "checkpoint has no subtree "+req.Subtree)
		}
		if sub.IsLeaf() {
			return nil, newInvalidRequest("subtree", "checkpoint subtree "+req.Subtree+" is a single array")
		}
		restored = sub
	}
	if req.PreLinen {
		restored = tree.ConvertPreLinen(restored)
	}
	expected, err := vit.InitParams(cfg, s.seed(req))
	if err != nil {
		return nil, err
	}

	resp := &InspectResponse{
		Format:   format.String(),
		Model:    cfg.Name,
		TokenLen: cfg.TokenLen(),
		Report:   reconcile.Diff(restored, expected),
	}
	if got, ok := restored.LookupTensor(vit.PosEmbedPath); ok {
		want, _ := expected.LookupTensor(vit.PosEmbedPath)
		resp.PosEmbed = &PosEmbedShapes{Restored: got.Shape(), Expected: want.Shape()}
	}
	logger.FromContext(ctx).Debug("inspected checkpoint", "path", path, "missing", len(resp.Report.Missing), "extra", len(resp.Report.Extra))
	return resp, nil
}

// Adapt loads a checkpoint into the model and optionally writes the result.
func (s *CheckpointService) Adapt(ctx context.Context, req AdaptRequest) (*AdaptResponse, error) {
	cfg, err := s.modelConfig(req.CheckpointRequest)
	if err != nil {
		return nil, err
	}
	path, err := s.resolve("checkpoint", req.Checkpoint)
	if err != nil {
		return nil, err
	}
	var out string
	if req.Output != "" {
		if out, err = s.resolve("output", req.Output); err != nil {
			return nil, err
		}
		if _, err := archive.ParseFormat(filepath.Ext(out)); err != nil {
			return nil, newInvalidRequest("output", err.Error())
		}
	}

	init, err := vit.InitParams(cfg, s.seed(req.CheckpointRequest))
	if err != nil {
		return nil, err
	}
	res, err := pretrained.Load(ctx, path, init, cfg, pretrained.Options{
		Policy:   s.policy(req.CheckpointRequest),
		Subtree:  req.Subtree,
		PreLinen: req.PreLinen,
	})
	if errors.Is(err, pretrained.ErrSubtree) {
		return nil, newInvalidRequest("subtree", err.Error())
	}
	if err != nil {
		return nil, err
	}
	if out != "" {
		if err := archive.Save(out, res.Params); err != nil {
			return nil, errors.Wrapf(err, "write %s", out)
		}
	}
	return &AdaptResponse{
		Model:   cfg.Name,
		Keys:    len(tree.Flatten(res.Params)),
		Digest:  res.Digest,
		Resized: res.Resized,
		Output:  out,
		Report:  res.Report,
	}, nil
}
