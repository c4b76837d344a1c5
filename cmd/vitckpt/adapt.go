package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/pretrained"
	"github.com/samcharles93/vitckpt/internal/tree"
	"github.com/samcharles93/vitckpt/internal/vit"
)

func adaptCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:  "adapt",
		Usage: "Load a pretrained checkpoint into a model and write the merged parameters",
		Flags: append(append(append(checkpointFlags(), modelFlags()...), policyFlags()...),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path; the extension selects the format",
				Required:    true,
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyPolicyConfig(cmd, fileConfig)

			if _, err := archive.ParseFormat(filepath.Ext(out)); err != nil {
				return cli.Exit(fmt.Sprintf("error: --out: %v", err), 1)
			}
			cfg, fresh, err := initModel(modelSpec, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			res, err := pretrained.Load(ctx, checkpointPath, fresh, cfg, pretrained.Options{
				Policy:   currentPolicy(cmd),
				Subtree:  subtree,
				PreLinen: preLinen,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := archive.Save(out, res.Params); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("wrote adapted parameters", "path", out, "keys", len(tree.Flatten(res.Params)), "digest", res.Digest)
			return nil
		},
	}
}

// initModel resolves a model spec and builds its fresh parameters.
func initModel(spec string, seed uint64) (vit.Config, *tree.Node, error) {
	cfg, err := vit.LoadConfig(spec)
	if err != nil {
		return vit.Config{}, nil, err
	}
	params, err := vit.InitParams(cfg, seed)
	if err != nil {
		return vit.Config{}, nil, err
	}
	return cfg, params, nil
}
