package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/logger"
	"github.com/samcharles93/vitckpt/internal/tree"
)

func initCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:  "init",
		Usage: "Write freshly initialized parameters for a model",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path; the extension selects the format",
				Required:    true,
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySeedConfig(cmd, fileConfig)

			cfg, params, err := initModel(modelSpec, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := archive.Save(out, params); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.FromContext(ctx).Info("wrote initial parameters",
				"path", out, "model", cfg.Name, "keys", len(tree.Flatten(params)), "digest", tree.DigestString(params))
			return nil
		},
	}
}
