package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			info := version.Resolve()
			_, _ = fmt.Fprintf(w, "version:    %s\n", info.Version)
			if info.Commit != "" {
				_, _ = fmt.Fprintf(w, "commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
			}
			return nil
		},
	}
}
