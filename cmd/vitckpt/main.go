package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "vitckpt",
		Usage: "Adapt pretrained ViT checkpoints for fine-tuning",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig()
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fileConfig = cfg
			return withLogger(ctx, cmd, cfg), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			adaptCmd(),
			diffCmd(),
			inspectCmd(),
			initCmd(),
			listCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}
