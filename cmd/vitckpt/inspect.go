package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/api"
)

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Compare a checkpoint's parameters with those a model expects",
		Flags: append(append(checkpointFlags(), modelFlags()...),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applySeedConfig(cmd, fileConfig)

			svc := &api.CheckpointService{Seed: seed}
			req := api.CheckpointRequest{
				Checkpoint: checkpointPath,
				Model:      modelSpec,
				Subtree:    subtree,
				PreLinen:   preLinen,
			}
			resp, err := svc.Inspect(ctx, req)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := cmd.Root().Writer
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printInspection(w, checkpointPath, resp)
			return nil
		},
	}
}

func printInspection(w io.Writer, path string, resp *api.InspectResponse) {
	rep := resp.Report
	_, _ = fmt.Fprintf(w, "checkpoint: %s (%s)\n", path, resp.Format)
	_, _ = fmt.Fprintf(w, "model:      %s (token_len %d)\n", resp.Model, resp.TokenLen)
	_, _ = fmt.Fprintf(w, "keys:       %d restored, %d expected\n", len(rep.Restored), len(rep.Expected))
	if resp.PosEmbed != nil {
		_, _ = fmt.Fprintf(w, "pos_embed:  %v -> %v\n", resp.PosEmbed.Restored, resp.PosEmbed.Expected)
	}
	printKeys(w, "missing", rep.Missing)
	printKeys(w, "extra", rep.Extra)
	printKeys(w, "recovered", rep.Recovered)
	if rep.Clean() {
		_, _ = fmt.Fprintln(w, "\nkey sets match")
	}
}

func printKeys(w io.Writer, label string, keys []string) {
	if len(keys) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "\n%s (%d):\n  %s\n", label, len(keys), strings.Join(keys, "\n  "))
}
