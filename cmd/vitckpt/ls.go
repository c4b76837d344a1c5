package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/archive"
)

func listCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "ls",
		Aliases:   []string{"list"},
		Usage:     "List the arrays stored in a checkpoint",
		ArgsUsage: "<checkpoint>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print entries as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := strings.TrimSpace(cmd.Args().First())
			if path == "" {
				return cli.Exit("error: a checkpoint path is required", 1)
			}
			entries, err := archive.List(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := cmd.Root().Writer
			if asJSON {
				return json.NewEncoder(w).Encode(entries)
			}
			width := 0
			for _, e := range entries {
				width = max(width, len(e.Path))
			}
			var total int64
			for _, e := range entries {
				if e.Shape == nil {
					_, _ = fmt.Fprintf(w, "  %-*s  {}\n", width, e.Path)
					continue
				}
				n := int64(1)
				for _, d := range e.Shape {
					n *= int64(d)
				}
				total += n
				_, _ = fmt.Fprintf(w, "  %-*s  %-8s %v\n", width, e.Path, e.DType, e.Shape)
			}
			size := ""
			if info, err := os.Stat(path); err == nil {
				size = ", " + formatSize(info.Size())
			}
			_, _ = fmt.Fprintf(w, "\n%d array(s), %d parameters%s\n", len(entries), total, size)
			return nil
		},
	}
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
