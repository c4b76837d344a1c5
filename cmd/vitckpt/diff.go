package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/vitckpt/internal/archive"
	"github.com/samcharles93/vitckpt/internal/tensor"
	"github.com/samcharles93/vitckpt/internal/tree"
)

type diffStats struct {
	Path    string  `json:"path"`
	MaxAbs  float64 `json:"max_abs"`
	MeanAbs float64 `json:"mean_abs"`
	RMSE    float64 `json:"rmse"`
	Cosine  float64 `json:"cosine"`
}

type shapeChange struct {
	Path string `json:"path"`
	A    []int  `json:"a"`
	B    []int  `json:"b"`
}

type treeDiff struct {
	OnlyA   []string      `json:"only_a"`
	OnlyB   []string      `json:"only_b"`
	Shapes  []shapeChange `json:"shape_changes"`
	Changed []diffStats   `json:"changed"`
	Same    int           `json:"unchanged"`
}

func diffCmd() *cli.Command {
	var (
		tolerance float64
		asJSON    bool
	)

	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare the parameters of two checkpoints",
		ArgsUsage: "<a> <b>",
		Flags: []cli.Flag{
			&cli.Float64Flag{
				Name:        "tolerance",
				Usage:       "report tensors whose max abs difference exceeds this",
				Destination: &tolerance,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the comparison as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return cli.Exit("error: diff needs exactly two checkpoints", 1)
			}
			a, err := archive.Load(cmd.Args().Get(0))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			b, err := archive.Load(cmd.Args().Get(1))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			d := diffTrees(a, b, tolerance)
			w := cmd.Root().Writer
			if asJSON {
				return json.NewEncoder(w).Encode(d)
			}
			printDiff(w, d)
			return nil
		},
	}
}

func diffTrees(a, b *tree.Node, tolerance float64) treeDiff {
	fa, fb := tree.Flatten(a), tree.Flatten(b)
	var d treeDiff
	for _, k := range fa.Keys() {
		na := fa[k]
		nb, ok := fb[k]
		if !ok {
			d.OnlyA = append(d.OnlyA, k)
			continue
		}
		if !na.IsLeaf() || !nb.IsLeaf() {
			if na.IsLeaf() != nb.IsLeaf() {
				d.Shapes = append(d.Shapes, shapeChange{Path: k, A: leafShape(na), B: leafShape(nb)})
			} else {
				d.Same++
			}
			continue
		}
		ta, tb := na.Tensor(), nb.Tensor()
		if !ta.SameShape(tb) {
			d.Shapes = append(d.Shapes, shapeChange{Path: k, A: ta.Shape(), B: tb.Shape()})
			continue
		}
		s := diffTensors(ta, tb)
		if s.MaxAbs > tolerance {
			s.Path = k
			d.Changed = append(d.Changed, s)
		} else {
			d.Same++
		}
	}
	for _, k := range fb.Keys() {
		if _, ok := fa[k]; !ok {
			d.OnlyB = append(d.OnlyB, k)
		}
	}
	slices.SortStableFunc(d.Changed, func(x, y diffStats) int {
		switch {
		case x.MaxAbs > y.MaxAbs:
			return -1
		case x.MaxAbs < y.MaxAbs:
			return 1
		}
		return 0
	})
	return d
}

func leafShape(n *tree.Node) []int {
	if n.IsLeaf() {
		return n.Tensor().Shape()
	}
	return nil
}

func diffTensors(a, b *tensor.Tensor) diffStats {
	n := a.NumElements()
	if n == 0 {
		return diffStats{Cosine: 1}
	}
	x, y := widen(a.Data()), widen(b.Data())
	s := diffStats{
		MaxAbs:  floats.Distance(x, y, math.Inf(1)),
		MeanAbs: floats.Distance(x, y, 1) / float64(n),
		RMSE:    floats.Distance(x, y, 2) / math.Sqrt(float64(n)),
	}
	if nx, ny := floats.Norm(x, 2), floats.Norm(y, 2); nx > 0 && ny > 0 {
		s.Cosine = floats.Dot(x, y) / (nx * ny)
	}
	return s
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func printDiff(w io.Writer, d treeDiff) {
	for _, k := range d.OnlyA {
		_, _ = fmt.Fprintf(w, "- %s\n", k)
	}
	for _, k := range d.OnlyB {
		_, _ = fmt.Fprintf(w, "+ %s\n", k)
	}
	for _, s := range d.Shapes {
		_, _ = fmt.Fprintf(w, "~ %s  %v -> %v\n", s.Path, s.A, s.B)
	}
	for _, s := range d.Changed {
		_, _ = fmt.Fprintf(w, "≠ %s  max_abs=%.6g mean_abs=%.6g rmse=%.6g cos=%.6f\n",
			s.Path, s.MaxAbs, s.MeanAbs, s.RMSE, s.Cosine)
	}
	_, _ = fmt.Fprintf(w, "\n%d only in a, %d only in b, %d reshaped, %d changed, %d unchanged\n",
		len(d.OnlyA), len(d.OnlyB), len(d.Shapes), len(d.Changed), d.Same)
}
