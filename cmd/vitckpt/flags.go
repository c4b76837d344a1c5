package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/reconcile"
)

var (
	checkpointPath string
	modelSpec      string
	subtree        string
	preLinen       bool
	failIfMissing  bool
	failIfExtra    bool
	seed           uint64
	logLevel       string
	logFormat      string
	debug          bool

	// fileConfig holds the config file loaded by the root Before hook.
	fileConfig Config
)

func checkpointFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"c"},
			Usage:       "path to the pretrained checkpoint (.npz, .safetensors, .msgpack)",
			Required:    true,
			Destination: &checkpointPath,
		},
		&cli.StringFlag{
			Name:        "subtree",
			Usage:       "use this branch of the checkpoint as the parameters (e.g. params)",
			Destination: &subtree,
		},
		&cli.BoolFlag{
			Name:        "pre-linen",
			Usage:       "renumber submodules of checkpoints written by the pre-Linen Flax API",
			Destination: &preLinen,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model preset (ti16, s16, b16, l16) or path to a YAML/JSON model config",
			Required:    true,
			Destination: &modelSpec,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "seed for the freshly initialized parameters",
			Destination: &seed,
		},
	}
}

func policyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "fail-if-missing",
			Usage:       "fail when the checkpoint lacks expected parameters",
			Destination: &failIfMissing,
		},
		&cli.BoolFlag{
			Name:        "fail-if-extra",
			Usage:       "fail when the checkpoint has parameters the model does not use",
			Destination: &failIfExtra,
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "shorthand for --fail-if-missing --fail-if-extra",
		},
	}
}

func currentPolicy(cmd *cli.Command) reconcile.Policy {
	if cmd.Bool("strict") {
		return reconcile.Strict
	}
	return reconcile.Policy{FailIfMissing: failIfMissing, FailIfExtra: failIfExtra}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
