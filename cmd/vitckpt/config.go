package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/vitckpt/internal/logger"
)

const envConfigPath = "VITCKPT_CONFIG"

// Config represents the vitckpt configuration file (~/.config/vitckpt/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Reconciliation defaults
	FailIfMissing *bool   `yaml:"fail_if_missing"`
	FailIfExtra   *bool   `yaml:"fail_if_extra"`
	Seed          *uint64 `yaml:"seed"`

	// Server
	ServerAddress string `yaml:"server_address"`
	ServerRoot    string `yaml:"server_root"`
}

func configPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vitckpt", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// withLogger installs the logger selected by flags and config into ctx.
func withLogger(ctx context.Context, cmd *cli.Command, cfg Config) context.Context {
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	w := cmd.Root().ErrWriter
	if w == nil {
		w = os.Stderr
	}
	return logger.WithContext(ctx, logger.New(logFormat, level, w))
}

// applyPolicyConfig applies config file defaults to reconciliation flags
// when the corresponding CLI flag was not explicitly set.
func applyPolicyConfig(c *cli.Command, cfg Config) {
	if cfg.FailIfMissing != nil && !c.IsSet("fail-if-missing") {
		failIfMissing = *cfg.FailIfMissing
	}
	if cfg.FailIfExtra != nil && !c.IsSet("fail-if-extra") {
		failIfExtra = *cfg.FailIfExtra
	}
	applySeedConfig(c, cfg)
}

func applySeedConfig(c *cli.Command, cfg Config) {
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr, root *string) {
	applyPolicyConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.ServerRoot != "" && !c.IsSet("root") {
		*root = cfg.ServerRoot
	}
}
