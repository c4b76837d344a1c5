// Package vit describes Vision Transformer configurations and builds the
// parameter tree a freshly initialized model would carry.
package vit

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Prompt parameter groups recognized by the adapter.
const (
	SharedPrompt       = "shared_prompt"
	TaskSpecificPrompt = "task_specific_prompt"
	PromptPool         = "prompt_pool"
)

// PromptGroups lists the optional prompt groups in the order they are handled.
var PromptGroups = []string{SharedPrompt, TaskSpecificPrompt, PromptPool}

// PromptParams configures one prompt group.
type PromptParams struct {
	// Length is the number of prompt tokens per selected prompt.
	Length int `yaml:"length" json:"length"`
	// TopK is how many pool prompts are prepended per input.
	TopK int `yaml:"top_k" json:"top_k"`
	// PromptKey adds a learned key vector per pool slot.
	PromptKey bool `yaml:"prompt_key" json:"prompt_key"`
	// PoolSize is the number of slots in a prompt pool, or the number of
	// tasks for task-specific prompts.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// Config is the model configuration shared by parameter construction and
// checkpoint adaptation.
type Config struct {
	Name       string `yaml:"name" json:"name"`
	ImageSize  int    `yaml:"image_size" json:"image_size"`
	PatchSize  int    `yaml:"patch_size" json:"patch_size"`
	HiddenSize int    `yaml:"hidden_size" json:"hidden_size"`
	MLPDim     int    `yaml:"mlp_dim" json:"mlp_dim"`
	NumLayers  int    `yaml:"num_layers" json:"num_layers"`
	NumHeads   int    `yaml:"num_heads" json:"num_heads"`
	NumClasses int    `yaml:"num_classes" json:"num_classes"`

	// RepresentationSize is the width of the pre-logits layer. Nil attaches
	// a bare linear head to the backbone features.
	RepresentationSize *int `yaml:"representation_size" json:"representation_size"`
	UseClsToken        bool `yaml:"use_cls_token" json:"use_cls_token"`

	PromptParams map[string]PromptParams `yaml:"prompt_params" json:"prompt_params"`
}

// Grid returns the number of patches per image side.
func (c Config) Grid() int {
	if c.PatchSize == 0 {
		return 0
	}
	return c.ImageSize / c.PatchSize
}

// Prompt returns the parameters of a prompt group and whether it is enabled.
func (c Config) Prompt(group string) (PromptParams, bool) {
	p, ok := c.PromptParams[group]
	return p, ok
}

// TokenLen is the number of leading position-embedding slots reserved for
// special tokens: one for the class token plus length*top_k for a prompt pool.
func (c Config) TokenLen() int {
	n := 0
	if c.UseClsToken {
		n++
	}
	if p, ok := c.PromptParams[PromptPool]; ok {
		n += p.Length * p.TopK
	}
	return n
}

// NumTokens is the position-embedding length: grid cells plus TokenLen.
func (c Config) NumTokens() int {
	g := c.Grid()
	return g*g + c.TokenLen()
}

// Validate checks the fields InitParams depends on.
func (c Config) Validate() error {
	switch {
	case c.PatchSize <= 0 || c.ImageSize <= 0:
		return errors.Errorf("vit: image_size and patch_size must be positive (got %d, %d)", c.ImageSize, c.PatchSize)
	case c.ImageSize%c.PatchSize != 0:
		return errors.Errorf("vit: image_size %d is not a multiple of patch_size %d", c.ImageSize, c.PatchSize)
	case c.HiddenSize <= 0 || c.MLPDim <= 0 || c.NumLayers < 0:
		return errors.New("vit: hidden_size and mlp_dim must be positive, num_layers non-negative")
	case c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0:
		return errors.Errorf("vit: hidden_size %d is not divisible by num_heads %d", c.HiddenSize, c.NumHeads)
	case c.NumClasses <= 0:
		return errors.New("vit: num_classes must be positive")
	case c.RepresentationSize != nil && *c.RepresentationSize <= 0:
		return errors.New("vit: representation_size must be positive when set")
	}
	for name, p := range c.PromptParams {
		if !slices.Contains(PromptGroups, name) {
			return errors.Errorf("vit: unknown prompt group %q", name)
		}
		if p.Length <= 0 {
			return errors.Errorf("vit: prompt group %q needs a positive length", name)
		}
		if name == PromptPool && (p.PoolSize <= 0 || p.TopK <= 0 || p.TopK > p.PoolSize) {
			return errors.Errorf("vit: prompt pool needs 0 < top_k <= pool_size (got %d, %d)", p.TopK, p.PoolSize)
		}
	}
	return nil
}

// LoadConfig reads a YAML or JSON model configuration. A value without a
// file extension that names a preset returns the preset.
//
// A file whose name is a preset and that sets no hidden_size inherits the
// preset architecture. Fields the file sets (num_classes, image_size,
// use_cls_token, representation_size, prompt_params) override the preset.
func LoadConfig(path string) (Config, error) {
	if cfg, ok := Preset(path); ok {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read model config")
	}
	var cfg Config
	if err := decodeConfig(path, data, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Name != "" && cfg.HiddenSize == 0 {
		if base, ok := Preset(cfg.Name); ok {
			var set struct {
				UseClsToken *bool `yaml:"use_cls_token" json:"use_cls_token"`
			}
			if err := decodeConfig(path, data, &set); err != nil {
				return Config{}, err
			}
			if set.UseClsToken != nil {
				base.UseClsToken = *set.UseClsToken
			}
			base.PromptParams = cfg.PromptParams
			base.RepresentationSize = cfg.RepresentationSize
			if cfg.NumClasses > 0 {
				base.NumClasses = cfg.NumClasses
			}
			if cfg.ImageSize > 0 {
				base.ImageSize = cfg.ImageSize
			}
			cfg = base
		}
	}
	return cfg, cfg.Validate()
}

func decodeConfig(path string, data []byte, v any) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, v)
	default:
		err = yaml.Unmarshal(data, v)
	}
	return errors.Wrapf(err, "parse model config %s", path)
}

// Preset returns one of the standard ViT sizes with 16x16 patches at 224px.
func Preset(name string) (Config, bool) {
	base := Config{Name: name, ImageSize: 224, PatchSize: 16, NumClasses: 1000, UseClsToken: true}
	switch strings.ToLower(name) {
	case "ti16", "vit-ti16":
		base.HiddenSize, base.MLPDim, base.NumLayers, base.NumHeads = 192, 768, 12, 3
	case "s16", "vit-s16":
		base.HiddenSize, base.MLPDim, base.NumLayers, base.NumHeads = 384, 1536, 12, 6
	case "b16", "vit-b16":
		base.HiddenSize, base.MLPDim, base.NumLayers, base.NumHeads = 768, 3072, 12, 12
	case "l16", "vit-l16":
		base.HiddenSize, base.MLPDim, base.NumLayers, base.NumHeads = 1024, 4096, 24, 16
	default:
		return Config{}, false
	}
	return base, true
}
