package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/ollama/finetune/config"
)

// ConfigFile is the name of the architecture description inside a checkpoint
// directory.
const ConfigFile = "config.json"

type Config struct {
	Name             string  `json:"name"`
	BlockSize        int     `json:"block_size"`
	VocabSize        int     `json:"vocab_size"`
	NLayer           int     `json:"n_layer"`
	NHead            int     `json:"n_head"`
	NEmbd            int     `json:"n_embd"`
	IntermediateSize int     `json:"intermediate_size"`
	NormEps          float32 `json:"norm_eps"`

	LoRA config.LoRA `json:"-"`
}

var configs = []Config{
	{Name: "tiny", BlockSize: 256, VocabSize: 259, NLayer: 2, NHead: 4, NEmbd: 64, IntermediateSize: 256, NormEps: 1e-5},
	{Name: "small", BlockSize: 1024, VocabSize: 259, NLayer: 6, NHead: 8, NEmbd: 256, IntermediateSize: 1024, NormEps: 1e-5},
	{Name: "base", BlockSize: 2048, VocabSize: 259, NLayer: 12, NHead: 12, NEmbd: 768, IntermediateSize: 3072, NormEps: 1e-5},
}

// ConfigNames lists the built-in architectures.
func ConfigNames() []string {
	names := make([]string, len(configs))
	for i, c := range configs {
		names[i] = c.Name
	}
	return names
}

func ConfigFromName(name string) (*Config, error) {
	i := slices.IndexFunc(configs, func(c Config) bool { return c.Name == name })
	if i < 0 {
		return nil, fmt.Errorf("unknown model config %q", name)
	}

	c := configs[i]
	return &c, nil
}

func LoadConfig(path string) (*Config, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	if err := json.Unmarshal(bts, &c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if c.NormEps == 0 {
		c.NormEps = 1e-5
	}

	return &c, c.Validate()
}

func (c *Config) Save(path string) error {
	bts, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, bts, 0o644)
}

func (c *Config) HeadSize() int {
	return c.NEmbd / c.NHead
}

func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"block_size":        c.BlockSize,
		"vocab_size":        c.VocabSize,
		"n_layer":           c.NLayer,
		"n_head":            c.NHead,
		"n_embd":            c.NEmbd,
		"intermediate_size": c.IntermediateSize,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.NHead > 0 && c.NEmbd%c.NHead != 0 {
		errs = append(errs, fmt.Errorf("n_embd %d is not divisible by n_head %d", c.NEmbd, c.NHead))
	}

	return errors.Join(errs...)
}
