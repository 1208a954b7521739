// Package config holds the run-wide hyperparameters. A Hyperparameters value is
// built once before launch and shared read-only by every component.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"

	"github.com/ollama/finetune/types/errtypes"
)

// LoRA selects the adapter rank/scale and which weight matrices receive adapters.
type LoRA struct {
	R          int     `yaml:"r"`
	Alpha      int     `yaml:"alpha"`
	Dropout    float64 `yaml:"dropout"`
	Query      bool    `yaml:"query"`
	Key        bool    `yaml:"key"`
	Value      bool    `yaml:"value"`
	Projection bool    `yaml:"projection"`
	MLP        bool    `yaml:"mlp"`
	Head       bool    `yaml:"head"`
}

// Any reports whether at least one adapter target is enabled.
func (l LoRA) Any() bool {
	return l.Query || l.Key || l.Value || l.Projection || l.MLP || l.Head
}

type Hyperparameters struct {
	// EvalInterval is in optimizer steps.
	EvalInterval int `yaml:"eval_interval"`
	// SaveInterval is in optimizer steps.
	SaveInterval     int `yaml:"save_interval"`
	EvalIters        int `yaml:"eval_iters"`
	EvalMaxNewTokens int `yaml:"eval_max_new_tokens"`
	// LogInterval is in iterations (micro-batches).
	LogInterval int `yaml:"log_interval"`

	LearningRate   float64 `yaml:"learning_rate"`
	BatchSize      int     `yaml:"batch_size"`
	MicroBatchSize int     `yaml:"micro_batch_size"`
	// MaxIters counts micro-batches.
	MaxIters    int     `yaml:"max_iters"`
	WeightDecay float64 `yaml:"weight_decay"`
	WarmupSteps int     `yaml:"warmup_steps"`

	EvalTemperature float64 `yaml:"eval_temperature"`
	LMHeadChunkSize int     `yaml:"lm_head_chunk_size"`
	PromptType      string  `yaml:"prompt_type"`

	LoRA LoRA `yaml:"lora"`
}

func Default() Hyperparameters {
	return Hyperparameters{
		EvalInterval:     30,
		SaveInterval:     100,
		EvalIters:        300,
		EvalMaxNewTokens: 512,
		LogInterval:      100,
		LearningRate:     1e-4,
		BatchSize:        96,
		MicroBatchSize:   3,
		MaxIters:         12000,
		WeightDecay:      0.01,
		WarmupSteps:      100,
		EvalTemperature:  0.8,
		LMHeadChunkSize:  128,
		PromptType:       "alpaca",
		LoRA: LoRA{
			R:       8,
			Alpha:   16,
			Dropout: 0.05,
			Query:   true,
			Value:   true,
		},
	}
}

// GradientAccumulationIters is the number of micro-batches per optimizer step.
func (h *Hyperparameters) GradientAccumulationIters() int {
	if h.MicroBatchSize <= 0 {
		return 0
	}
	return h.BatchSize / h.MicroBatchSize
}

func (h *Hyperparameters) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"eval_interval", h.EvalInterval},
		{"save_interval", h.SaveInterval},
		{"eval_iters", h.EvalIters},
		{"log_interval", h.LogInterval},
		{"batch_size", h.BatchSize},
		{"micro_batch_size", h.MicroBatchSize},
		{"max_iters", h.MaxIters},
		{"lora.r", h.LoRA.R},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return &errtypes.InvalidHyperparameterError{Name: p.name, Reason: fmt.Sprintf("must be greater than zero, got %d", p.value)}
		}
	}

	if h.GradientAccumulationIters() <= 0 {
		return &errtypes.InvalidHyperparameterError{
			Name:   "batch_size",
			Reason: fmt.Sprintf("must be at least micro_batch_size (%d), got %d", h.MicroBatchSize, h.BatchSize),
		}
	}

	if h.WarmupSteps < 0 {
		return &errtypes.InvalidHyperparameterError{Name: "warmup_steps", Reason: "must not be negative"}
	}

	if h.EvalMaxNewTokens < 0 {
		return &errtypes.InvalidHyperparameterError{Name: "eval_max_new_tokens", Reason: "must not be negative"}
	}

	if h.LearningRate <= 0 {
		return &errtypes.InvalidHyperparameterError{Name: "learning_rate", Reason: "must be greater than zero"}
	}

	if h.LoRA.Dropout < 0 || h.LoRA.Dropout >= 1 {
		return &errtypes.InvalidHyperparameterError{Name: "lora.dropout", Reason: "must be in [0, 1)"}
	}

	return nil
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (Hyperparameters, error) {
	h := Default()

	bts, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}

	if err := yaml.UnmarshalStrict(bts, &h); err != nil {
		return h, fmt.Errorf("%w: %s: %v", errtypes.ErrConfiguration, path, err)
	}

	return h, nil
}

// Override applies key=value pairs such as "learning_rate=3e-4" or "lora.r=16"
// and returns the updated copy.
func Override(h Hyperparameters, sets []string) (Hyperparameters, error) {
	if len(sets) == 0 {
		return h, nil
	}

	raw := make(map[string]any)
	for _, set := range sets {
		k, v, ok := strings.Cut(set, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return h, &errtypes.InvalidHyperparameterError{Name: set, Reason: "expected key=value"}
		}

		m := raw
		parts := strings.Split(strings.TrimSpace(k), ".")
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[part] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = strings.TrimSpace(v)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &h,
	})
	if err != nil {
		return h, err
	}

	if err := decoder.Decode(raw); err != nil {
		return h, fmt.Errorf("%w: %v", errtypes.ErrConfiguration, err)
	}

	return h, nil
}

// Rows flattens the hyperparameters into key/value rows in declaration order.
func (h *Hyperparameters) Rows() [][]string {
	var rows [][]string
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := range v.NumField() {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
			if prefix != "" {
				name = prefix + "." + name
			}

			if field := v.Field(i); field.Kind() == reflect.Struct {
				walk(name, field)
			} else {
				rows = append(rows, []string{name, fmt.Sprint(field.Interface())})
			}
		}
	}

	walk("", reflect.ValueOf(*h))
	return rows
}
