package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/finetune/checkpoint"
	"github.com/ollama/finetune/dataset"
	"github.com/ollama/finetune/envconfig"
	"github.com/ollama/finetune/template"
	"github.com/ollama/finetune/types/errtypes"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestEnv(t *testing.T) {
	t.Setenv("FINETUNE_DEVICES", "3")
	envconfig.LoadConfig()
	t.Cleanup(envconfig.LoadConfig)

	out, err := execute(t, "env")
	require.NoError(t, err)

	for _, name := range envconfig.Names() {
		assert.Contains(t, out, name)
	}

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "FINETUNE_DEVICES") {
			assert.Contains(t, line, "3")
		}
	}
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tiny")

	out, err := execute(t, "init", "--checkpoint-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+dir)
	require.NoError(t, checkpoint.CheckValidCheckpointDir(dir))
	assert.FileExists(t, filepath.Join(dir, "tokenizer_config.json"))

	_, err = execute(t, "init", "--checkpoint-dir", dir)
	require.ErrorContains(t, err, "--force")

	_, err = execute(t, "init", "--checkpoint-dir", dir, "--force", "--model", "huge")
	require.ErrorContains(t, err, "unknown model config")
}

func writeSamples(t *testing.T, n int) string {
	t.Helper()

	samples := make([]template.Sample, n)
	for i := range samples {
		samples[i] = template.Sample{Instruction: "Say hi", Output: strings.Repeat("hi ", 1+i%3)}
		if i%2 == 0 {
			samples[i].Input = "to me"
		}
	}

	bts, err := json.Marshal(samples)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "samples.json")
	require.NoError(t, os.WriteFile(path, bts, 0o644))
	return path
}

func TestPrepare(t *testing.T) {
	data := t.TempDir()
	input := writeSamples(t, 10)

	out, err := execute(t, "prepare", input, "--data-dir", data, "--checkpoint-dir", t.TempDir(), "--val-size", "3", "--mask-inputs")
	require.NoError(t, err)
	assert.Contains(t, out, "train has 7 samples")
	assert.Contains(t, out, "val has 3 samples")

	train, val, err := dataset.LoadSplits(data)
	require.NoError(t, err)
	assert.Len(t, train, 7)
	assert.Len(t, val, 3)

	_, err = execute(t, "prepare", filepath.Join(t.TempDir(), "missing.json"), "--data-dir", data)
	require.Error(t, err)
}

func TestTrainRejectsBadHyperparameters(t *testing.T) {
	cases := map[string][]string{
		"unknown key":     {"--set", "learning_rat=1"},
		"malformed":       {"--set", "learning_rate"},
		"invalid value":   {"--set", "micro_batch_size=0"},
		"quantize fsdp":   {"--devices", "2", "--quantize", "4-bit"},
		"mixed quantized": {"--quantize", "bnb.nf4", "--precision", "16-mixed"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := execute(t, append([]string{"train", "--data-dir", dir, "--checkpoint-dir", dir, "--out-dir", dir}, args...)...)
			require.ErrorIs(t, err, errtypes.ErrConfiguration)
		})
	}
}

func TestTrainConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hparams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("learning_rate: 0.5\nlora:\n  r: 4\n"), 0o644))

	cmd := NewTrainCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--set", "lora.alpha=2"}))

	h, err := hyperparameters(cmd)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, h.LearningRate, 1e-12)
	assert.Equal(t, 4, h.LoRA.R)
	assert.Equal(t, 2, h.LoRA.Alpha)
	assert.True(t, h.LoRA.Query)
}

func TestTrain(t *testing.T) {
	t.Setenv("FINETUNE_LOGS", t.TempDir())
	envconfig.LoadConfig()
	t.Cleanup(envconfig.LoadConfig)

	ckpt := filepath.Join(t.TempDir(), "tiny")
	data := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")

	_, err := execute(t, "init", "--checkpoint-dir", ckpt)
	require.NoError(t, err)

	_, err = execute(t, "prepare", writeSamples(t, 12), "--data-dir", data, "--checkpoint-dir", ckpt, "--val-size", "2", "--max-seq-length", "64")
	require.NoError(t, err)

	stdout, err := execute(t, "train",
		"--data-dir", data,
		"--checkpoint-dir", ckpt,
		"--out-dir", out,
		"--set", "max_iters=2",
		"--set", "batch_size=2",
		"--set", "micro_batch_size=1",
		"--set", "eval_iters=1",
		"--set", "eval_max_new_tokens=1",
		"--set", "save_interval=1",
	)
	require.NoError(t, err)
	assert.Contains(t, stdout, "learning_rate")
	assert.FileExists(t, checkpoint.IterPath(out, 1))
	assert.FileExists(t, checkpoint.FinalPath(out))
}
