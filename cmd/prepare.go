package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ollama/finetune/dataset"
	"github.com/ollama/finetune/envconfig"
	"github.com/ollama/finetune/progress"
	"github.com/ollama/finetune/template"
	"github.com/ollama/finetune/tokenizer"
)

func NewPrepareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare INPUT",
		Short: "Tokenize an instruction dataset into train and validation splits",
		Long:  "Tokenize a JSON array of {instruction, input, output} records into train.cbor and val.cbor",
		Args:  cobra.ExactArgs(1),
		RunE:  prepareHandler,
	}

	cmd.Flags().String("data-dir", "data/alpaca", "Directory to write train.cbor and val.cbor to")
	cmd.Flags().String("checkpoint-dir", "checkpoints/tiny", "Base checkpoint directory holding the tokenizer")
	cmd.Flags().Int("val-size", 2000, "Number of samples held out for validation")
	cmd.Flags().Int("max-seq-length", 256, "Truncate examples to this many tokens")
	cmd.Flags().Bool("mask-inputs", false, "Exclude prompt tokens from the loss")
	cmd.Flags().String("prompt-type", "alpaca", fmt.Sprintf("Prompt template %v", template.Names()))
	return cmd
}

func prepareHandler(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	checkpointDir, _ := cmd.Flags().GetString("checkpoint-dir")
	valSize, _ := cmd.Flags().GetInt("val-size")
	maxSeqLength, _ := cmd.Flags().GetInt("max-seq-length")
	maskInputs, _ := cmd.Flags().GetBool("mask-inputs")
	promptType, _ := cmd.Flags().GetString("prompt-type")

	samples, err := dataset.ReadSamples(args[0])
	if err != nil {
		return err
	}

	tok, err := tokenizer.Load(checkpointDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	trainSamples, valSamples := dataset.Split(samples, valSize, uint64(envconfig.Seed))
	fmt.Fprintf(cmd.OutOrStdout(), "train has %d samples\nval has %d samples\n", len(trainSamples), len(valSamples))

	for _, split := range []struct {
		name    string
		file    string
		samples []template.Sample
	}{
		{"train", dataset.TrainFile, trainSamples},
		{"val", dataset.ValFile, valSamples},
	} {
		if err := prepareSplit(cmd, split.name, filepath.Join(dataDir, split.file), split.samples, tok, dataset.PrepareOptions{
			PromptType:   promptType,
			MaxSeqLength: maxSeqLength,
			MaskInputs:   maskInputs,
		}); err != nil {
			return err
		}
	}

	return nil
}

func prepareSplit(cmd *cobra.Command, name, path string, samples []template.Sample, tok *tokenizer.Tokenizer, opts dataset.PrepareOptions) error {
	p := progress.NewProgress(cmd.ErrOrStderr())
	defer p.Stop()

	bar := progress.NewBar(fmt.Sprintf("processing %s split", name), "samples", int64(len(samples)), 0)
	p.Add(name, bar)

	opts.Progress = func(done int) { bar.Set(int64(done)) }
	examples, err := dataset.Prepare(samples, tok, opts)
	if err != nil {
		return fmt.Errorf("%s split: %w", name, err)
	}

	return dataset.Save(path, examples)
}
