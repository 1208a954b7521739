package dataset

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/ollama/finetune/template"
)

type Encoder interface {
	Encode(s string, bos, eos bool) []int32
}

// ReadSamples reads a JSON array of {"instruction", "input", "output"} records.
func ReadSamples(path string) ([]template.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var samples []template.Sample
	if err := json.NewDecoder(f).Decode(&samples); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return samples, nil
}

// Split shuffles samples deterministically and holds out valSize of them.
func Split(samples []template.Sample, valSize int, seed uint64) (train, val []template.Sample) {
	shuffled := make([]template.Sample, len(samples))
	copy(shuffled, samples)

	r := rand.New(rand.NewPCG(seed, seed^0x9E3779B9))
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	valSize = min(max(valSize, 0), len(shuffled))
	return shuffled[valSize:], shuffled[:valSize]
}

type PrepareOptions struct {
	PromptType   string
	MaxSeqLength int
	// MaskInputs excludes the prompt tokens from the loss.
	MaskInputs bool
	// Progress, when set, is called after each sample.
	Progress func(done int)
}

// Prepare tokenizes samples into examples. The full sequence is prompt+output
// followed by eos; both it and the prompt are truncated to MaxSeqLength.
func Prepare(samples []template.Sample, enc Encoder, opts PrepareOptions) ([]Example, error) {
	examples := make([]Example, 0, len(samples))
	for i, s := range samples {
		prompt, err := template.Generate(s, opts.PromptType)
		if err != nil {
			return nil, err
		}

		promptIDs := truncate(enc.Encode(prompt, true, false), opts.MaxSeqLength)
		fullIDs := truncate(enc.Encode(prompt+s.Output, true, true), opts.MaxSeqLength)

		labels := make([]int32, len(fullIDs))
		copy(labels, fullIDs)
		if opts.MaskInputs {
			for j := range min(len(promptIDs), len(labels)) {
				labels[j] = IgnoreIndex
			}
		}

		examples = append(examples, Example{InputIDs: fullIDs, Labels: labels})

		if opts.Progress != nil {
			opts.Progress(i + 1)
		}
	}

	return examples, nil
}

func truncate(ids []int32, n int) []int32 {
	if n > 0 && len(ids) > n {
		return ids[:n]
	}
	return ids
}
