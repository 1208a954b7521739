// Package generate runs kv-cached autoregressive decoding.
package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/finetune/logutil"
	"github.com/ollama/finetune/model"
)

// Sampler picks the next token from scores.
type Sampler interface {
	Sample(logits []float32) (int32, error)
}

// Generate extends prompt one token at a time until maxReturnedTokens tokens
// exist, the model's context is full or eos is sampled. It returns the prompt
// followed by the new tokens, eos included. The model's kv cache must be set.
func Generate(ctx context.Context, m model.Model, prompt []int32, maxReturnedTokens int, sampler Sampler, eos int32) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, errors.New("generate: empty prompt")
	}

	limit := min(maxReturnedTokens, m.Config().BlockSize)
	if len(prompt) > m.Config().BlockSize {
		return nil, fmt.Errorf("generate: prompt of %d tokens exceeds context length %d", len(prompt), m.Config().BlockSize)
	}

	out := make([]int32, len(prompt), max(limit, len(prompt)))
	copy(out, prompt)

	input, pos := prompt, 0
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logits, err := m.Decode(ctx, input, pos)
		if err != nil {
			return nil, err
		}

		next, err := sampler.Sample(logits)
		if err != nil {
			return nil, err
		}

		pos += len(input)
		out = append(out, next)
		if next == eos {
			break
		}

		input = out[len(out)-1:]
	}

	logutil.Trace("generated", "prompt", len(prompt), "new", len(out)-len(prompt))
	return out, nil
}
