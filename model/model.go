// Package model implements a small pre-norm causal transformer with low-rank
// adapters on its linear layers and hand-written backward passes.
package model

import (
	"context"

	"github.com/pdevine/tensor"
)

// Logits holds [Rows, Cols, Vocab] scores in row-major order.
type Logits struct {
	Rows, Cols, Vocab int
	Data              []float32
}

// At returns the vocabulary scores of row r at position t.
func (l *Logits) At(r, t int) []float32 {
	i := (r*l.Cols + t) * l.Vocab
	return l.Data[i : i+l.Vocab]
}

// Backward propagates the gradient of the loss with respect to the logits,
// accumulating into every parameter that requires a gradient.
type Backward func(dlogits []float32) error

// Model is the contract the trainer, evaluator and generator rely on.
type Model interface {
	Forward(ctx context.Context, input *tensor.Dense) (*Logits, Backward, error)
	Parameters() []*Parameter
	Config() *Config

	Train()
	Eval()
	Training() bool

	MaxSeqLength() int
	SetMaxSeqLength(n int) error

	SetKVCache(batchSize int) error
	ClearKVCache()
	// Decode runs tokens at positions [pos, pos+len(tokens)) against the kv
	// cache and returns the scores of the last position.
	Decode(ctx context.Context, tokens []int32, pos int) ([]float32, error)
}
