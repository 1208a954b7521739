// Package monitor measures training throughput and records metrics.
package monitor

import (
	"context"
	"errors"

	"github.com/pdevine/tensor"

	"github.com/ollama/finetune/model"
)

// FLOPsModel is what the closed form estimate needs to know about a model.
type FLOPsModel interface {
	Config() *model.Config
	Parameters() []*model.Parameter
	MaxSeqLength() int
}

func flopsPerParam(seqLen, nLayer, nEmbd, nParams int) float64 {
	flopsPerToken := 2 * float64(nParams)
	flopsPerSeq := flopsPerToken * float64(seqLen)
	attnFlopsPerSeq := float64(nLayer) * 2 * 2 * float64(nEmbd) * float64(seqLen) * float64(seqLen)
	return flopsPerSeq + attnFlopsPerSeq
}

// EstimateFLOPs returns the FLOPs of one sequence of the model's maximum
// length. Training counts forward and backward of trainable parameters (3×)
// and forward and input gradients of frozen ones (2×). Multiply by the micro
// batch size for the cost of a batch.
func EstimateFLOPs(m FLOPsModel, training bool) float64 {
	c := m.Config()
	seqLen := m.MaxSeqLength()

	trainable := flopsPerParam(seqLen, c.NLayer, c.NEmbd, model.NumParameters(m.Parameters(), true))
	frozen := flopsPerParam(seqLen, c.NLayer, c.NEmbd, model.NumParameters(m.Parameters(), false))

	opsPerStep, frozenOpsPerStep := 1.0, 1.0
	if training {
		opsPerStep, frozenOpsPerStep = 3, 2
	}

	return opsPerStep*trainable + frozenOpsPerStep*frozen
}

// Traceable models count the FLOPs of the operations they run.
type Traceable interface {
	model.Model
	FLOPs() float64
	ResetFLOPs()
}

// MeasureFLOPs runs one forward pass over a [microBatch, seqLen] batch of
// zeros, followed by backward when the model is training, and returns the
// FLOPs counted by the model. Use a meta clone to avoid allocating weights.
func MeasureFLOPs(ctx context.Context, m Traceable, microBatch, seqLen int) (float64, error) {
	if microBatch <= 0 || seqLen <= 0 {
		return 0, errors.New("measure flops: batch dimensions must be positive")
	}

	x := tensor.New(tensor.WithShape(microBatch, seqLen), tensor.WithBacking(make([]int32, microBatch*seqLen)))

	m.ResetFLOPs()
	logits, backward, err := m.Forward(ctx, x)
	if err != nil {
		return 0, err
	}

	if !m.Training() {
		return m.FLOPs(), nil
	}

	var dlogits []float32
	if logits.Data != nil {
		dlogits = make([]float32, len(logits.Data))
	}

	if err := backward(dlogits); err != nil {
		return 0, err
	}

	return m.FLOPs(), nil
}
