// Package evaluate computes validation loss and renders a qualitative
// generation sample.
package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/ollama/finetune/batch"
	"github.com/ollama/finetune/generate"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/sample"
	"github.com/ollama/finetune/template"
)

// The fixed qualitative sample rendered after every validation.
const (
	SampleInstruction = "Réponds clairement à la question en te basant exclusivement sur le paragraphe associé"
	SampleInput       = "Napoléon est arrivé au pouvoir en peu d'années. Une révolution l'a enfanté, un peuple l'a choisi, un pape l'a couronné. Il a agrandi les frontières de son Empire, comme Charlemagne et Louis XIV, et construit son État au centre de l'Europe."
)

type Tokenizer interface {
	Encode(s string, bos, eos bool) []int32
	Decode(ids []int32) string
	EOSToken() int32
}

// Printer receives user-facing progress lines.
type Printer interface {
	Print(msg string, args ...any)
}

type Options struct {
	Iters        int
	MaxNewTokens int
	Temperature  float32
	PromptType   string
	Seed         uint64
}

type Controller struct {
	Model     model.Model
	Tokenizer Tokenizer
	Val       *batch.Sampler
	Metrics   []Metric
	Printer   Printer

	Options
}

type Result struct {
	Loss     float32
	Metrics  map[string]float64
	Sample   string
	Duration time.Duration
}

// Validate puts the model in eval mode for the duration of the call and
// returns the mean validation loss over Iters batches, the value of every
// metric and one generated sample. The model is back in training mode on
// return, error or not.
func (c *Controller) Validate(ctx context.Context) (Result, error) {
	start := time.Now()
	c.Printer.Print("Validating ...")

	c.Model.Eval()
	defer c.Model.Train()

	for _, m := range c.Metrics {
		m.Reset()
	}

	var total float64
	for range c.Iters {
		b, err := c.Val.Next(batch.NoForce)
		if err != nil {
			return Result{}, err
		}

		logits, _, err := c.Model.Forward(ctx, b.Input)
		if err != nil {
			return Result{}, err
		}

		targets := model.ShiftTargets(b.Targets(), b.Rows(), b.Cols())
		loss, _, err := model.ChunkedCrossEntropy(logits, targets, 0)
		if err != nil {
			return Result{}, err
		}
		total += float64(loss)

		for _, m := range c.Metrics {
			m.Update(logits, targets)
		}
	}

	result := Result{Metrics: make(map[string]float64, len(c.Metrics))}
	if c.Iters > 0 {
		result.Loss = float32(total / float64(c.Iters))
	}

	for _, m := range c.Metrics {
		result.Metrics[m.Name()] = m.Compute()
	}

	text, err := c.Generate(ctx, template.Sample{Instruction: SampleInstruction, Input: SampleInput})
	if err != nil {
		return Result{}, err
	}
	result.Sample = text

	result.Duration = time.Since(start)
	return result, nil
}

// Generate renders s through the prompt template and returns the decoded
// prompt and continuation.
func (c *Controller) Generate(ctx context.Context, s template.Sample) (string, error) {
	c.Printer.Print(s.Instruction)

	prompt, err := template.Generate(s, c.PromptType)
	if err != nil {
		return "", err
	}

	encoded := c.Tokenizer.Encode(prompt, true, false)

	// keep the tail of prompts that leave no room for a new token
	if limit := c.Model.Config().BlockSize - 1; len(encoded) > limit {
		encoded = encoded[len(encoded)-limit:]
	}

	if err := c.Model.SetKVCache(1); err != nil {
		return "", err
	}
	defer c.Model.ClearKVCache()

	sampler := sample.NewSampler(c.Temperature, 0, c.Seed)
	output, err := generate.Generate(ctx, c.Model, encoded, len(encoded)+c.MaxNewTokens, sampler, c.Tokenizer.EOSToken())
	if err != nil {
		return "", fmt.Errorf("generate sample: %w", err)
	}

	text := c.Tokenizer.Decode(output)
	c.Printer.Print(text)
	return text, nil
}
