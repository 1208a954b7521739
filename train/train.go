// Package train runs the LoRA fine-tuning loop.
package train

import (
	"context"
	"fmt"
	"time"

	"github.com/ollama/finetune/batch"
	"github.com/ollama/finetune/checkpoint"
	"github.com/ollama/finetune/config"
	"github.com/ollama/finetune/evaluate"
	"github.com/ollama/finetune/fabric"
	"github.com/ollama/finetune/format"
	"github.com/ollama/finetune/logutil"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/monitor"
	"github.com/ollama/finetune/optim"
)

// Trainer holds the state of one rank's training loop.
type Trainer struct {
	Fabric    *fabric.Fabric
	Model     model.Model
	Optimizer optim.Optimizer
	Train     *batch.Sampler
	Evaluator *evaluate.Controller
	Speed     *monitor.SpeedMonitor
	// Metrics receives validation results. It may be nil.
	Metrics monitor.Logger

	Hparams *config.Hyperparameters
	OutDir  string

	// Longest is forced into the first micro-batch.
	Longest int
	// FLOPsPerBatch is the measured cost of one micro-batch.
	FLOPsPerBatch float64
}

// Stats summarizes a completed Fit.
type Stats struct {
	Iters     int
	Steps     int
	TrainTime time.Duration
	Losses    []float32
}

// LearningRate returns the warmup-adjusted rate for step.
func LearningRate(h *config.Hyperparameters, step int) float64 {
	if h.WarmupSteps > 0 && step <= h.WarmupSteps {
		return h.LearningRate * float64(step) / float64(h.WarmupSteps)
	}
	return h.LearningRate
}

// Fit runs MaxIters micro-batches. Gradients accumulate over
// GradientAccumulationIters micro-batches and are synchronized across ranks
// only on the last one, after which the optimizer steps.
func (t *Trainer) Fit(ctx context.Context) (Stats, error) {
	h := t.Hparams
	accum := h.GradientAccumulationIters()
	trainable := model.Trainable(t.Model.Parameters())

	var stats Stats
	var totalLengths int
	for iter := range h.MaxIters {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if stats.Steps <= h.WarmupSteps {
			t.Optimizer.SetLR(LearningRate(h, stats.Steps))
		}

		iterStart := time.Now()

		force := batch.NoForce
		if iter == 0 {
			force = t.Longest
		}

		b, err := t.Train.Next(force)
		if err != nil {
			return stats, err
		}

		if b, err = b.To(batch.CPU); err != nil {
			return stats, err
		}

		accumulating := (iter+1)%accum != 0

		logits, backward, err := t.Model.Forward(ctx, b.Input)
		if err != nil {
			return stats, fmt.Errorf("iter %d: forward: %w", iter, err)
		}

		targets := model.ShiftTargets(b.Targets(), b.Rows(), b.Cols())
		loss, dlogits, err := model.ChunkedCrossEntropy(logits, targets, h.LMHeadChunkSize)
		if err != nil {
			return stats, fmt.Errorf("iter %d: loss: %w", iter, err)
		}

		scale := 1 / float32(accum)
		for i := range dlogits {
			dlogits[i] *= scale
		}

		if err := t.Fabric.NoBackwardSync(accumulating, func() error {
			return t.Fabric.Backward(ctx, func() error { return backward(dlogits) }, trainable)
		}); err != nil {
			return stats, fmt.Errorf("iter %d: backward: %w", iter, err)
		}

		if !accumulating {
			if err := t.Optimizer.Step(); err != nil {
				return stats, err
			}

			t.Fabric.Precision.AfterStep(trainable)
			t.Optimizer.ZeroGrad()
			stats.Steps++
		}

		elapsed := time.Since(iterStart)
		stats.TrainTime += elapsed
		stats.Iters = iter + 1
		stats.Losses = append(stats.Losses, loss)

		totalLengths += b.Rows() * b.Cols()
		if t.Speed != nil {
			if _, err := t.Speed.OnTrainBatchEnd((iter+1)*b.Rows(), stats.TrainTime, t.Fabric.WorldSize(), t.FLOPsPerBatch, totalLengths); err != nil {
				return stats, err
			}
		}

		if iter%h.LogInterval == 0 {
			suffix := ""
			if !accumulating {
				suffix = " (optimizer.step)"
			}
			t.Fabric.Print(fmt.Sprintf("iter %d step %d: loss %.4f, iter time: %s%s", iter, stats.Steps, loss, format.Millis(elapsed), suffix))
		}

		logutil.Trace("iteration", "iter", iter, "step", stats.Steps, "loss", loss, "cols", b.Cols())

		if accumulating {
			continue
		}

		if stats.Steps%h.EvalInterval == 0 {
			if err := t.validate(ctx, stats.Steps); err != nil {
				return stats, err
			}
		}

		if stats.Steps%h.SaveInterval == 0 {
			path := checkpoint.IterPath(t.OutDir, iter)
			if err := checkpoint.SaveLoRA(t.Fabric, t.Model.Parameters(), path, checkpoint.Metadata(h.LoRA, iter)); err != nil {
				return stats, fmt.Errorf("save %s: %w", path, err)
			}
		}
	}

	return stats, nil
}

func (t *Trainer) validate(ctx context.Context, step int) error {
	result, err := t.Evaluator.Validate(ctx)
	if err != nil {
		return fmt.Errorf("step %d: validate: %w", step, err)
	}

	t.Fabric.Print(fmt.Sprintf("step %d: val loss %.4f, val time: %s", step, result.Loss, format.Millis(result.Duration)))
	if t.Speed != nil {
		t.Speed.EvalEnd(result.Duration)
	}

	if t.Metrics != nil {
		metrics := map[string]float64{"val_loss": float64(result.Loss), "val_ppl": model.Perplexity(result.Loss)}
		for name, v := range result.Metrics {
			metrics["val_"+name] = v
		}

		if err := t.Metrics.LogMetrics(metrics, step); err != nil {
			return err
		}
	}

	return t.Fabric.Barrier(ctx)
}
