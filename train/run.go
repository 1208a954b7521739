package train

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ollama/finetune/batch"
	"github.com/ollama/finetune/checkpoint"
	"github.com/ollama/finetune/config"
	"github.com/ollama/finetune/dataset"
	"github.com/ollama/finetune/envconfig"
	"github.com/ollama/finetune/evaluate"
	"github.com/ollama/finetune/fabric"
	"github.com/ollama/finetune/format"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/monitor"
	"github.com/ollama/finetune/optim"
	"github.com/ollama/finetune/tokenizer"
	"github.com/ollama/finetune/types/errtypes"
)

// sanityIters is the number of validation batches run before training.
const sanityIters = 2

type Options struct {
	DataDir       string
	CheckpointDir string
	OutDir        string

	Devices   int
	Precision string
	Quantize  string

	Hparams config.Hyperparameters
}

// Run validates the configuration, launches one rank per device and trains
// each of them. Configuration errors are reported before any rank starts.
func Run(ctx context.Context, opts Options) error {
	h := opts.Hparams
	if err := h.Validate(); err != nil {
		return err
	}

	q, err := fabric.ParseQuantization(opts.Quantize)
	if err != nil {
		return fmt.Errorf("%w: %w", errtypes.ErrConfiguration, err)
	}

	p, err := fabric.ParsePrecision(opts.Precision)
	if err != nil {
		return fmt.Errorf("%w: %w", errtypes.ErrConfiguration, err)
	}

	strategy, precision, err := fabric.SelectStrategy(opts.Devices, q, p)
	if err != nil {
		return err
	}

	return fabric.Launch(ctx, strategy, precision, func(ctx context.Context, f *fabric.Fabric) error {
		return setup(ctx, f, opts.DataDir, opts.CheckpointDir, opts.OutDir, &h)
	})
}

func setup(ctx context.Context, f *fabric.Fabric, dataDir, checkpointDir, outDir string, h *config.Hyperparameters) error {
	if err := checkpoint.CheckValidCheckpointDir(checkpointDir); err != nil {
		return err
	}

	seed := uint64(envconfig.Seed)

	if f.IsGlobalZero() {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}

	train, val, err := dataset.LoadSplits(dataDir)
	if err != nil {
		return err
	}

	c, err := model.LoadConfig(filepath.Join(checkpointDir, model.ConfigFile))
	if err != nil {
		return &errtypes.CheckpointLoadError{Path: checkpointDir, Reason: "read model config", Err: err}
	}
	c.LoRA = h.LoRA
	if !h.LoRA.Any() {
		f.Print("Warning: all LoRA layers are disabled!")
	}

	tok, err := tokenizer.Load(checkpointDir)
	if err != nil {
		return &errtypes.CheckpointLoadError{Path: checkpointDir, Reason: "read tokenizer", Err: err}
	}

	f.Print("Loading model", "name", c.Name, "checkpoint", checkpointDir)

	start := time.Now()
	m, err := model.New(c, model.Options{Seed: seed})
	if err != nil {
		return err
	}

	model.MarkOnlyLoRAAsTrainable(m.Parameters())
	f.Print("Number of trainable parameters: " + format.Commas(int64(model.NumParameters(m.Parameters(), true))))
	f.Print("Number of non trainable parameters: " + format.Commas(int64(model.NumParameters(m.Parameters(), false))))

	// base weights go in before setup so quantization sees them
	if err := checkpoint.LoadBase(checkpointDir, m.Parameters(), false); err != nil {
		return err
	}

	if err := f.Setup(m); err != nil {
		return err
	}
	f.Print(fmt.Sprintf("Time to instantiate model: %.2f seconds.", time.Since(start).Seconds()))

	trainable := model.Trainable(m.Parameters())
	opts := optim.DefaultAdamWOptions()
	opts.LR, opts.WeightDecay = h.LearningRate, h.WeightDecay
	optimizer, err := optim.NewAdamW(trainable, opts)
	if err != nil {
		return err
	}

	rankSeed := seed + uint64(f.Rank())
	m.Reseed(rankSeed)
	rng := f.Seed(rankSeed)
	f.Logger().Debug("rank ready", "seed", rankSeed, "train", len(train), "val", len(val))

	longest, longestIndex := dataset.LongestSeqLength(train)
	if err := m.SetMaxSeqLength(longest); err != nil {
		return fmt.Errorf("longest training example: %w", err)
	}
	f.Print(fmt.Sprintf("The longest sequence length in the train data is %d, the model's maximum sequence length is %d and context length is %d", longest, m.MaxSeqLength(), c.BlockSize))

	var metrics monitor.Logger
	if f.IsGlobalZero() {
		csv, err := monitor.NewCSVLogger(envconfig.LogsDir, h.LogInterval)
		if err != nil {
			return err
		}
		defer csv.Close()

		f.Print("Logging metrics", "path", csv.Path())
		metrics = csv
	}

	evaluator := &evaluate.Controller{
		Model:     m,
		Tokenizer: tok,
		Val:       batch.NewSampler(val, h.MicroBatchSize, rng),
		Metrics:   []evaluate.Metric{&evaluate.TokenAccuracy{}, &evaluate.RougeL{}, &evaluate.BLEU{}},
		Printer:   f,
		Options: evaluate.Options{
			Iters:        sanityIters,
			MaxNewTokens: h.EvalMaxNewTokens,
			Temperature:  float32(h.EvalTemperature),
			PromptType:   h.PromptType,
			Seed:         rankSeed,
		},
	}

	// sanity check
	if _, err := evaluator.Validate(ctx); err != nil {
		return fmt.Errorf("sanity check: %w", err)
	}
	evaluator.Iters = h.EvalIters

	flops, err := measure(ctx, f, m, h.MicroBatchSize, longest)
	if err != nil {
		return err
	}

	trainer := &Trainer{
		Fabric:        f,
		Model:         m,
		Optimizer:     optimizer,
		Train:         batch.NewSampler(train, h.MicroBatchSize, rng),
		Evaluator:     evaluator,
		Speed:         monitor.NewSpeedMonitor(metrics, monitor.DefaultWindowSize, envconfig.DeviceTFLOPs*1e12),
		Metrics:       metrics,
		Hparams:       h,
		OutDir:        outDir,
		Longest:       longestIndex,
		FLOPsPerBatch: flops,
	}

	stats, err := trainer.Fit(ctx)
	if err != nil {
		return err
	}
	f.Print(fmt.Sprintf("Training time: %.2fs", stats.TrainTime.Seconds()), "iters", stats.Iters, "steps", stats.Steps)

	path := checkpoint.FinalPath(outDir)
	if err := checkpoint.SaveLoRA(f, m.Parameters(), path, checkpoint.Metadata(h.LoRA, stats.Iters)); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}

	return nil
}

// measure reports the estimated and measured FLOPs of one micro-batch using a
// meta clone of m and returns the measured value.
func measure(ctx context.Context, f *fabric.Fabric, m *model.GPT, microBatch, seqLen int) (float64, error) {
	meta, err := m.Clone(true)
	if err != nil {
		return 0, err
	}

	estimated := monitor.EstimateFLOPs(meta, true) * float64(microBatch)
	f.Print("Estimated TFLOPs: " + format.TFLOPs(estimated*float64(f.WorldSize())))

	measured, err := monitor.MeasureFLOPs(ctx, meta, microBatch, seqLen)
	if err != nil {
		return 0, fmt.Errorf("measure flops: %w", err)
	}
	f.Print("Measured TFLOPs: " + format.TFLOPs(measured*float64(f.WorldSize())))

	if measured <= 0 {
		return 0, errors.New("measure flops: model counted no operations")
	}

	return measured, nil
}
