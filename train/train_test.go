package train

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/finetune/batch"
	"github.com/ollama/finetune/checkpoint"
	"github.com/ollama/finetune/config"
	"github.com/ollama/finetune/dataset"
	"github.com/ollama/finetune/evaluate"
	"github.com/ollama/finetune/fabric"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/optim"
	"github.com/ollama/finetune/tokenizer"
)

func testModelConfig() *model.Config {
	return &model.Config{Name: "test", BlockSize: 32, VocabSize: tokenizer.VocabSize, NLayer: 1, NHead: 2, NEmbd: 8, IntermediateSize: 16, NormEps: 1e-5}
}

func testHparams() config.Hyperparameters {
	h := config.Default()
	h.BatchSize = 64
	h.MicroBatchSize = 32
	h.MaxIters = 4
	h.EvalInterval = 100
	h.SaveInterval = 100
	h.EvalIters = 1
	h.EvalMaxNewTokens = 2
	h.LogInterval = 1
	h.WarmupSteps = 0
	h.LearningRate = 1e-3
	h.LoRA = config.LoRA{R: 2, Alpha: 4, Query: true, Value: true}
	return h
}

func testExamples(n int) []dataset.Example {
	examples := make([]dataset.Example, n)
	for i := range examples {
		length := 3 + i%5
		ids := make([]int32, length)
		labels := make([]int32, length)
		for j := range ids {
			ids[j] = int32(3 + (i+j)%50)
			labels[j] = ids[j]
		}
		labels[0] = dataset.IgnoreIndex
		examples[i] = dataset.Example{InputIDs: ids, Labels: labels}
	}
	return examples
}

type recordingLogger struct {
	mu   sync.Mutex
	rows []map[string]float64
}

func (l *recordingLogger) LogMetrics(metrics map[string]float64, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, metrics)
	return nil
}

func (*recordingLogger) Flush() error { return nil }
func (*recordingLogger) Close() error { return nil }

func newTrainer(t *testing.T, f *fabric.Fabric, h *config.Hyperparameters, out string) (*Trainer, *optim.AdamW) {
	t.Helper()

	c := testModelConfig()
	c.LoRA = h.LoRA
	m, err := model.New(c, model.Options{Seed: 1337})
	require.NoError(t, err)
	model.MarkOnlyLoRAAsTrainable(m.Parameters())
	require.NoError(t, f.Setup(m))

	opt, err := optim.NewAdamW(model.Trainable(m.Parameters()), optim.AdamWOptions{LR: h.LearningRate, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8})
	require.NoError(t, err)

	train := testExamples(20)
	_, longest := dataset.LongestSeqLength(train)
	rng := rand.New(rand.NewPCG(1, 2))

	return &Trainer{
		Fabric:    f,
		Model:     m,
		Optimizer: opt,
		Train:     batch.NewSampler(train, h.MicroBatchSize, rng),
		Evaluator: &evaluate.Controller{
			Model:     m,
			Tokenizer: tokenizer.New(),
			Val:       batch.NewSampler(testExamples(4), h.MicroBatchSize, rng),
			Printer:   f,
			Options:   evaluate.Options{Iters: h.EvalIters, MaxNewTokens: h.EvalMaxNewTokens, Temperature: 0.8, PromptType: "alpaca", Seed: 1337},
		},
		Hparams: h,
		OutDir:  out,
		Longest: longest,
	}, opt
}

func launch(t *testing.T, devices int, fn func(context.Context, *fabric.Fabric) error) {
	t.Helper()
	strategy, precision, err := fabric.SelectStrategy(devices, fabric.QuantizeNone, fabric.Precision32True)
	require.NoError(t, err)
	require.NoError(t, fabric.Launch(context.Background(), strategy, precision, fn))
}

func TestFitAccumulation(t *testing.T) {
	h := testHparams()
	require.Equal(t, 2, h.GradientAccumulationIters())

	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, opt := newTrainer(t, f, &h, t.TempDir())

		stats, err := trainer.Fit(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Iters)
		assert.Equal(t, 2, stats.Steps)
		assert.Len(t, stats.Losses, 4)

		for _, p := range model.Trainable(trainer.Model.Parameters()) {
			assert.Equal(t, 2, opt.Steps(p), p.Name)
		}
		return nil
	})
}

func TestFitAccumulationWidth32(t *testing.T) {
	h := testHparams()
	h.BatchSize = 32
	h.MicroBatchSize = 1
	h.MaxIters = 64
	h.LogInterval = 16
	require.Equal(t, 32, h.GradientAccumulationIters())

	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, opt := newTrainer(t, f, &h, t.TempDir())

		stats, err := trainer.Fit(ctx)
		require.NoError(t, err)
		assert.Equal(t, 64, stats.Iters)
		assert.Equal(t, 2, stats.Steps)

		for _, p := range model.Trainable(trainer.Model.Parameters()) {
			assert.Equal(t, 2, opt.Steps(p), p.Name)
		}
		return nil
	})
}

// recordingModel keeps a copy of every training input.
type recordingModel struct {
	model.Model

	mu     sync.Mutex
	inputs []*tensor.Dense
}

func (m *recordingModel) Forward(ctx context.Context, x *tensor.Dense) (*model.Logits, model.Backward, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, x.Clone().(*tensor.Dense))
	m.mu.Unlock()
	return m.Model.Forward(ctx, x)
}

func TestFitForcesLongestFirst(t *testing.T) {
	h := testHparams()
	h.BatchSize, h.MicroBatchSize = 4, 4

	var train []dataset.Example
	for i, n := range []int{5, 5, 5, 9} {
		ids := make([]int32, n)
		for j := range ids {
			ids[j] = int32(10*i + j + 3)
		}
		train = append(train, dataset.Example{InputIDs: ids, Labels: ids})
	}

	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, _ := newTrainer(t, f, &h, t.TempDir())

		longestLen, longest := dataset.LongestSeqLength(train)
		require.Equal(t, 9, longestLen)
		require.Equal(t, 3, longest)

		recorder := &recordingModel{Model: trainer.Model}
		trainer.Model = recorder
		trainer.Train = batch.NewSampler(train, h.MicroBatchSize, rand.New(rand.NewPCG(3, 4)))
		trainer.Longest = longest

		_, err := trainer.Fit(ctx)
		require.NoError(t, err)
		require.Len(t, recorder.inputs, h.MaxIters)

		first := recorder.inputs[0]
		assert.Equal(t, []int{4, 9}, []int(first.Shape()))
		assert.Equal(t, train[3].InputIDs, first.Int32s()[:9])
		return nil
	})
}

func TestFitRejectsBadLongestIndex(t *testing.T) {
	h := testHparams()

	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, _ := newTrainer(t, f, &h, t.TempDir())

		trainer.Longest = 1000
		stats, err := trainer.Fit(ctx)
		require.ErrorContains(t, err, "forced index 1000")
		assert.Zero(t, stats.Iters)
		return nil
	})
}

func TestLearningRateWarmup(t *testing.T) {
	h := testHparams()
	h.WarmupSteps = 10

	prev := -1.0
	for step := range 20 {
		lr := LearningRate(&h, step)
		assert.GreaterOrEqual(t, lr, prev)
		assert.LessOrEqual(t, lr, h.LearningRate)
		prev = lr
	}

	assert.Zero(t, LearningRate(&h, 0))
	assert.InDelta(t, h.LearningRate/2, LearningRate(&h, 5), 1e-12)
	assert.InDelta(t, h.LearningRate, LearningRate(&h, 10), 1e-12)
	assert.InDelta(t, h.LearningRate, LearningRate(&h, 11), 1e-12)

	h.WarmupSteps = 0
	assert.InDelta(t, h.LearningRate, LearningRate(&h, 0), 1e-12)
}

func TestFitAppliesWarmup(t *testing.T) {
	h := testHparams()
	h.WarmupSteps = 4

	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, opt := newTrainer(t, f, &h, t.TempDir())
		_, err := trainer.Fit(ctx)
		require.NoError(t, err)

		// the last iteration ran at step 1
		for _, g := range opt.ParamGroups() {
			assert.InDelta(t, h.LearningRate/4, g.LR, 1e-12)
		}
		return nil
	})
}

func TestFitCadence(t *testing.T) {
	h := testHparams()
	h.EvalInterval = 1
	h.SaveInterval = 2
	h.MaxIters = 8

	out := t.TempDir()
	metrics := &recordingLogger{}
	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, _ := newTrainer(t, f, &h, out)
		trainer.Metrics = metrics

		stats, err := trainer.Fit(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Steps)
		return nil
	})

	assert.Len(t, metrics.rows, 4)
	for _, row := range metrics.rows {
		assert.Contains(t, row, "val_loss")
		assert.Contains(t, row, "val_ppl")
	}

	for _, iter := range []int{3, 7} {
		assert.FileExists(t, checkpoint.IterPath(out, iter))
	}

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFitReplicasStayIdentical(t *testing.T) {
	h := testHparams()

	var mu sync.Mutex
	weights := map[int]map[string][]float32{}
	launch(t, 2, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, _ := newTrainer(t, f, &h, t.TempDir())
		trainer.Train = batch.NewSampler(testExamples(20), h.MicroBatchSize, rand.New(rand.NewPCG(uint64(f.Rank()), 9)))

		if _, err := trainer.Fit(ctx); err != nil {
			return err
		}

		state := map[string][]float32{}
		for name, p := range model.StateDict(trainer.Model.Parameters(), model.LoRAFilter) {
			state[name] = append([]float32(nil), p.Data...)
		}

		mu.Lock()
		weights[f.Rank()] = state
		mu.Unlock()
		return nil
	})

	require.Len(t, weights, 2)
	assert.Equal(t, weights[0], weights[1])
}

func TestFitCancelled(t *testing.T) {
	h := testHparams()

	launch(t, 1, func(_ context.Context, f *fabric.Fabric) error {
		trainer, _ := newTrainer(t, f, &h, t.TempDir())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := trainer.Fit(ctx)
		require.ErrorIs(t, err, context.Canceled)
		return nil
	})
}

func TestOutDirUntouchedWithoutSaves(t *testing.T) {
	h := testHparams()
	out := filepath.Join(t.TempDir(), "out")

	launch(t, 1, func(ctx context.Context, f *fabric.Fabric) error {
		trainer, _ := newTrainer(t, f, &h, out)
		_, err := trainer.Fit(ctx)
		return err
	})

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
