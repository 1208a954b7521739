package fabric

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/finetune/config"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/types/errtypes"
)

func TestParseQuantization(t *testing.T) {
	cases := map[string]Quantization{
		"":                   QuantizeNone,
		"none":               QuantizeNone,
		"bnb.nf4":            QuantizeNF4,
		"4-bit":              QuantizeNF4,
		"bnb.nf4-dq":         QuantizeNF4DQ,
		"4-bit-double-quant": QuantizeNF4DQ,
		"bnb.fp4":            QuantizeFP4,
		"bnb.fp4-dq":         QuantizeFP4DQ,
		"bnb.int8-training":  QuantizeInt8Training,
		"8-bit-training":     QuantizeInt8Training,
		" BNB.NF4 ":          QuantizeNF4,
	}

	for s, want := range cases {
		got, err := ParseQuantization(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseQuantization("gptq")
	require.Error(t, err)

	assert.Equal(t, "bnb.nf4-dq", QuantizeNF4DQ.String())
	assert.Equal(t, "Quantization(42)", Quantization(42).String())
}

func TestParsePrecision(t *testing.T) {
	for _, s := range []string{"32-true", "16-true", "bf16-true", "16-mixed", "bf16-mixed"} {
		p, err := ParsePrecision(s)
		require.NoError(t, err)
		assert.Equal(t, Precision(s), p)
	}

	p, err := ParsePrecision("")
	require.NoError(t, err)
	assert.Equal(t, Precision32True, p)

	_, err = ParsePrecision("8-true")
	require.Error(t, err)

	assert.True(t, Precision16Mixed.Mixed())
	assert.False(t, PrecisionBF16True.Mixed())
	assert.Equal(t, DTypeBF16, PrecisionBF16Mixed.ActivationDType())
	assert.Equal(t, DTypeF32, PrecisionBF16Mixed.DType())
}

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name      string
		devices   int
		quantize  Quantization
		precision Precision
		strategy  string
		plugin    string
		err       any
	}{
		{"single", 1, QuantizeNone, Precision32True, "single-device", "32-true", nil},
		{"sharded", 4, QuantizeNone, PrecisionBF16Mixed, "fsdp(devices=4, state_dict=full)", "bf16-mixed", nil},
		{"quantized", 1, QuantizeNF4DQ, PrecisionBF16True, "single-device", "bnb.nf4-dq (bf16-true)", nil},
		{"quantized sharded", 2, QuantizeNF4, Precision32True, "", "", &errtypes.UnsupportedConfigurationError{}},
		{"quantized sharded mixed", 2, QuantizeNF4, Precision16Mixed, "", "", &errtypes.UnsupportedConfigurationError{}},
		{"quantized mixed", 1, QuantizeInt8Training, Precision16Mixed, "", "", &errtypes.IncompatiblePrecisionError{}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			s, p, err := SelectStrategy(tt.devices, tt.quantize, tt.precision)
			switch want := tt.err.(type) {
			case *errtypes.UnsupportedConfigurationError:
				require.ErrorAs(t, err, &want)
				require.ErrorIs(t, err, errtypes.ErrConfiguration)
			case *errtypes.IncompatiblePrecisionError:
				require.ErrorAs(t, err, &want)
				require.ErrorIs(t, err, errtypes.ErrConfiguration)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.strategy, s.String())
				assert.Equal(t, tt.plugin, p.String())
				assert.Equal(t, tt.devices, s.WorldSize())
			}
		})
	}

	_, _, err := SelectStrategy(0, QuantizeNone, Precision32True)
	require.ErrorIs(t, err, errtypes.ErrConfiguration)

	_, _, err = SelectStrategy(1, QuantizeNone, "64-true")
	require.ErrorIs(t, err, errtypes.ErrConfiguration)
}

func TestLaunchRunsEveryRank(t *testing.T) {
	s, p, err := SelectStrategy(3, QuantizeNone, Precision32True)
	require.NoError(t, err)

	var seen [3]atomic.Bool
	var zero atomic.Int32
	err = Launch(context.Background(), s, p, func(ctx context.Context, f *Fabric) error {
		seen[f.Rank()].Store(true)
		if f.IsGlobalZero() {
			zero.Add(1)
		}
		assert.Equal(t, 3, f.WorldSize())
		return f.Barrier(ctx)
	})
	require.NoError(t, err)

	for i := range seen {
		assert.True(t, seen[i].Load(), "rank %d", i)
	}
	assert.Equal(t, int32(1), zero.Load())
}

func TestLaunchErrorReleasesBarrier(t *testing.T) {
	s, p, err := SelectStrategy(4, QuantizeNone, Precision32True)
	require.NoError(t, err)

	boom := errors.New("boom")
	done := make(chan error)
	go func() {
		done <- Launch(context.Background(), s, p, func(ctx context.Context, f *Fabric) error {
			if f.Rank() == 2 {
				return boom
			}
			return f.Barrier(ctx)
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "rank 2")
	case <-time.After(5 * time.Second):
		t.Fatal("ranks stayed blocked in the barrier")
	}
}

func TestAllReduceMean(t *testing.T) {
	const n = 4
	g := newGroup(n)

	results := make([][]float32, n)
	err := Launch(context.Background(), NewFSDPStrategy(n), &TruePrecision{Precision32True}, func(ctx context.Context, f *Fabric) error {
		for round := range 3 {
			x := []float32{float32(f.Rank()), float32(f.Rank() * round), 0.1}
			if err := g.allReduceMean(ctx, f.Rank(), x); err != nil {
				return err
			}
			results[f.Rank()] = x
		}
		return nil
	})
	require.NoError(t, err)

	for r := range n {
		if diff := cmp.Diff(results[0], results[r]); diff != "" {
			t.Errorf("rank %d differs from rank 0 (-0 +%d):\n%s", r, r, diff)
		}
	}
	assert.InDelta(t, 1.5, results[0][0], 1e-6)
	assert.InDelta(t, 3.0, results[0][1], 1e-6)
	assert.InDelta(t, 0.1, results[0][2], 1e-6)
}

func TestNoBackwardSync(t *testing.T) {
	const n = 2
	s := NewFSDPStrategy(n)

	grads := make([][]float32, n)
	err := Launch(context.Background(), s, &TruePrecision{Precision32True}, func(ctx context.Context, f *Fabric) error {
		p := &model.Parameter{Name: "w.lora_A", Shape: []int{2}, Data: make([]float32, 2), RequiresGrad: true}
		backward := func() error {
			p.Grad = append(p.Grad[:0], float32(f.Rank()+1), float32(10*(f.Rank()+1)))
			return nil
		}

		// accumulating: each rank keeps its own gradient
		if err := f.NoBackwardSync(true, func() error {
			return f.Backward(ctx, backward, []*model.Parameter{p})
		}); err != nil {
			return err
		}

		if f.Rank() == 0 {
			assert.Equal(t, []float32{1, 10}, p.Grad)
		} else {
			assert.Equal(t, []float32{2, 20}, p.Grad)
		}

		// syncing: gradients are averaged
		if err := f.NoBackwardSync(false, func() error {
			return f.Backward(ctx, backward, []*model.Parameter{p})
		}); err != nil {
			return err
		}

		grads[f.Rank()] = p.Grad
		return nil
	})
	require.NoError(t, err)

	for r := range n {
		assert.Equal(t, []float32{1.5, 15}, grads[r])
	}
}

func TestSingleDeviceIsNoOp(t *testing.T) {
	s := SingleDeviceStrategy{}
	var calls int
	fn := func() error { calls++; return nil }

	require.NoError(t, s.NoBackwardSync(0, true, fn))
	require.NoError(t, s.Backward(context.Background(), 0, fn, nil))
	require.NoError(t, s.Barrier(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestLoggerCarriesRank(t *testing.T) {
	var buf bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	err := Launch(context.Background(), NewFSDPStrategy(2), &TruePrecision{Precision32True}, func(_ context.Context, f *Fabric) error {
		f.Logger().Info("ready")
		f.Print("only once")
		return nil
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "msg=ready rank=0")
	assert.Contains(t, out, "msg=ready rank=1")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("only once")))
}

func TestSaveOnlyOnRankZero(t *testing.T) {
	var writes atomic.Int32
	err := Launch(context.Background(), NewFSDPStrategy(3), &TruePrecision{Precision32True}, func(_ context.Context, f *Fabric) error {
		return f.Save(func() error {
			writes.Add(1)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), writes.Load())
}

func TestSeedIsDeterministic(t *testing.T) {
	f := &Fabric{}
	a, b := f.Seed(1337), f.Seed(1337)
	for range 10 {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
	assert.NotEqual(t, f.Seed(1337).Uint64(), f.Seed(1338).Uint64())
}

func testModel(t *testing.T) *model.GPT {
	t.Helper()
	c := &model.Config{
		Name: "test", BlockSize: 8, VocabSize: 11, NLayer: 1, NHead: 2, NEmbd: 8, IntermediateSize: 16, NormEps: 1e-5,
		LoRA: config.LoRA{R: 2, Alpha: 4, Query: true, Value: true},
	}
	m, err := model.New(c, model.Options{Seed: 1})
	require.NoError(t, err)
	model.MarkOnlyLoRAAsTrainable(m.Parameters())
	return m
}

func TestDTypeRound(t *testing.T) {
	x := []float32{1.0001, 3.14159265, 65504, 1e-3}

	f16 := append([]float32(nil), x...)
	DTypeF16.Round(f16)
	assert.Equal(t, float32(1), f16[0])
	assert.InDelta(t, 3.140625, f16[1], 1e-6)
	assert.Equal(t, float32(65504), f16[2])

	bf16 := append([]float32(nil), x...)
	DTypeBF16.Round(bf16)
	assert.Equal(t, float32(1), bf16[0])
	assert.InDelta(t, 3.14, bf16[1], 0.02)

	f32 := append([]float32(nil), x...)
	DTypeF32.Round(f32)
	assert.Equal(t, x, f32)

	assert.Equal(t, "BF16", DTypeBF16.String())
	assert.Equal(t, 2, DTypeF16.Size())
	assert.Equal(t, 4, DTypeF32.Size())
}

func TestTruePrecisionConvert(t *testing.T) {
	m := testModel(t)
	p := &TruePrecision{Precision16True}
	require.NoError(t, p.Convert(m))

	for _, param := range m.Parameters() {
		rounded := append([]float32(nil), param.Data...)
		DTypeF16.Round(rounded)
		assert.Equal(t, rounded, param.Data, param.Name)
	}
	assert.Equal(t, DTypeF16, p.DType())
}

func TestBitsandbytesConvert(t *testing.T) {
	m := testModel(t)

	before := make(map[string][]float32)
	for _, p := range m.Parameters() {
		before[p.Name] = append([]float32(nil), p.Data...)
	}

	plugin := &BitsandbytesPrecision{Quantization: QuantizeNF4, Compute: TruePrecision{Precision32True}}
	require.NoError(t, plugin.Convert(m))

	frozen := make(map[string]bool)
	for _, w := range m.LinearWeights() {
		frozen[w.Name] = !w.RequiresGrad
	}

	for _, p := range m.Parameters() {
		if frozen[p.Name] {
			assert.NotEqual(t, before[p.Name], p.Data, "%s should be quantized", p.Name)
			assert.InDeltaSlice(t, before[p.Name], p.Data, 0.02, p.Name)
		} else {
			assert.Equal(t, before[p.Name], p.Data, "%s should be untouched", p.Name)
		}
	}

	none := &BitsandbytesPrecision{Quantization: QuantizeNone}
	require.Error(t, none.Convert(m))
}

func TestFSDPSetupEnablesCheckpointing(t *testing.T) {
	m := testModel(t)
	s := NewFSDPStrategy(2)
	require.NoError(t, s.Setup(m))
	assert.True(t, s.ActivationCheckpointing)
	assert.Equal(t, StateDictFull, s.StateDict)
}
