package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pdevine/tensor"

	"github.com/ollama/finetune/kvcache"
)

type Options struct {
	// Meta builds parameters without storage. Forward and backward only count FLOPs.
	Meta bool
	Seed uint64
}

type Block struct {
	Norm1 *RMSNorm
	Attn  *CausalSelfAttention
	Norm2 *RMSNorm
	FC    *Linear
	Proj  *Linear
}

type GPT struct {
	config *Config

	WTE    *Parameter
	WPE    *Parameter
	Blocks []*Block
	NormF  *RMSNorm
	Head   *Linear

	params       []*Parameter
	meta         bool
	training     bool
	maxSeqLength int

	rng   *rand.Rand
	flops float64

	checkpointing bool
	activation    func([]float32)
	cache         *kvcache.Causal
}

var _ Model = (*GPT)(nil)

func New(c *Config, opts Options) (*GPT, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	lora := func(enabled bool) linearOptions {
		if !enabled || c.LoRA.R <= 0 {
			return linearOptions{}
		}
		return linearOptions{rank: c.LoRA.R, alpha: c.LoRA.Alpha, dropout: c.LoRA.Dropout}
	}

	meta := opts.Meta
	g := &GPT{
		config:       c,
		WTE:          newParameter("transformer.wte.weight", meta, c.VocabSize, c.NEmbd),
		WPE:          newParameter("transformer.wpe.weight", meta, c.BlockSize, c.NEmbd),
		NormF:        newRMSNorm("transformer.ln_f", meta, c.NEmbd, c.NormEps),
		Head:         newLinear("lm_head", meta, c.NEmbd, c.VocabSize, lora(c.LoRA.Head)),
		meta:         meta,
		training:     true,
		maxSeqLength: c.BlockSize,
		rng:          rand.New(rand.NewPCG(opts.Seed, opts.Seed)),
	}

	for i := range c.NLayer {
		name := fmt.Sprintf("transformer.h.%d", i)
		g.Blocks = append(g.Blocks, &Block{
			Norm1: newRMSNorm(name+".norm_1", meta, c.NEmbd, c.NormEps),
			Attn: &CausalSelfAttention{
				Query:    newLinear(name+".attn.query", meta, c.NEmbd, c.NEmbd, lora(c.LoRA.Query)),
				Key:      newLinear(name+".attn.key", meta, c.NEmbd, c.NEmbd, lora(c.LoRA.Key)),
				Value:    newLinear(name+".attn.value", meta, c.NEmbd, c.NEmbd, lora(c.LoRA.Value)),
				Proj:     newLinear(name+".attn.proj", meta, c.NEmbd, c.NEmbd, lora(c.LoRA.Projection)),
				nHead:    c.NHead,
				headSize: c.HeadSize(),
			},
			Norm2: newRMSNorm(name+".norm_2", meta, c.NEmbd, c.NormEps),
			FC:    newLinear(name+".mlp.fc", meta, c.NEmbd, c.IntermediateSize, lora(c.LoRA.MLP)),
			Proj:  newLinear(name+".mlp.proj", meta, c.IntermediateSize, c.NEmbd, lora(c.LoRA.MLP)),
		})
	}

	g.params = append(g.params, g.WTE, g.WPE)
	for _, b := range g.Blocks {
		g.params = append(g.params, b.Norm1.Weight)
		for _, l := range []*Linear{b.Attn.Query, b.Attn.Key, b.Attn.Value, b.Attn.Proj} {
			g.params = append(g.params, l.parameters()...)
		}
		g.params = append(g.params, b.Norm2.Weight)
		g.params = append(g.params, b.FC.parameters()...)
		g.params = append(g.params, b.Proj.parameters()...)
	}
	g.params = append(g.params, g.NormF.Weight)
	g.params = append(g.params, g.Head.parameters()...)

	g.init()
	return g, nil
}

func (g *GPT) init() {
	if g.meta {
		return
	}

	const std = 0.02
	for _, p := range []*Parameter{g.WTE, g.WPE} {
		for i := range p.Data {
			p.Data[i] = float32(g.rng.NormFloat64() * std)
		}
	}

	for _, l := range g.linears() {
		l.init(g.rng, std)
	}
}

func (g *GPT) linears() []*Linear {
	var ls []*Linear
	for _, b := range g.Blocks {
		ls = append(ls, b.Attn.Query, b.Attn.Key, b.Attn.Value, b.Attn.Proj, b.FC, b.Proj)
	}
	return append(ls, g.Head)
}

// LinearWeights returns the base weight matrix of every linear layer.
func (g *GPT) LinearWeights() []*Parameter {
	var ps []*Parameter
	for _, l := range g.linears() {
		ps = append(ps, l.Weight)
	}
	return ps
}

func (g *GPT) Config() *Config {
	return g.config
}

func (g *GPT) Parameters() []*Parameter {
	return g.params
}

func (g *GPT) Train() {
	g.training = true
}

func (g *GPT) Eval() {
	g.training = false
}

func (g *GPT) Training() bool {
	return g.training
}

func (g *GPT) MaxSeqLength() int {
	return g.maxSeqLength
}

func (g *GPT) SetMaxSeqLength(n int) error {
	if n <= 0 || n > g.config.BlockSize {
		return fmt.Errorf("max sequence length %d must be in [1, %d]", n, g.config.BlockSize)
	}

	g.maxSeqLength = n
	return nil
}

// Reseed replaces the generator used for dropout masks.
func (g *GPT) Reseed(seed uint64) {
	g.rng = rand.New(rand.NewPCG(seed, seed))
}

// SetActivationHook installs fn to round activations after the embedding,
// every block and the head.
func (g *GPT) SetActivationHook(fn func([]float32)) {
	g.activation = fn
}

// SetActivationCheckpointing drops block activations after the forward pass
// and recomputes them during backward.
func (g *GPT) SetActivationCheckpointing(enabled bool) {
	g.checkpointing = enabled
}

// FLOPs returns the floating point operations counted since the last reset.
func (g *GPT) FLOPs() float64 {
	return g.flops
}

func (g *GPT) ResetFLOPs() {
	g.flops = 0
}

func (g *GPT) round(x []float32) {
	if g.activation != nil && !g.meta {
		g.activation(x)
	}
}

func (g *GPT) embed(ids []int32, pos int, rows, cols int) ([]float32, error) {
	if g.meta {
		return nil, nil
	}

	c := g.config.NEmbd
	x := make([]float32, len(ids)*c)
	for i, id := range ids {
		if id < 0 || int(id) >= g.config.VocabSize {
			return nil, fmt.Errorf("token id %d out of range [0, %d)", id, g.config.VocabSize)
		}

		t := pos + i%cols
		copy(x[i*c:(i+1)*c], g.WTE.Data[int(id)*c:(int(id)+1)*c])
		add(x[i*c:(i+1)*c], g.WPE.Data[t*c:(t+1)*c])
	}

	g.round(x)
	return x, nil
}

func (g *GPT) embedBackward(ids []int32, cols int, dx []float32) {
	if g.meta {
		return
	}

	c := g.config.NEmbd
	if g.WTE.RequiresGrad {
		dw := make([]float32, g.WTE.Numel())
		for i, id := range ids {
			add(dw[int(id)*c:(int(id)+1)*c], dx[i*c:(i+1)*c])
		}
		g.WTE.accumulate(dw)
	}

	if g.WPE.RequiresGrad {
		dw := make([]float32, g.WPE.Numel())
		for i := range ids {
			t := i % cols
			add(dw[t*c:(t+1)*c], dx[i*c:(i+1)*c])
		}
		g.WPE.accumulate(dw)
	}
}

func (b *Block) forward(g *GPT, x []float32, rows, cols int, rng *rand.Rand) ([]float32, func([]float32) []float32) {
	n := rows * cols

	h, norm1Back := b.Norm1.forward(g, x, n)
	a, attnBack := b.Attn.forward(g, h, rows, cols, rng)

	var x1 []float32
	if !g.meta {
		x1 = make([]float32, len(x))
		copy(x1, x)
		add(x1, a)
	}

	h2, norm2Back := b.Norm2.forward(g, x1, n)
	f, fcBack := b.FC.forward(g, h2, n, rng)
	var r []float32
	if !g.meta {
		r = relu(f)
	}
	m, projBack := b.Proj.forward(g, r, n, rng)

	var y []float32
	if !g.meta {
		y = make([]float32, len(x1))
		copy(y, x1)
		add(y, m)
		g.round(y)
	}

	return y, func(dy []float32) []float32 {
		dr := projBack(dy)
		if !g.meta {
			for i := range dr {
				if f[i] <= 0 {
					dr[i] = 0
				}
			}
		}

		dx1 := norm2Back(fcBack(dr))
		if !g.meta {
			add(dx1, dy)
		}

		dx := norm1Back(attnBack(dx1))
		if !g.meta {
			add(dx, dx1)
		}
		return dx
	}
}

// checkpointed runs the block without keeping its activations. Backward
// replays the forward pass with the same dropout stream first.
func (b *Block) checkpointed(g *GPT, x []float32, rows, cols int, seed uint64) ([]float32, func([]float32) []float32) {
	y, _ := b.forward(g, x, rows, cols, rand.New(rand.NewPCG(seed, seed)))
	return y, func(dy []float32) []float32 {
		_, back := b.forward(g, x, rows, cols, rand.New(rand.NewPCG(seed, seed)))
		return back(dy)
	}
}

func (g *GPT) Forward(ctx context.Context, input *tensor.Dense) (*Logits, Backward, error) {
	shape := input.Shape()
	if len(shape) != 2 {
		return nil, nil, fmt.Errorf("input must be [batch, seq], got %v", shape)
	}

	rows, cols := shape[0], shape[1]
	if cols > g.maxSeqLength {
		return nil, nil, fmt.Errorf("cannot forward sequence of length %d, max seq length is only %d", cols, g.maxSeqLength)
	}

	ids := input.Int32s()
	x, err := g.embed(ids, 0, rows, cols)
	if err != nil {
		return nil, nil, err
	}

	backs := make([]func([]float32) []float32, len(g.Blocks))
	for i, b := range g.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		seed := g.rng.Uint64()
		if g.checkpointing && g.training {
			x, backs[i] = b.checkpointed(g, x, rows, cols, seed)
		} else {
			x, backs[i] = b.forward(g, x, rows, cols, rand.New(rand.NewPCG(seed, seed)))
		}
	}

	n := rows * cols
	h, normBack := g.NormF.forward(g, x, n)
	out, headBack := g.Head.forward(g, h, n, g.rng)
	g.round(out)

	logits := &Logits{Rows: rows, Cols: cols, Vocab: g.config.VocabSize, Data: out}
	return logits, func(dlogits []float32) error {
		if !g.meta && len(dlogits) != len(out) {
			return fmt.Errorf("gradient has %d elements, logits have %d", len(dlogits), len(out))
		}

		dx := normBack(headBack(dlogits))
		for i := len(backs) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				return err
			}
			dx = backs[i](dx)
		}

		g.embedBackward(ids, cols, dx)
		return nil
	}, nil
}

func (g *GPT) SetKVCache(batchSize int) error {
	if batchSize != 1 {
		return fmt.Errorf("kv cache supports a batch size of 1, got %d", batchSize)
	}

	if g.meta {
		return errors.New("meta models cannot decode")
	}

	g.cache = kvcache.NewCausalCache()
	g.cache.Init(g.config.NLayer, g.config.NEmbd, g.config.BlockSize)
	return nil
}

func (g *GPT) ClearKVCache() {
	if g.cache != nil {
		g.cache.Close()
		g.cache = nil
	}
}

func (g *GPT) Decode(ctx context.Context, tokens []int32, pos int) ([]float32, error) {
	if g.cache == nil {
		return nil, kvcache.ErrNotInit
	}

	if len(tokens) == 0 {
		return nil, errors.New("no tokens to decode")
	}

	if pos+len(tokens) > g.config.BlockSize {
		return nil, fmt.Errorf("%w: position %d exceeds context length %d", kvcache.ErrKvCacheFull, pos+len(tokens), g.config.BlockSize)
	}

	tq := len(tokens)
	x, err := g.embed(tokens, pos, 1, tq)
	if err != nil {
		return nil, err
	}

	for i, b := range g.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h, _ := b.Norm1.forward(g, x, tq)
		a, err := b.Attn.decode(g, h, tq, pos, i)
		if err != nil {
			return nil, err
		}
		add(x, a)

		h2, _ := b.Norm2.forward(g, x, tq)
		f, _ := b.FC.forward(g, h2, tq, g.rng)
		m, _ := b.Proj.forward(g, relu(f), tq, g.rng)
		add(x, m)
		g.round(x)
	}

	c := g.config.NEmbd
	last := x[(tq-1)*c:]
	h, _ := g.NormF.forward(g, last, 1)
	out, _ := g.Head.forward(g, h, 1, g.rng)
	g.round(out)
	return out, nil
}

// Clone returns a model with the same configuration and trainability. Meta
// clones carry no weights and never checkpoint activations, so FLOPs counted
// on them do not include replayed block forwards.
func (g *GPT) Clone(meta bool) (*GPT, error) {
	clone, err := New(g.config, Options{Meta: meta})
	if err != nil {
		return nil, err
	}

	for i, p := range g.params {
		clone.params[i].RequiresGrad = p.RequiresGrad
		if !meta && !p.Meta() {
			copy(clone.params[i].Data, p.Data)
		}
	}

	clone.maxSeqLength = g.maxSeqLength
	if !meta {
		clone.checkpointing = g.checkpointing
	}
	return clone, nil
}

// Perplexity is exp of a mean cross-entropy loss.
func Perplexity(loss float32) float64 {
	return math.Exp(float64(loss))
}
