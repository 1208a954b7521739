package model

import (
	"math"
	"math/rand/v2"
)

// Linear computes y = x·Wᵀ + b + (alpha/r)·dropout(x)·Aᵀ·Bᵀ. The low-rank
// update is absent when Rank is zero.
type Linear struct {
	Weight *Parameter
	Bias   *Parameter
	LoRAA  *Parameter
	LoRAB  *Parameter

	In, Out int
	Rank    int
	Scale   float32
	Dropout float32
}

type linearOptions struct {
	bias    bool
	rank    int
	alpha   int
	dropout float64
}

func newLinear(name string, meta bool, in, out int, opts linearOptions) *Linear {
	l := &Linear{
		Weight: newParameter(name+".weight", meta, out, in),
		In:     in,
		Out:    out,
	}

	if opts.bias {
		l.Bias = newParameter(name+".bias", meta, out)
	}

	if opts.rank > 0 {
		l.Rank = opts.rank
		l.Scale = float32(opts.alpha) / float32(opts.rank)
		l.Dropout = float32(opts.dropout)
		l.LoRAA = newParameter(name+".lora_A", meta, opts.rank, in)
		l.LoRAB = newParameter(name+".lora_B", meta, out, opts.rank)
	}

	return l
}

func (l *Linear) parameters() []*Parameter {
	params := []*Parameter{l.Weight}
	for _, p := range []*Parameter{l.Bias, l.LoRAA, l.LoRAB} {
		if p != nil {
			params = append(params, p)
		}
	}
	return params
}

// init draws the weight from N(0, std) and A uniformly in ±1/sqrt(in). B stays
// zero so a fresh adapter leaves the layer unchanged.
func (l *Linear) init(rng *rand.Rand, std float64) {
	if l.Weight.Meta() {
		return
	}

	for i := range l.Weight.Data {
		l.Weight.Data[i] = float32(rng.NormFloat64() * std)
	}

	if l.LoRAA != nil {
		bound := 1 / math.Sqrt(float64(l.In))
		for i := range l.LoRAA.Data {
			l.LoRAA.Data[i] = float32((2*rng.Float64() - 1) * bound)
		}
	}
}

func (l *Linear) forward(g *GPT, x []float32, n int, rng *rand.Rand) ([]float32, func([]float32) []float32) {
	y := g.matmul(x, n, l.In, false, l.Weight.Data, l.Out, true)
	if l.Bias != nil && !g.meta {
		for i := range n {
			add(y[i*l.Out:(i+1)*l.Out], l.Bias.Data)
		}
	}

	var xd, mask, h []float32
	if l.Rank > 0 {
		xd = x
		if g.training && l.Dropout > 0 && rng != nil && !g.meta {
			xd, mask = dropout(x, l.Dropout, rng)
		}

		h = g.matmul(xd, n, l.In, false, l.LoRAA.Data, l.Rank, true)
		u := g.matmul(h, n, l.Rank, false, l.LoRAB.Data, l.Out, true)
		for i := range u {
			y[i] += l.Scale * u[i]
		}
	}

	return y, func(dy []float32) []float32 {
		dx := g.matmul(dy, n, l.Out, false, l.Weight.Data, l.In, false)
		if l.Weight.RequiresGrad {
			l.Weight.accumulate(g.matmul(dy, l.Out, n, true, x, l.In, false))
		}

		if l.Bias != nil && l.Bias.RequiresGrad && !g.meta {
			db := make([]float32, l.Out)
			for i := range n {
				add(db, dy[i*l.Out:(i+1)*l.Out])
			}
			l.Bias.accumulate(db)
		}

		if l.Rank == 0 {
			return dx
		}

		if l.LoRAB.RequiresGrad {
			db := g.matmul(dy, l.Out, n, true, h, l.Rank, false)
			scale(db, l.Scale)
			l.LoRAB.accumulate(db)
		}

		dh := g.matmul(dy, n, l.Out, false, l.LoRAB.Data, l.Rank, false)
		scale(dh, l.Scale)
		if l.LoRAA.RequiresGrad {
			l.LoRAA.accumulate(g.matmul(dh, l.Rank, n, true, xd, l.In, false))
		}

		dxd := g.matmul(dh, n, l.Rank, false, l.LoRAA.Data, l.In, false)
		if mask != nil {
			for i := range dxd {
				dxd[i] *= mask[i]
			}
		}

		add(dx, dxd)
		return dx
	}
}

// dropout zeroes each element with probability p and rescales the rest. The
// returned mask holds the per-element multiplier.
func dropout(x []float32, p float32, rng *rand.Rand) (y, mask []float32) {
	keep := 1 / (1 - p)
	y = make([]float32, len(x))
	mask = make([]float32, len(x))
	for i, v := range x {
		if rng.Float32() >= p {
			mask[i] = keep
			y[i] = v * keep
		}
	}
	return y, mask
}
