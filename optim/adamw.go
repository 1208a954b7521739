// Package optim implements AdamW over model parameters.
package optim

import (
	"errors"
	"math"

	"github.com/ollama/finetune/model"
)

type Optimizer interface {
	Step() error
	ZeroGrad()
	SetLR(lr float64)
	ParamGroups() []*ParamGroup
}

// ParamGroup shares a learning rate and weight decay across its parameters.
type ParamGroup struct {
	Params      []*model.Parameter
	LR          float64
	WeightDecay float64
}

type AdamWOptions struct {
	LR          float64
	WeightDecay float64
	Beta1       float64
	Beta2       float64
	Eps         float64
}

func DefaultAdamWOptions() AdamWOptions {
	return AdamWOptions{LR: 1e-3, WeightDecay: 0.01, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

type state struct {
	step int
	m, v []float64
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	groups       []*ParamGroup
	beta1, beta2 float64
	eps          float64
	state        map[*model.Parameter]*state
}

var _ Optimizer = (*AdamW)(nil)

func NewAdamW(params []*model.Parameter, opts AdamWOptions) (*AdamW, error) {
	if len(params) == 0 {
		return nil, errors.New("optimizer got an empty parameter list")
	}

	if opts.LR < 0 {
		return nil, errors.New("learning rate must not be negative")
	}

	return &AdamW{
		groups: []*ParamGroup{{Params: params, LR: opts.LR, WeightDecay: opts.WeightDecay}},
		beta1:  opts.Beta1,
		beta2:  opts.Beta2,
		eps:    opts.Eps,
		state:  make(map[*model.Parameter]*state),
	}, nil
}

func (o *AdamW) ParamGroups() []*ParamGroup {
	return o.groups
}

// SetLR sets the learning rate of every group.
func (o *AdamW) SetLR(lr float64) {
	for _, g := range o.groups {
		g.LR = lr
	}
}

// Step updates every parameter that has a gradient.
func (o *AdamW) Step() error {
	for _, g := range o.groups {
		for _, p := range g.Params {
			if p.Grad == nil || !p.RequiresGrad {
				continue
			}

			if len(p.Grad) != len(p.Data) {
				return errors.New("optim: gradient and parameter differ in size for " + p.Name)
			}

			s, ok := o.state[p]
			if !ok {
				s = &state{m: make([]float64, len(p.Data)), v: make([]float64, len(p.Data))}
				o.state[p] = s
			}

			s.step++
			bc1 := 1 - math.Pow(o.beta1, float64(s.step))
			bc2 := 1 - math.Pow(o.beta2, float64(s.step))
			stepSize := g.LR / bc1

			for i, grad := range p.Grad {
				gr := float64(grad)
				w := float64(p.Data[i]) * (1 - g.LR*g.WeightDecay)

				s.m[i] = o.beta1*s.m[i] + (1-o.beta1)*gr
				s.v[i] = o.beta2*s.v[i] + (1-o.beta2)*gr*gr

				denom := math.Sqrt(s.v[i])/math.Sqrt(bc2) + o.eps
				p.Data[i] = float32(w - stepSize*s.m[i]/denom)
			}
		}
	}

	return nil
}

func (o *AdamW) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Steps returns the number of updates applied to p.
func (o *AdamW) Steps(p *model.Parameter) int {
	if s, ok := o.state[p]; ok {
		return s.step
	}
	return 0
}
