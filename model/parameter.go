package model

import (
	"strings"

	"github.com/samber/lo"
)

// Parameter is a named float32 weight with its gradient. Meta parameters have
// a shape but no backing data.
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float32
	Grad         []float32
	RequiresGrad bool
}

func newParameter(name string, meta bool, shape ...int) *Parameter {
	p := &Parameter{Name: name, Shape: shape, RequiresGrad: true}
	if !meta {
		p.Data = make([]float32, p.Numel())
	}
	return p
}

func (p *Parameter) Numel() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

func (p *Parameter) Meta() bool {
	return p.Data == nil
}

// accumulate adds g into the gradient, allocating it on first use.
func (p *Parameter) accumulate(g []float32) {
	if !p.RequiresGrad || g == nil {
		return
	}

	if p.Grad == nil {
		p.Grad = make([]float32, p.Numel())
	}

	for i := range g {
		p.Grad[i] += g[i]
	}
}

func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// LoRAFilter reports whether the named parameter belongs to a low-rank adapter.
func LoRAFilter(name string) bool {
	return strings.Contains(name, "lora_")
}

// MarkOnlyLoRAAsTrainable freezes every parameter that is not an adapter.
func MarkOnlyLoRAAsTrainable(params []*Parameter) {
	for _, p := range params {
		p.RequiresGrad = LoRAFilter(p.Name)
	}
}

func Trainable(params []*Parameter) []*Parameter {
	return lo.Filter(params, func(p *Parameter, _ int) bool { return p.RequiresGrad })
}

func NumParameters(params []*Parameter, requiresGrad bool) int {
	return lo.SumBy(params, func(p *Parameter) int {
		if p.RequiresGrad != requiresGrad {
			return 0
		}
		return p.Numel()
	})
}

// StateDict maps parameter names to parameters, keeping those accepted by keep.
// A nil keep accepts everything.
func StateDict(params []*Parameter, keep func(string) bool) map[string]*Parameter {
	return lo.Associate(lo.Filter(params, func(p *Parameter, _ int) bool {
		return keep == nil || keep(p.Name)
	}), func(p *Parameter) (string, *Parameter) {
		return p.Name, p
	})
}
