package model

import "math"

// RMSNorm scales each row by the reciprocal of its root mean square.
type RMSNorm struct {
	Weight *Parameter
	Dim    int
	Eps    float32
}

func newRMSNorm(name string, meta bool, dim int, eps float32) *RMSNorm {
	n := &RMSNorm{Weight: newParameter(name+".weight", meta, dim), Dim: dim, Eps: eps}
	for i := range n.Weight.Data {
		n.Weight.Data[i] = 1
	}
	return n
}

func (n *RMSNorm) forward(g *GPT, x []float32, rows int) ([]float32, func([]float32) []float32) {
	if g.meta {
		return nil, func([]float32) []float32 { return nil }
	}

	c := n.Dim
	y := make([]float32, len(x))
	rms := make([]float32, rows)
	for r := range rows {
		xs := x[r*c : (r+1)*c]

		var ss float32
		for _, v := range xs {
			ss += v * v
		}
		rms[r] = float32(math.Sqrt(float64(ss/float32(c) + n.Eps)))

		for j, v := range xs {
			y[r*c+j] = v / rms[r] * n.Weight.Data[j]
		}
	}

	return y, func(dy []float32) []float32 {
		dx := make([]float32, len(x))
		var dw []float32
		if n.Weight.RequiresGrad {
			dw = make([]float32, c)
		}

		for r := range rows {
			xs, dys := x[r*c:(r+1)*c], dy[r*c:(r+1)*c]

			var dot float32
			for j := range c {
				dot += n.Weight.Data[j] * dys[j] * xs[j]
			}

			rr := rms[r]
			for j := range c {
				dx[r*c+j] = n.Weight.Data[j]*dys[j]/rr - xs[j]*dot/(float32(c)*rr*rr*rr)
				if dw != nil {
					dw[j] += dys[j] * xs[j] / rr
				}
			}
		}

		n.Weight.accumulate(dw)
		return dx
	}
}
