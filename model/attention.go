package model

import (
	"math"
	"math/rand/v2"
)

type CausalSelfAttention struct {
	Query, Key, Value *Linear
	Proj              *Linear

	nHead, headSize int
}

// attend runs causal attention for tq queries starting at absolute position
// offset against the first tk keys and values. q is [tq, C], k and v are
// [tk, C]. It returns the output and the softmax weights [nHead, tq, tk].
func (a *CausalSelfAttention) attend(g *GPT, q, k, v []float32, tq, tk, offset int) (out, att []float32) {
	c := a.nHead * a.headSize
	g.flops += 4 * float64(tq) * float64(tk) * float64(c)
	if g.meta {
		return nil, nil
	}

	out = make([]float32, tq*c)
	att = make([]float32, a.nHead*tq*tk)
	norm := float32(1 / math.Sqrt(float64(a.headSize)))
	for h := range a.nHead {
		lo := h * a.headSize
		for t := range tq {
			row := att[(h*tq+t)*tk : (h*tq+t+1)*tk]
			last := min(offset+t, tk-1)

			qt := q[t*c+lo : t*c+lo+a.headSize]
			for s := range last + 1 {
				ks := k[s*c+lo : s*c+lo+a.headSize]

				var dot float32
				for i := range qt {
					dot += qt[i] * ks[i]
				}
				row[s] = dot * norm
			}

			softmax(row[:last+1])

			ot := out[t*c+lo : t*c+lo+a.headSize]
			for s := range last + 1 {
				vs := v[s*c+lo : s*c+lo+a.headSize]
				for i := range ot {
					ot[i] += row[s] * vs[i]
				}
			}
		}
	}

	return out, att
}

// attendBackward is the gradient of attend with offset 0 and tq == tk == t.
func (a *CausalSelfAttention) attendBackward(g *GPT, q, k, v, att, dout []float32, t int) (dq, dk, dv []float32) {
	c := a.nHead * a.headSize
	g.flops += 8 * float64(t) * float64(t) * float64(c)
	if g.meta {
		return nil, nil, nil
	}

	dq = make([]float32, len(q))
	dk = make([]float32, len(k))
	dv = make([]float32, len(v))
	datt := make([]float32, t)
	norm := float32(1 / math.Sqrt(float64(a.headSize)))
	for h := range a.nHead {
		lo := h * a.headSize
		for i := range t {
			row := att[(h*t+i)*t : (h*t+i+1)*t]
			doi := dout[i*c+lo : i*c+lo+a.headSize]

			var sum float32
			for s := range i + 1 {
				vs := v[s*c+lo : s*c+lo+a.headSize]
				dvs := dv[s*c+lo : s*c+lo+a.headSize]

				var dot float32
				for j := range doi {
					dvs[j] += row[s] * doi[j]
					dot += doi[j] * vs[j]
				}
				datt[s] = dot
				sum += row[s] * dot
			}

			qi := q[i*c+lo : i*c+lo+a.headSize]
			dqi := dq[i*c+lo : i*c+lo+a.headSize]
			for s := range i + 1 {
				ds := row[s] * (datt[s] - sum) * norm
				ks := k[s*c+lo : s*c+lo+a.headSize]
				dks := dk[s*c+lo : s*c+lo+a.headSize]
				for j := range qi {
					dqi[j] += ds * ks[j]
					dks[j] += ds * qi[j]
				}
			}
		}
	}

	return dq, dk, dv
}

// forward runs full-sequence attention over rows independent sequences of
// length cols.
func (a *CausalSelfAttention) forward(g *GPT, x []float32, rows, cols int, rng *rand.Rand) ([]float32, func([]float32) []float32) {
	n := rows * cols
	c := a.nHead * a.headSize

	q, qBack := a.Query.forward(g, x, n, rng)
	k, kBack := a.Key.forward(g, x, n, rng)
	v, vBack := a.Value.forward(g, x, n, rng)

	var y []float32
	if !g.meta {
		y = make([]float32, n*c)
	}

	atts := make([][]float32, rows)
	for r := range rows {
		span := func(s []float32) []float32 {
			if s == nil {
				return nil
			}
			return s[r*cols*c : (r+1)*cols*c]
		}

		out, att := a.attend(g, span(q), span(k), span(v), cols, cols, 0)
		copy(span(y), out)
		atts[r] = att
	}

	out, projBack := a.Proj.forward(g, y, n, rng)
	return out, func(dout []float32) []float32 {
		dy := projBack(dout)

		var dq, dk, dv []float32
		if !g.meta {
			dq, dk, dv = make([]float32, n*c), make([]float32, n*c), make([]float32, n*c)
		}

		for r := range rows {
			span := func(s []float32) []float32 {
				if s == nil {
					return nil
				}
				return s[r*cols*c : (r+1)*cols*c]
			}

			rq, rk, rv := a.attendBackward(g, span(q), span(k), span(v), atts[r], span(dy), cols)
			copy(span(dq), rq)
			copy(span(dk), rk)
			copy(span(dv), rv)
		}

		dx := qBack(dq)
		if !g.meta {
			add(dx, kBack(dk))
			add(dx, vBack(dv))
		} else {
			kBack(dk)
			vBack(dv)
		}
		return dx
	}
}

// decode attends tq new positions starting at pos against the cached history
// of layer.
func (a *CausalSelfAttention) decode(g *GPT, x []float32, tq, pos, layer int) ([]float32, error) {
	q, _ := a.Query.forward(g, x, tq, nil)
	k, _ := a.Key.forward(g, x, tq, nil)
	v, _ := a.Value.forward(g, x, tq, nil)

	g.cache.SetLayer(layer)
	if err := g.cache.Put(pos, k, v); err != nil {
		return nil, err
	}

	keys, values := g.cache.Get()
	y, _ := a.attend(g, q, keys, values, tq, pos+tq, pos)
	out, _ := a.Proj.forward(g, y, tq, nil)
	return out, nil
}
