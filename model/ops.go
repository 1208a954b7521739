package model

import (
	"math"

	"github.com/pdevine/tensor"
)

// dense wraps row-major data as a [rows, cols] matrix. When trans is set data
// holds the [cols, rows] matrix and the result is its materialized transpose.
func dense(data []float32, rows, cols int, trans bool) tensor.Tensor {
	if !trans {
		return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	}

	var t tensor.Tensor = tensor.New(tensor.WithShape(cols, rows), tensor.WithBacking(data))
	t, err := tensor.Transpose(t, 1, 0)
	if err != nil {
		panic(err)
	}

	return tensor.Materialize(t)
}

// matmul computes a·b for a [m, k] and b [k, n]. ta and tb mark operands
// stored transposed. Meta models only count the FLOPs.
func (g *GPT) matmul(a []float32, m, k int, ta bool, b []float32, n int, tb bool) []float32 {
	g.flops += 2 * float64(m) * float64(k) * float64(n)
	if g.meta {
		return nil
	}

	out, err := tensor.MatMul(dense(a, m, k, ta), dense(b, k, n, tb))
	if err != nil {
		panic(err)
	}

	return out.(*tensor.Dense).Float32s()
}

func add(dst, src []float32) {
	for i := range src {
		dst[i] += src[i]
	}
}

func scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

func relu(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		y[i] = max(v, 0)
	}
	return y
}

// softmax normalizes x in place.
func softmax(x []float32) {
	m := float32(math.Inf(-1))
	for _, v := range x {
		m = max(m, v)
	}

	var sum float32
	for i, v := range x {
		x[i] = float32(math.Exp(float64(v - m)))
		sum += x[i]
	}

	for i := range x {
		x[i] /= sum
	}
}
