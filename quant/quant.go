// Package quant implements blockwise 4-bit (NF4, FP4) and row-wise 8-bit
// weight quantization for frozen base-model matrices.
package quant

import (
	"fmt"
	"math"
)

type Type int

const (
	NF4 Type = iota
	FP4
	Int8
)

func (t Type) String() string {
	switch t {
	case NF4:
		return "nf4"
	case FP4:
		return "fp4"
	case Int8:
		return "int8"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

const (
	DefaultBlockSize = 64
	// absmax values are themselves quantized in blocks of this size when
	// double quantization is enabled
	doubleQuantBlockSize = 256
	// Int8Threshold keeps columns with an outlier magnitude at or above this
	// value in full precision.
	Int8Threshold = 6.0
)

// nf4 holds the 16 quantiles of a unit normal distribution normalized to [-1, 1].
var nf4 = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// fp4 is the e2m1 value set normalized by its largest magnitude (6).
var fp4 = [16]float32{
	0, 1.0 / 12, 1.0 / 6, 1.0 / 4, 1.0 / 3, 1.0 / 2, 2.0 / 3, 1,
	-0, -1.0 / 12, -1.0 / 6, -1.0 / 4, -1.0 / 3, -1.0 / 2, -2.0 / 3, -1,
}

type Options struct {
	Type        Type
	DoubleQuant bool
	BlockSize   int
}

// Tensor is a quantized row-major [rows, cols] matrix.
type Tensor struct {
	opts       Options
	rows, cols int

	// 4-bit codes, two per byte
	packed []byte
	absmax []float32

	// double quantized absmax
	absmaxCodes  []int8
	absmaxScales []float32
	absmaxOffset float32

	// int8 codes with per-row scales and full precision outlier columns
	codes    []int8
	scales   []float32
	outliers map[int][]float32
}

func Quantize(data []float32, rows, cols int, opts Options) (*Tensor, error) {
	if rows*cols != len(data) {
		return nil, fmt.Errorf("quantize: shape [%d %d] does not match %d elements", rows, cols, len(data))
	}

	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}

	t := &Tensor{opts: opts, rows: rows, cols: cols}
	switch opts.Type {
	case NF4:
		t.quantize4(data, nf4[:])
	case FP4:
		t.quantize4(data, fp4[:])
	case Int8:
		t.quantize8(data)
	default:
		return nil, fmt.Errorf("quantize: unknown type %v", opts.Type)
	}

	return t, nil
}

func (t *Tensor) quantize4(data []float32, codebook []float32) {
	bs := t.opts.BlockSize
	nblocks := (len(data) + bs - 1) / bs
	t.packed = make([]byte, (len(data)+1)/2)
	t.absmax = make([]float32, nblocks)

	for b := range nblocks {
		block := data[b*bs : min((b+1)*bs, len(data))]

		var m float32
		for _, v := range block {
			m = max(m, abs(v))
		}
		t.absmax[b] = m

		for i, v := range block {
			var x float32
			if m > 0 {
				x = v / m
			}

			code := nearest(codebook, x)
			idx := b*bs + i
			if idx%2 == 0 {
				t.packed[idx/2] |= code
			} else {
				t.packed[idx/2] |= code << 4
			}
		}
	}

	if t.opts.DoubleQuant {
		t.doubleQuantize()
	}
}

func (t *Tensor) doubleQuantize() {
	var mean float32
	for _, m := range t.absmax {
		mean += m
	}
	mean /= float32(len(t.absmax))
	t.absmaxOffset = mean

	n := len(t.absmax)
	nblocks := (n + doubleQuantBlockSize - 1) / doubleQuantBlockSize
	t.absmaxCodes = make([]int8, n)
	t.absmaxScales = make([]float32, nblocks)
	for b := range nblocks {
		block := t.absmax[b*doubleQuantBlockSize : min((b+1)*doubleQuantBlockSize, n)]

		var m float32
		for _, v := range block {
			m = max(m, abs(v-mean))
		}
		t.absmaxScales[b] = m / 127

		for i, v := range block {
			if m > 0 {
				t.absmaxCodes[b*doubleQuantBlockSize+i] = int8(math.Round(float64((v - mean) / m * 127)))
			}
		}
	}

	t.absmax = nil
}

func (t *Tensor) blockAbsmax(b int) float32 {
	if t.absmax != nil {
		return t.absmax[b]
	}

	return t.absmaxOffset + float32(t.absmaxCodes[b])*t.absmaxScales[b/doubleQuantBlockSize]
}

func (t *Tensor) quantize8(data []float32) {
	t.codes = make([]int8, len(data))
	t.scales = make([]float32, t.rows)
	t.outliers = make(map[int][]float32)

	for c := range t.cols {
		for r := range t.rows {
			if abs(data[r*t.cols+c]) >= Int8Threshold {
				col := make([]float32, t.rows)
				for rr := range t.rows {
					col[rr] = data[rr*t.cols+c]
				}
				t.outliers[c] = col
				break
			}
		}
	}

	for r := range t.rows {
		row := data[r*t.cols : (r+1)*t.cols]

		var m float32
		for c, v := range row {
			if _, ok := t.outliers[c]; !ok {
				m = max(m, abs(v))
			}
		}
		t.scales[r] = m / 127

		for c, v := range row {
			if _, ok := t.outliers[c]; ok || m == 0 {
				continue
			}
			t.codes[r*t.cols+c] = int8(math.Round(float64(v / m * 127)))
		}
	}
}

func (t *Tensor) Dequantize() []float32 {
	out := make([]float32, t.rows*t.cols)
	switch t.opts.Type {
	case NF4, FP4:
		codebook := nf4[:]
		if t.opts.Type == FP4 {
			codebook = fp4[:]
		}

		for i := range out {
			code := t.packed[i/2]
			if i%2 == 0 {
				code &= 0x0f
			} else {
				code >>= 4
			}
			out[i] = codebook[code] * t.blockAbsmax(i/t.opts.BlockSize)
		}
	case Int8:
		for r := range t.rows {
			for c := range t.cols {
				out[r*t.cols+c] = float32(t.codes[r*t.cols+c]) * t.scales[r]
			}
		}

		for c, col := range t.outliers {
			for r, v := range col {
				out[r*t.cols+c] = v
			}
		}
	}

	return out
}

// Bytes is the storage footprint of the quantized representation.
func (t *Tensor) Bytes() int {
	n := len(t.packed) + 4*len(t.absmax) + len(t.absmaxCodes) + 4*len(t.absmaxScales) + len(t.codes) + 4*len(t.scales)
	if t.absmaxCodes != nil {
		n += 4
	}

	for _, col := range t.outliers {
		n += 4 * len(col)
	}

	return n
}

// FakeQuantize quantizes data and returns its dequantized copy.
func FakeQuantize(data []float32, rows, cols int, opts Options) ([]float32, error) {
	t, err := Quantize(data, rows, cols, opts)
	if err != nil {
		return nil, err
	}

	return t.Dequantize(), nil
}

func nearest(codebook []float32, x float32) byte {
	best, dist := 0, float32(math.Inf(1))
	for i, c := range codebook {
		if d := abs(c - x); d < dist {
			best, dist = i, d
		}
	}

	return byte(best)
}

func abs(x float32) float32 {
	return float32(math.Abs(float64(x)))
}
