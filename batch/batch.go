// Package batch draws micro-batches of variable-length examples and right-pads
// them to the longest example in the draw.
package batch

import (
	"fmt"
	"math/rand/v2"

	"github.com/pdevine/tensor"

	"github.com/ollama/finetune/dataset"
	"github.com/ollama/finetune/types/errtypes"
)

const (
	// PadID fills input positions past the end of an example.
	PadID int32 = 0
	// IgnoreIndex fills target positions past the end of an example.
	IgnoreIndex = dataset.IgnoreIndex
)

// NoForce disables the first-slot override in Get.
const NoForce = -1

// Batch holds two int32 tensors of shape [rows, cols].
type Batch struct {
	Input  *tensor.Dense
	Target *tensor.Dense
}

func (b Batch) Rows() int {
	return b.Input.Shape()[0]
}

func (b Batch) Cols() int {
	return b.Input.Shape()[1]
}

// Inputs returns the row-major backing of Input.
func (b Batch) Inputs() []int32 {
	return b.Input.Int32s()
}

// Targets returns the row-major backing of Target.
func (b Batch) Targets() []int32 {
	return b.Target.Int32s()
}

// Device names where a batch's tensors live. Only the host exists.
type Device string

const CPU Device = "cpu"

// To places the batch on d. Tensors already live in host memory so this
// returns b unchanged.
func (b Batch) To(d Device) (Batch, error) {
	if d != CPU {
		return Batch{}, fmt.Errorf("unsupported device %q", d)
	}
	return b, nil
}

// Get draws n examples uniformly with replacement. When force is not NoForce it
// replaces the first slot so the longest sample can be placed first and
// out-of-memory failures surface on the first iteration.
func Get(rng *rand.Rand, data []dataset.Example, n int, force int) (Batch, error) {
	if len(data) == 0 {
		return Batch{}, &errtypes.EmptyDatasetError{}
	}

	if n <= 0 {
		return Batch{}, fmt.Errorf("batch size must be positive, got %d", n)
	}

	if force != NoForce && (force < 0 || force >= len(data)) {
		return Batch{}, fmt.Errorf("forced index %d out of range [0, %d)", force, len(data))
	}

	ix := make([]int, n)
	for i := range ix {
		ix[i] = rng.IntN(len(data))
	}

	if force != NoForce {
		ix[0] = force
	}

	return Pad(data, ix), nil
}

// Pad stacks data[ix...] into a batch padded to the longest selected example.
func Pad(data []dataset.Example, ix []int) Batch {
	var cols int
	for _, i := range ix {
		cols = max(cols, data[i].Len())
	}

	x := make([]int32, len(ix)*cols)
	y := make([]int32, len(ix)*cols)
	for row, i := range ix {
		e := data[i]
		xs, ys := x[row*cols:(row+1)*cols], y[row*cols:(row+1)*cols]

		n := copy(xs, e.InputIDs)
		for j := n; j < cols; j++ {
			xs[j] = PadID
		}

		n = copy(ys, e.Labels)
		for j := n; j < cols; j++ {
			ys[j] = IgnoreIndex
		}
	}

	return Batch{
		Input:  tensor.New(tensor.WithShape(len(ix), cols), tensor.WithBacking(x)),
		Target: tensor.New(tensor.WithShape(len(ix), cols), tensor.WithBacking(y)),
	}
}

// Sampler draws micro-batches for one rank.
type Sampler struct {
	data []dataset.Example
	size int
	rng  *rand.Rand
}

func NewSampler(data []dataset.Example, microBatchSize int, rng *rand.Rand) *Sampler {
	return &Sampler{data: data, size: microBatchSize, rng: rng}
}

func (s *Sampler) Next(force int) (Batch, error) {
	return Get(s.rng, s.data, s.size, force)
}

func (s *Sampler) Len() int {
	return len(s.data)
}
