// Package sample picks the next token from a vector of logits.
package sample

import (
	"cmp"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// Sampler draws from the softmax of logits divided by a temperature,
// optionally restricted to the k largest logits. A zero temperature always
// picks the largest logit.
type Sampler struct {
	rng         *rand.Rand
	temperature float32
	topK        int
}

// NewSampler returns a sampler seeded with seed. A topK of zero keeps every
// token.
func NewSampler(temperature float32, topK int, seed uint64) *Sampler {
	return &Sampler{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9E3779B9)),
		temperature: max(temperature, 0),
		topK:        max(topK, 0),
	}
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	if s.temperature == 0 {
		return int32(argmax(logits)), nil
	}

	// logits below the k-th largest are dropped; ties with it are kept
	threshold := float32(math.Inf(-1))
	if s.topK > 0 && s.topK < len(logits) {
		sorted := slices.Clone(logits)
		slices.SortFunc(sorted, func(a, b float32) int { return cmp.Compare(b, a) })
		threshold = sorted[s.topK-1]
	}

	maxLogit := slices.Max(logits)
	weights := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		if l < threshold {
			continue
		}
		weights[i] = math.Exp(float64(l-maxLogit) / float64(s.temperature))
		sum += weights[i]
	}

	if math.IsNaN(sum) || sum == 0 {
		return -1, errors.New("sample: logits do not form a distribution, check model output")
	}

	r := s.rng.Float64() * sum
	last := -1
	for i, w := range weights {
		if w == 0 {
			continue
		}
		if r < w {
			return int32(i), nil
		}
		r -= w
		last = i
	}

	// rounding left r just past the final weight
	return int32(last), nil
}

func argmax(logits []float32) int {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return best
}
