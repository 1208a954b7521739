package model

import (
	"fmt"
	"math"
)

// IgnoreIndex marks target positions excluded from the loss.
const IgnoreIndex int32 = -1

// ShiftTargets moves every row of targets one position left so that the
// scores at position t are compared with token t+1. The last position of each
// row becomes IgnoreIndex.
func ShiftTargets(targets []int32, rows, cols int) []int32 {
	shifted := make([]int32, len(targets))
	for r := range rows {
		copy(shifted[r*cols:(r+1)*cols-1], targets[r*cols+1:(r+1)*cols])
		shifted[(r+1)*cols-1] = IgnoreIndex
	}
	return shifted
}

// ChunkedCrossEntropy returns the mean negative log likelihood of targets over
// the non-ignored positions and its gradient with respect to the logits.
// Positions are summed in chunks of chunkSize; zero uses a single chunk. A
// batch without any target has zero loss.
func ChunkedCrossEntropy(logits *Logits, targets []int32, chunkSize int) (float32, []float32, error) {
	n := logits.Rows * logits.Cols
	if len(targets) != n {
		return 0, nil, fmt.Errorf("targets have %d positions, logits have %d", len(targets), n)
	}

	if logits.Data == nil {
		return 0, nil, nil
	}

	if chunkSize <= 0 {
		chunkSize = n
	}

	v := logits.Vocab
	dlogits := make([]float32, len(logits.Data))

	var count int
	var total float64
	for start := 0; start < n; start += chunkSize {
		var chunk float64
		for i := start; i < min(start+chunkSize, n); i++ {
			target := targets[i]
			if target == IgnoreIndex {
				continue
			}

			if target < 0 || int(target) >= v {
				return 0, nil, fmt.Errorf("target %d out of range [0, %d)", target, v)
			}

			row := logits.Data[i*v : (i+1)*v]
			probs := dlogits[i*v : (i+1)*v]
			copy(probs, row)
			softmax(probs)

			chunk -= math.Log(max(float64(probs[target]), 1e-30))
			probs[target] -= 1
			count++
		}
		total += chunk
	}

	denom := float32(max(count, 1))
	scale(dlogits, 1/denom)
	return float32(total / float64(denom)), dlogits, nil
}

// Argmax returns the index of the largest score.
func Argmax(scores []float32) int32 {
	var best int
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}
	return int32(best)
}
