package model

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShiftTargets(t *testing.T) {
	got := ShiftTargets([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	if diff := cmp.Diff([]int32{2, 3, -1, 5, 6, -1}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestChunkedCrossEntropyUniform(t *testing.T) {
	logits := &Logits{Rows: 1, Cols: 3, Vocab: 4, Data: make([]float32, 12)}
	loss, dlogits, err := ChunkedCrossEntropy(logits, []int32{1, -1, 3}, 0)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-6)

	// ignored positions get no gradient
	assert.Equal(t, []float32{0, 0, 0, 0}, dlogits[4:8])
	assert.InDelta(t, (0.25-1)/2, dlogits[1], 1e-6)
	assert.InDelta(t, 0.25/2, dlogits[0], 1e-6)
}

func TestChunkedCrossEntropyChunks(t *testing.T) {
	logits := &Logits{Rows: 2, Cols: 5, Vocab: 3, Data: make([]float32, 30)}
	for i := range logits.Data {
		logits.Data[i] = float32(math.Sin(float64(i)))
	}
	targets := []int32{0, 1, 2, -1, 1, 2, 2, -1, 0, 1}

	whole, dWhole, err := ChunkedCrossEntropy(logits, targets, 0)
	require.NoError(t, err)
	for _, chunk := range []int{1, 3, 128} {
		l, d, err := ChunkedCrossEntropy(logits, targets, chunk)
		require.NoError(t, err)
		assert.InDelta(t, whole, l, 1e-5)
		assert.InDeltaSlice(t, dWhole, d, 1e-7)
	}
}

func TestChunkedCrossEntropyAllIgnored(t *testing.T) {
	logits := &Logits{Rows: 1, Cols: 2, Vocab: 2, Data: []float32{1, 2, 3, 4}}
	loss, dlogits, err := ChunkedCrossEntropy(logits, []int32{-1, -1}, 0)
	require.NoError(t, err)
	assert.Zero(t, loss)
	assert.Equal(t, []float32{0, 0, 0, 0}, dlogits)
}

func TestChunkedCrossEntropyErrors(t *testing.T) {
	logits := &Logits{Rows: 1, Cols: 2, Vocab: 2, Data: []float32{1, 2, 3, 4}}
	_, _, err := ChunkedCrossEntropy(logits, []int32{0}, 0)
	require.Error(t, err)
	_, _, err = ChunkedCrossEntropy(logits, []int32{0, 2}, 0)
	require.ErrorContains(t, err, "out of range")
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, int32(2), Argmax([]float32{0.1, -3, 4, 4}))
	assert.Equal(t, int32(0), Argmax([]float32{1}))
}
