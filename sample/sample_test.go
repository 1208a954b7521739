package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedy(t *testing.T) {
	s := NewSampler(0, 0, 0)
	got, err := s.Sample([]float32{1, 5, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)
}

func TestTopKOne(t *testing.T) {
	s := NewSampler(0.8, 1, 42)
	for range 20 {
		got, err := s.Sample([]float32{0.1, 0.2, 3, 0.4})
		require.NoError(t, err)
		require.Equal(t, int32(2), got)
	}
}

func TestTopKKeepsTies(t *testing.T) {
	s := NewSampler(1, 2, 3)
	seen := make(map[int32]bool)
	for range 500 {
		got, err := s.Sample([]float32{0, 2, 2, 2, -1})
		require.NoError(t, err)
		seen[got] = true
	}

	assert.Equal(t, map[int32]bool{1: true, 2: true, 3: true}, seen)
}

func TestSeeded(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 3, 2, 1}

	a, b := NewSampler(0.8, 0, 1337), NewSampler(0.8, 0, 1337)
	for range 50 {
		x, err := a.Sample(logits)
		require.NoError(t, err)
		y, err := b.Sample(logits)
		require.NoError(t, err)

		require.Equal(t, x, y, "seeded samplers diverged")
		require.GreaterOrEqual(t, x, int32(0))
		require.Less(t, int(x), len(logits))
	}
}

func TestSampleDistribution(t *testing.T) {
	s := NewSampler(1, 0, 7)
	counts := make([]int, 3)
	for range 3000 {
		got, err := s.Sample([]float32{0, float32(math.Log(2)), float32(math.Log(7))})
		require.NoError(t, err)
		counts[got]++
	}

	// probabilities are 0.1, 0.2 and 0.7
	if counts[2] < 1800 || counts[0] > 500 {
		t.Errorf("unexpected distribution %v", counts)
	}
}

func TestLowTemperatureIsNearlyGreedy(t *testing.T) {
	s := NewSampler(1e-3, 0, 9)
	for range 50 {
		got, err := s.Sample([]float32{1, 1.5, 0.5})
		require.NoError(t, err)
		require.Equal(t, int32(1), got)
	}
}

func TestSampleInvalid(t *testing.T) {
	s := NewSampler(0.8, 0, 1)

	_, err := s.Sample(nil)
	require.Error(t, err)

	_, err = s.Sample([]float32{1, float32(math.NaN())})
	require.Error(t, err)
}
