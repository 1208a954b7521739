package evaluate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ollama/finetune/model"
)

// onehot builds logits whose argmax at each position is the given token.
func onehot(rows, cols, vocab int, predictions []int32) *model.Logits {
	l := &model.Logits{Rows: rows, Cols: cols, Vocab: vocab, Data: make([]float32, rows*cols*vocab)}
	for i, p := range predictions {
		l.Data[i*vocab+int(p)] = 1
	}
	return l
}

func TestTokenAccuracy(t *testing.T) {
	var m TokenAccuracy
	assert.Zero(t, m.Compute())

	logits := onehot(1, 4, 5, []int32{1, 2, 3, 4})
	m.Update(logits, []int32{1, 2, 0, model.IgnoreIndex})
	assert.InDelta(t, 2.0/3.0, m.Compute(), 1e-9)

	m.Reset()
	m.Update(logits, []int32{1, 2, 3, 4})
	assert.InDelta(t, 1.0, m.Compute(), 1e-9)
}

func TestRougeL(t *testing.T) {
	cases := map[string]struct {
		prediction, target []int32
		expect             float64
	}{
		"identical": {[]int32{1, 2, 3}, []int32{1, 2, 3}, 1},
		"disjoint":  {[]int32{1, 1, 1}, []int32{2, 3, 4}, 0},
		// lcs of 2 over 3 tokens each
		"partial": {[]int32{1, 4, 3}, []int32{1, 2, 3}, 2.0 / 3.0},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			var m RougeL
			m.Update(onehot(1, 3, 5, tt.prediction), tt.target)
			assert.InDelta(t, tt.expect, m.Compute(), 1e-9)
		})
	}
}

func TestRougeLSkipsIgnoredRows(t *testing.T) {
	var m RougeL
	logits := onehot(2, 2, 3, []int32{1, 2, 0, 0})
	m.Update(logits, []int32{1, 2, model.IgnoreIndex, model.IgnoreIndex})
	assert.InDelta(t, 1.0, m.Compute(), 1e-9)
}

func TestBLEU(t *testing.T) {
	cases := map[string]struct {
		prediction, target []int32
		expect             float64
	}{
		"identical": {[]int32{1, 2, 3, 4, 5}, []int32{1, 2, 3, 4, 5}, 1},
		// unigrams 3/4, bigrams 1/3, trigrams and 4-grams smoothed to 1/4
		"partial": {[]int32{1, 4, 3, 5}, []int32{1, 2, 3, 5}, math.Pow(3.0/4*1.0/3*1.0/4*1.0/4, 1.0/4)},
		// three orders fit, each smoothed
		"disjoint": {[]int32{1, 1, 1}, []int32{2, 3, 4}, math.Pow(1.0/6*1.0/8*1.0/8, 1.0/3)},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			var m BLEU
			m.Update(onehot(1, len(tt.target), 6, tt.prediction), tt.target)
			assert.InDelta(t, tt.expect, m.Compute(), 1e-9)
		})
	}
}

func TestBLEUIsCorpusLevel(t *testing.T) {
	var m BLEU
	assert.Zero(t, m.Compute())

	// the second row is entirely ignored and counts nothing
	logits := onehot(2, 3, 5, []int32{1, 2, 3, 4, 4, 4})
	m.Update(logits, []int32{1, 2, 3, model.IgnoreIndex, model.IgnoreIndex, model.IgnoreIndex})
	assert.InDelta(t, 1.0, m.Compute(), 1e-9)

	m.Reset()
	assert.Zero(t, m.Compute())
}
