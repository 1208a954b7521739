package evaluate

import (
	"math"

	"github.com/ollama/finetune/model"
)

// Metric accumulates a score over evaluation batches. Targets are already
// shifted so position t of targets is the token predicted at position t.
type Metric interface {
	Name() string
	Reset()
	Update(logits *model.Logits, targets []int32)
	Compute() float64
}

// TokenAccuracy is the fraction of target tokens whose argmax prediction
// matches.
type TokenAccuracy struct {
	correct, total int
}

func (*TokenAccuracy) Name() string {
	return "token_accuracy"
}

func (m *TokenAccuracy) Reset() {
	m.correct, m.total = 0, 0
}

func (m *TokenAccuracy) Update(logits *model.Logits, targets []int32) {
	for r := range logits.Rows {
		for t := range logits.Cols {
			target := targets[r*logits.Cols+t]
			if target == model.IgnoreIndex {
				continue
			}

			if model.Argmax(logits.At(r, t)) == target {
				m.correct++
			}
			m.total++
		}
	}
}

func (m *TokenAccuracy) Compute() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.total)
}

// RougeL is the mean longest-common-subsequence F1 between the argmax
// predictions and the targets of each row.
type RougeL struct {
	sum float64
	n   int
}

func (*RougeL) Name() string {
	return "rougeL"
}

func (m *RougeL) Reset() {
	m.sum, m.n = 0, 0
}

func (m *RougeL) Update(logits *model.Logits, targets []int32) {
	for r := range logits.Rows {
		prediction, reference := rowTokens(logits, targets, r)
		if len(reference) == 0 {
			continue
		}

		m.sum += lcsF1(prediction, reference)
		m.n++
	}
}

func (m *RougeL) Compute() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

func lcsF1(a, b []int32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := range a {
		for j := range b {
			if a[i] == b[j] {
				cur[j+1] = prev[j] + 1
			} else {
				cur[j+1] = max(prev[j+1], cur[j])
			}
		}
		prev, cur = cur, prev
	}

	lcs := float64(prev[len(b)])
	if lcs == 0 {
		return 0
	}

	precision := lcs / float64(len(a))
	recall := lcs / float64(len(b))
	return 2 * precision * recall / (precision + recall)
}

// rowTokens returns the argmax predictions and targets of row r at the
// positions that are not ignored.
func rowTokens(logits *model.Logits, targets []int32, r int) (prediction, reference []int32) {
	for t := range logits.Cols {
		target := targets[r*logits.Cols+t]
		if target == model.IgnoreIndex {
			continue
		}

		prediction = append(prediction, model.Argmax(logits.At(r, t)))
		reference = append(reference, target)
	}
	return prediction, reference
}

const bleuOrder = 4

type ngram [bleuOrder]int32

func ngrams(ids []int32, n int) map[ngram]int {
	counts := make(map[ngram]int)
	for i := 0; i+n <= len(ids); i++ {
		var g ngram
		copy(g[:], ids[i:i+n])
		counts[g]++
	}
	return counts
}

// BLEU is corpus BLEU-4 between the argmax predictions and the targets of
// every row, in [0, 1]. Orders with no matches are smoothed exponentially and
// orders longer than every prediction are skipped.
type BLEU struct {
	matches, totals [bleuOrder]int
	predLen, refLen int
}

func (*BLEU) Name() string {
	return "bleu"
}

func (m *BLEU) Reset() {
	*m = BLEU{}
}

func (m *BLEU) Update(logits *model.Logits, targets []int32) {
	for r := range logits.Rows {
		prediction, reference := rowTokens(logits, targets, r)
		if len(reference) == 0 {
			continue
		}

		m.predLen += len(prediction)
		m.refLen += len(reference)
		for n := 1; n <= bleuOrder; n++ {
			ref := ngrams(reference, n)
			for g, c := range ngrams(prediction, n) {
				m.matches[n-1] += min(c, ref[g])
				m.totals[n-1] += c
			}
		}
	}
}

func (m *BLEU) Compute() float64 {
	var logSum float64
	var orders int
	smooth := 1.0
	for n := range bleuOrder {
		if m.totals[n] == 0 {
			break
		}

		p := float64(m.matches[n]) / float64(m.totals[n])
		if m.matches[n] == 0 {
			smooth *= 2
			p = 1 / (smooth * float64(m.totals[n]))
		}

		logSum += math.Log(p)
		orders++
	}

	if orders == 0 {
		return 0
	}

	brevity := 1.0
	if m.predLen < m.refLen {
		brevity = math.Exp(1 - float64(m.refLen)/float64(m.predLen))
	}

	return brevity * math.Exp(logSum/float64(orders))
}
