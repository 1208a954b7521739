package fabric

import (
	"fmt"
	"strings"

	"github.com/ollama/finetune/quant"
)

// Quantization is the closed set of base-weight quantization modes.
type Quantization int

const (
	QuantizeNone Quantization = iota
	QuantizeNF4
	QuantizeNF4DQ
	QuantizeFP4
	QuantizeFP4DQ
	QuantizeInt8Training
)

var quantizations = []struct {
	q       Quantization
	name    string
	aliases []string
}{
	{QuantizeNone, "none", []string{""}},
	{QuantizeNF4, "bnb.nf4", []string{"4-bit", "nf4"}},
	{QuantizeNF4DQ, "bnb.nf4-dq", []string{"4-bit-double-quant", "nf4-dq"}},
	{QuantizeFP4, "bnb.fp4", []string{"fp4"}},
	{QuantizeFP4DQ, "bnb.fp4-dq", []string{"fp4-dq"}},
	{QuantizeInt8Training, "bnb.int8-training", []string{"8-bit-training", "int8-training"}},
}

func ParseQuantization(s string) (Quantization, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, q := range quantizations {
		if s == q.name {
			return q.q, nil
		}

		for _, alias := range q.aliases {
			if s == alias {
				return q.q, nil
			}
		}
	}

	return QuantizeNone, fmt.Errorf("unknown quantization %q", s)
}

func (q Quantization) String() string {
	for _, e := range quantizations {
		if e.q == q {
			return e.name
		}
	}
	return fmt.Sprintf("Quantization(%d)", int(q))
}

// Options returns the block quantization settings for q.
func (q Quantization) Options() (quant.Options, bool) {
	switch q {
	case QuantizeNF4:
		return quant.Options{Type: quant.NF4}, true
	case QuantizeNF4DQ:
		return quant.Options{Type: quant.NF4, DoubleQuant: true}, true
	case QuantizeFP4:
		return quant.Options{Type: quant.FP4}, true
	case QuantizeFP4DQ:
		return quant.Options{Type: quant.FP4, DoubleQuant: true}, true
	case QuantizeInt8Training:
		return quant.Options{Type: quant.Int8}, true
	case QuantizeNone:
		return quant.Options{}, false
	default:
		panic(fmt.Sprintf("unhandled quantization %d", int(q)))
	}
}

type Precision string

const (
	Precision32True    Precision = "32-true"
	Precision16True    Precision = "16-true"
	PrecisionBF16True  Precision = "bf16-true"
	Precision16Mixed   Precision = "16-mixed"
	PrecisionBF16Mixed Precision = "bf16-mixed"
)

func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case Precision32True, Precision16True, PrecisionBF16True, Precision16Mixed, PrecisionBF16Mixed:
		return p, nil
	case "":
		return Precision32True, nil
	case "32", "32-bit":
		return Precision32True, nil
	default:
		return "", fmt.Errorf("unknown precision %q", s)
	}
}

func (p Precision) Mixed() bool {
	return strings.HasSuffix(string(p), "-mixed")
}

// DType is the storage type of parameters under p.
func (p Precision) DType() DType {
	switch p {
	case Precision16True:
		return DTypeF16
	case PrecisionBF16True:
		return DTypeBF16
	default:
		return DTypeF32
	}
}

// ActivationDType is the type activations are computed in under p.
func (p Precision) ActivationDType() DType {
	switch p {
	case Precision16True, Precision16Mixed:
		return DTypeF16
	case PrecisionBF16True, PrecisionBF16Mixed:
		return DTypeBF16
	default:
		return DTypeF32
	}
}
