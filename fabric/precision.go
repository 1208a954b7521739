package fabric

import (
	"fmt"
	"log/slog"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/finetune/format"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/quant"
)

// DType names a floating point storage type the way safetensors does.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	default:
		return "F32"
	}
}

func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

// Round replaces every value of x with the nearest value representable in d.
func (d DType) Round(x []float32) {
	switch d {
	case DTypeF16:
		for i, v := range x {
			x[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		copy(x, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(x)))
	}
}

// Module is the part of a model a precision plugin or strategy configures.
type Module interface {
	Parameters() []*model.Parameter
	LinearWeights() []*model.Parameter
	SetActivationHook(func([]float32))
	SetActivationCheckpointing(bool)
}

// PrecisionPlugin controls the numeric types of parameters and activations.
type PrecisionPlugin interface {
	String() string
	// DType is the storage type of parameters and of saved checkpoints.
	DType() DType
	// Convert prepares the module's weights and installs activation rounding.
	Convert(m Module) error
	// AfterStep brings updated parameters back to the storage type.
	AfterStep(params []*model.Parameter)
}

// TruePrecision stores parameters and computes activations in one type.
type TruePrecision struct {
	Precision Precision
}

func (p *TruePrecision) String() string {
	return string(p.Precision)
}

func (p *TruePrecision) DType() DType {
	return p.Precision.DType()
}

func (p *TruePrecision) Convert(m Module) error {
	d := p.DType()
	if d == DTypeF32 {
		return nil
	}

	for _, param := range m.Parameters() {
		d.Round(param.Data)
	}

	m.SetActivationHook(d.Round)
	return nil
}

func (p *TruePrecision) AfterStep(params []*model.Parameter) {
	for _, param := range params {
		p.DType().Round(param.Data)
	}
}

// MixedPrecision keeps float32 weights and rounds activations.
type MixedPrecision struct {
	Precision Precision
}

func (p *MixedPrecision) String() string {
	return string(p.Precision)
}

func (p *MixedPrecision) DType() DType {
	return DTypeF32
}

func (p *MixedPrecision) Convert(m Module) error {
	d := p.Precision.ActivationDType()
	m.SetActivationHook(d.Round)
	return nil
}

func (p *MixedPrecision) AfterStep([]*model.Parameter) {}

// BitsandbytesPrecision quantizes frozen linear weights and computes in the
// type of a true precision.
type BitsandbytesPrecision struct {
	Quantization Quantization
	Compute      TruePrecision
}

func (p *BitsandbytesPrecision) String() string {
	return fmt.Sprintf("%s (%s)", p.Quantization, p.Compute.Precision)
}

func (p *BitsandbytesPrecision) DType() DType {
	return p.Compute.DType()
}

func (p *BitsandbytesPrecision) Convert(m Module) error {
	opts, ok := p.Quantization.Options()
	if !ok {
		return fmt.Errorf("%s does not quantize", p.Quantization)
	}

	var before, after int
	for _, w := range m.LinearWeights() {
		if w.RequiresGrad || w.Meta() {
			continue
		}

		q, err := quant.Quantize(w.Data, w.Shape[0], w.Shape[1], opts)
		if err != nil {
			return fmt.Errorf("%s: %w", w.Name, err)
		}

		before += 4 * w.Numel()
		after += q.Bytes()
		copy(w.Data, q.Dequantize())
	}

	slog.Debug("quantized frozen weights", "type", p.Quantization, "before", format.Memory(before), "after", format.Memory(after))
	return p.Compute.Convert(m)
}

func (p *BitsandbytesPrecision) AfterStep(params []*model.Parameter) {
	p.Compute.AfterStep(params)
}
