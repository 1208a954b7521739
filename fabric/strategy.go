package fabric

import (
	"context"
	"fmt"

	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/types/errtypes"
)

// Strategy decides how ranks share gradients and state.
type Strategy interface {
	String() string
	WorldSize() int
	// Setup configures the module once per rank before training.
	Setup(m Module) error
	// NoBackwardSync runs fn with gradient synchronization suspended for
	// rank when enabled.
	NoBackwardSync(rank int, enabled bool, fn func() error) error
	// Backward runs backward and synchronizes the gradients of params
	// across ranks unless synchronization is suspended for rank.
	Backward(ctx context.Context, rank int, backward func() error, params []*model.Parameter) error
	Barrier(ctx context.Context) error
}

// SingleDeviceStrategy runs one rank. Every collective is a no-op.
type SingleDeviceStrategy struct{}

func (SingleDeviceStrategy) String() string {
	return "single-device"
}

func (SingleDeviceStrategy) WorldSize() int {
	return 1
}

func (SingleDeviceStrategy) Setup(Module) error {
	return nil
}

func (SingleDeviceStrategy) NoBackwardSync(_ int, _ bool, fn func() error) error {
	return fn()
}

func (SingleDeviceStrategy) Backward(_ context.Context, _ int, backward func() error, _ []*model.Parameter) error {
	return backward()
}

func (SingleDeviceStrategy) Barrier(context.Context) error {
	return nil
}

type StateDictType string

const (
	StateDictFull    StateDictType = "full"
	StateDictSharded StateDictType = "sharded"
)

// FSDPStrategy keeps a full replica per rank, averages gradients at
// synchronization points and recomputes block activations during backward.
type FSDPStrategy struct {
	Devices                 int
	StateDict               StateDictType
	ActivationCheckpointing bool

	group     *group
	suspended []bool
}

func NewFSDPStrategy(devices int) *FSDPStrategy {
	return &FSDPStrategy{
		Devices:                 devices,
		StateDict:               StateDictFull,
		ActivationCheckpointing: true,
		group:                   newGroup(devices),
		suspended:               make([]bool, devices),
	}
}

func (s *FSDPStrategy) String() string {
	return fmt.Sprintf("fsdp(devices=%d, state_dict=%s)", s.Devices, s.StateDict)
}

func (s *FSDPStrategy) WorldSize() int {
	return s.Devices
}

func (s *FSDPStrategy) Setup(m Module) error {
	m.SetActivationCheckpointing(s.ActivationCheckpointing)
	return nil
}

func (s *FSDPStrategy) NoBackwardSync(rank int, enabled bool, fn func() error) error {
	prev := s.suspended[rank]
	s.suspended[rank] = enabled
	defer func() { s.suspended[rank] = prev }()
	return fn()
}

func (s *FSDPStrategy) Backward(ctx context.Context, rank int, backward func() error, params []*model.Parameter) error {
	if err := backward(); err != nil {
		return err
	}

	if s.suspended[rank] {
		return nil
	}

	return s.sync(ctx, rank, params)
}

// sync averages the gradients of params over every rank.
func (s *FSDPStrategy) sync(ctx context.Context, rank int, params []*model.Parameter) error {
	var n int
	for _, p := range params {
		n += p.Numel()
	}

	flat := make([]float32, 0, n)
	for _, p := range params {
		if p.Grad == nil {
			flat = append(flat, make([]float32, p.Numel())...)
		} else {
			flat = append(flat, p.Grad...)
		}
	}

	if err := s.group.allReduceMean(ctx, rank, flat); err != nil {
		return err
	}

	for _, p := range params {
		if p.Grad == nil {
			p.Grad = make([]float32, p.Numel())
		}
		flat = flat[copy(p.Grad, flat):]
	}

	return nil
}

func (s *FSDPStrategy) Barrier(ctx context.Context) error {
	return s.group.barrier(ctx)
}

// SelectStrategy picks the sharding strategy and precision plugin for a run.
// Unsupported combinations fail before any rank starts.
func SelectStrategy(devices int, q Quantization, p Precision) (Strategy, PrecisionPlugin, error) {
	if devices < 1 {
		return nil, nil, fmt.Errorf("%w: devices must be at least 1, got %d", errtypes.ErrConfiguration, devices)
	}

	if _, err := ParsePrecision(string(p)); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errtypes.ErrConfiguration, err)
	}

	var plugin PrecisionPlugin
	switch q {
	case QuantizeNone:
		if p.Mixed() {
			plugin = &MixedPrecision{Precision: p}
		} else {
			plugin = &TruePrecision{Precision: p}
		}
	case QuantizeNF4, QuantizeNF4DQ, QuantizeFP4, QuantizeFP4DQ, QuantizeInt8Training:
		if devices > 1 {
			return nil, nil, &errtypes.UnsupportedConfigurationError{Devices: devices, Quantize: q.String()}
		}

		if p.Mixed() {
			return nil, nil, &errtypes.IncompatiblePrecisionError{Quantize: q.String(), Precision: string(p)}
		}

		plugin = &BitsandbytesPrecision{Quantization: q, Compute: TruePrecision{Precision: p}}
	default:
		return nil, nil, fmt.Errorf("%w: unknown quantization %d", errtypes.ErrConfiguration, int(q))
	}

	if devices > 1 {
		return NewFSDPStrategy(devices), plugin, nil
	}

	return SingleDeviceStrategy{}, plugin, nil
}
