// Package errtypes contains custom error types
package errtypes

import (
	"errors"
	"fmt"
	"strings"
)

const (
	EmptyDatasetErrMsg   = "dataset is empty"
	CheckpointLoadErrMsg = "failed to load checkpoint"
)

// ErrConfiguration is the root of every error raised because the requested
// combination of devices, quantization, precision or hyperparameters cannot run.
// These are always returned before any device work begins.
var ErrConfiguration = errors.New("invalid configuration")

type UnsupportedConfigurationError struct {
	Devices  int
	Quantize string
}

func (e *UnsupportedConfigurationError) Error() string {
	return fmt.Sprintf("quantization %q is not supported for multi-device training (devices=%d), set devices=1", e.Quantize, e.Devices)
}

func (e *UnsupportedConfigurationError) Unwrap() error {
	return ErrConfiguration
}

type IncompatiblePrecisionError struct {
	Quantize  string
	Precision string
}

func (e *IncompatiblePrecisionError) Error() string {
	return fmt.Sprintf("quantization %q and mixed precision %q are not supported together", e.Quantize, e.Precision)
}

func (e *IncompatiblePrecisionError) Unwrap() error {
	return ErrConfiguration
}

type InvalidHyperparameterError struct {
	Name   string
	Reason string
}

func (e *InvalidHyperparameterError) Error() string {
	return fmt.Sprintf("invalid hyperparameter %q: %s", e.Name, e.Reason)
}

func (e *InvalidHyperparameterError) Unwrap() error {
	return ErrConfiguration
}

type EmptyDatasetError struct {
	Split string
}

func (e *EmptyDatasetError) Error() string {
	if e.Split == "" {
		return EmptyDatasetErrMsg
	}
	return fmt.Sprintf("%s %s", strings.TrimSpace(e.Split), EmptyDatasetErrMsg)
}

type CheckpointLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CheckpointLoadError) Error() string {
	msg := fmt.Sprintf("%s %q: %s", CheckpointLoadErrMsg, e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckpointLoadError) Unwrap() error {
	return e.Err
}
