// Package dataset stores pre-tokenized instruction examples as CBOR.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/finetune/types/errtypes"
)

// IgnoreIndex marks a label position that does not contribute to the loss.
const IgnoreIndex int32 = -1

const (
	TrainFile = "train.cbor"
	ValFile   = "val.cbor"
)

type Example struct {
	InputIDs []int32 `cbor:"input_ids"`
	Labels   []int32 `cbor:"labels"`
}

func (e Example) Len() int {
	return len(e.InputIDs)
}

func (e Example) Validate() error {
	if len(e.InputIDs) == 0 {
		return errors.New("example has no tokens")
	}

	if len(e.InputIDs) != len(e.Labels) {
		return fmt.Errorf("input_ids and labels differ in length: %d != %d", len(e.InputIDs), len(e.Labels))
	}

	return nil
}

func Load(path string) ([]Example, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var examples []Example
	if err := cbor.Unmarshal(bts, &examples); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	for i, e := range examples {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%s: example %d: %w", path, i, err)
		}
	}

	return examples, nil
}

func Save(path string, examples []Example) error {
	bts, err := cbor.Marshal(examples)
	if err != nil {
		return err
	}

	return os.WriteFile(path, bts, 0o644)
}

// LoadSplits reads the train and validation sets from dir. Either being empty is
// an EmptyDatasetError.
func LoadSplits(dir string) (train, val []Example, err error) {
	train, err = Load(filepath.Join(dir, TrainFile))
	if err != nil {
		return nil, nil, err
	}

	if len(train) == 0 {
		return nil, nil, &errtypes.EmptyDatasetError{Split: "train"}
	}

	val, err = Load(filepath.Join(dir, ValFile))
	if err != nil {
		return nil, nil, err
	}

	if len(val) == 0 {
		return nil, nil, &errtypes.EmptyDatasetError{Split: "validation"}
	}

	return train, val, nil
}

// LongestSeqLength returns the length and index of the first longest example.
// It is the minimum max sequence length the model needs during fine-tuning.
func LongestSeqLength(data []Example) (length, index int) {
	index = -1
	for i, e := range data {
		if e.Len() > length {
			length, index = e.Len(), i
		}
	}

	return length, index
}
