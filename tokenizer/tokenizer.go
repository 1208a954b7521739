// Package tokenizer implements a byte-level tokenizer. Ids 0..2 are the pad,
// bos and eos specials; every byte b maps to id b+3.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	PadID int32 = iota
	BOSID
	EOSID

	byteOffset = 3
	VocabSize  = 256 + byteOffset
)

const configFile = "tokenizer_config.json"

type Tokenizer struct {
	BOS int32 `json:"bos_token_id"`
	EOS int32 `json:"eos_token_id"`
}

func New() *Tokenizer {
	return &Tokenizer{BOS: BOSID, EOS: EOSID}
}

// Load reads tokenizer_config.json from dir when present.
func Load(dir string) (*Tokenizer, error) {
	t := New()

	bts, err := os.ReadFile(filepath.Join(dir, configFile))
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	} else if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bts, t); err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}

	for _, id := range []int32{t.BOS, t.EOS} {
		if id < 0 || id >= byteOffset {
			return nil, fmt.Errorf("%s: special token id %d out of range", configFile, id)
		}
	}

	return t, nil
}

// Save writes the special token ids to dir.
func (t *Tokenizer) Save(dir string) error {
	bts, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, configFile), bts, 0o644)
}

func (t *Tokenizer) VocabSize() int {
	return VocabSize
}

func (t *Tokenizer) Encode(s string, bos, eos bool) []int32 {
	ids := make([]int32, 0, len(s)+2)
	if bos {
		ids = append(ids, t.BOS)
	}

	for _, b := range []byte(s) {
		ids = append(ids, int32(b)+byteOffset)
	}

	if eos {
		ids = append(ids, t.EOS)
	}

	return ids
}

// Decode drops special and out-of-range ids.
func (t *Tokenizer) Decode(ids []int32) string {
	bts := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= byteOffset && id < VocabSize {
			bts = append(bts, byte(id-byteOffset))
		}
	}

	return string(bts)
}

// EOSToken is the id that ends a generation.
func (t *Tokenizer) EOSToken() int32 {
	return t.EOS
}
