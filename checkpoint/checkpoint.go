// Package checkpoint saves adapter weights and loads base weights in the
// safetensors format.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/ollama/finetune/config"
	"github.com/ollama/finetune/fabric"
	"github.com/ollama/finetune/model"
	"github.com/ollama/finetune/types/errtypes"
)

const (
	// BaseFile holds the full weights of a base checkpoint directory.
	BaseFile = "model.safetensors"
	// FinalFile is the adapter written once training completes.
	FinalFile = "lit_model_lora_finetuned.safetensors"

	Format = "lora"
)

func IterPath(out string, iter int) string {
	return filepath.Join(out, fmt.Sprintf("iter-%06d-ckpt.safetensors", iter))
}

func FinalPath(out string) string {
	return filepath.Join(out, FinalFile)
}

// Metadata returns the header metadata recorded with an adapter.
func Metadata(lora config.LoRA, iter int) map[string]string {
	return map[string]string{
		"format":     Format,
		"lora_r":     strconv.Itoa(lora.R),
		"lora_alpha": strconv.Itoa(lora.Alpha),
		"iter":       strconv.Itoa(iter),
	}
}

// SaveLoRA writes the adapter parameters to path on rank zero. Tensors are
// stored in the dtype of the precision plugin.
func SaveLoRA(f *fabric.Fabric, params []*model.Parameter, path string, metadata map[string]string) error {
	return f.Save(func() error {
		f.Print("Saving LoRA weights", "path", path)
		return Save(path, model.StateDict(params, model.LoRAFilter), f.Precision.DType(), metadata)
	})
}

// Save atomically writes params to path. A reader never sees a partial file.
func Save(path string, params map[string]*model.Parameter, dtype fabric.DType, metadata map[string]string) error {
	tensors := make(map[string]Tensor, len(params))
	for name, p := range params {
		if p.Meta() {
			return fmt.Errorf("%s: cannot save meta parameter", name)
		}
		tensors[name] = Tensor{Shape: p.Shape, Data: p.Data}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// the rename is only atomic within one filesystem
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.partial")
	if err != nil {
		return err
	}
	defer os.Remove(temp.Name())
	defer temp.Close()

	w := bufio.NewWriter(temp)
	if err := WriteSafetensors(w, tensors, dtype, metadata); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	if err := temp.Sync(); err != nil {
		return err
	}

	if err := temp.Close(); err != nil {
		return err
	}

	return os.Rename(temp.Name(), path)
}

// SaveBase writes a full base checkpoint directory: config.json and
// model.safetensors.
func SaveBase(dir string, c *model.Config, params []*model.Parameter) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := c.Save(filepath.Join(dir, model.ConfigFile)); err != nil {
		return err
	}

	keep := func(name string) bool { return !model.LoRAFilter(name) }
	return Save(filepath.Join(dir, BaseFile), model.StateDict(params, keep), fabric.DTypeF32, nil)
}

// CheckValidCheckpointDir reports a CheckpointLoadError when dir is not a base
// checkpoint directory.
func CheckValidCheckpointDir(dir string) error {
	for _, name := range []string{model.ConfigFile, BaseFile} {
		fi, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return &errtypes.CheckpointLoadError{
				Path:   dir,
				Reason: fmt.Sprintf("missing %s, run `finetune init --checkpoint-dir %s` to create one", name, dir),
			}
		} else if err != nil {
			return &errtypes.CheckpointLoadError{Path: dir, Reason: "stat " + name, Err: err}
		}

		if fi.IsDir() {
			return &errtypes.CheckpointLoadError{Path: dir, Reason: name + " is a directory"}
		}
	}

	return nil
}

// LoadBase copies the base weights in dir into params. Parameters absent from
// the file are left as initialized unless strict is set. Tensors without a
// matching parameter are an error only when strict is set.
func LoadBase(dir string, params []*model.Parameter, strict bool) error {
	return load(filepath.Join(dir, BaseFile), params, strict)
}

// LoadLoRA copies an adapter checkpoint into the matching parameters and
// returns its metadata.
func LoadLoRA(path string, params []*model.Parameter) (map[string]string, error) {
	adapters := slices.DeleteFunc(slices.Clone(params), func(p *model.Parameter) bool {
		return !model.LoRAFilter(p.Name)
	})

	var metadata map[string]string
	err := loadWith(path, adapters, true, func(m map[string]string) { metadata = m })
	return metadata, err
}

func load(path string, params []*model.Parameter, strict bool) error {
	return loadWith(path, params, strict, nil)
}

func loadWith(path string, params []*model.Parameter, strict bool, withMetadata func(map[string]string)) error {
	f, err := os.Open(path)
	if err != nil {
		return &errtypes.CheckpointLoadError{Path: path, Reason: "open", Err: err}
	}
	defer f.Close()

	tensors, metadata, err := ReadSafetensors(bufio.NewReader(f))
	if err != nil {
		return &errtypes.CheckpointLoadError{Path: path, Reason: "decode safetensors", Err: err}
	}

	var missing []string
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		delete(tensors, p.Name)

		if !slices.Equal(t.Shape, p.Shape) {
			return &errtypes.CheckpointLoadError{
				Path:   path,
				Reason: fmt.Sprintf("%s: shape %v does not match parameter shape %v", p.Name, t.Shape, p.Shape),
			}
		}

		if p.Meta() {
			continue
		}
		copy(p.Data, t.Data)
	}

	if strict && len(missing) > 0 {
		return &errtypes.CheckpointLoadError{Path: path, Reason: fmt.Sprintf("missing tensors %v", missing)}
	}

	if strict && len(tensors) > 0 {
		unexpected := make([]string, 0, len(tensors))
		for name := range tensors {
			unexpected = append(unexpected, name)
		}
		slices.Sort(unexpected)
		return &errtypes.CheckpointLoadError{Path: path, Reason: fmt.Sprintf("unexpected tensors %v", unexpected)}
	}

	if withMetadata != nil {
		withMetadata(metadata)
	}

	return nil
}
