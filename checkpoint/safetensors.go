package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/ollama/finetune/fabric"
)

const metadataKey = "__metadata__"

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// Tensor is a named float32 array with its shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// WriteSafetensors encodes tensors in sorted key order as dtype.
func WriteSafetensors(w io.Writer, tensors map[string]Tensor, dtype fabric.DType, metadata map[string]string) error {
	keys := maps.Keys(tensors)
	slices.Sort(keys)

	header := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, key := range keys {
		t := tensors[key]
		if n := numel(t.Shape); n != len(t.Data) {
			return fmt.Errorf("%s: shape %v holds %d elements, got %d", key, t.Shape, n, len(t.Data))
		}

		size := int64(len(t.Data) * dtype.Size())
		header[key] = safetensorMetadata{
			Type:    dtype.String(),
			Shape:   t.Shape,
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// header is padded with spaces to an 8 byte boundary
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, key := range keys {
		if err := writeData(w, tensors[key].Data, dtype); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

func writeData(w io.Writer, data []float32, dtype fabric.DType) error {
	switch dtype {
	case fabric.DTypeF32:
		return binary.Write(w, binary.LittleEndian, data)
	case fabric.DTypeF16:
		u16s := make([]uint16, len(data))
		for i, v := range data {
			u16s[i] = float16.Fromfloat32(v).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case fabric.DTypeBF16:
		_, err := w.Write(bfloat16.EncodeFloat32(data))
		return err
	default:
		return fmt.Errorf("unknown data type: %s", dtype)
	}
}

// ReadSafetensors decodes every tensor in r to float32 and returns the
// header metadata.
func ReadSafetensors(r io.Reader) (map[string]Tensor, map[string]string, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}

	if n <= 0 || n > 100<<20 {
		return nil, nil, fmt.Errorf("invalid header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, nil, err
	}

	var raws map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raws); err != nil {
		return nil, nil, err
	}

	var metadata map[string]string
	if raw, ok := raws[metadataKey]; ok {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", metadataKey, err)
		}
		delete(raws, metadataKey)
	}

	headers := make(map[string]safetensorMetadata, len(raws))
	for name, raw := range raws {
		var v safetensorMetadata
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, fmt.Errorf("error unmarshalling tensor %q: %w", name, err)
		}

		if len(v.Offsets) != 2 || v.Offsets[0] < 0 || v.Offsets[1] < v.Offsets[0] {
			return nil, nil, fmt.Errorf("invalid offsets for %q: %v", name, v.Offsets)
		}

		headers[name] = v
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	tensors := make(map[string]Tensor, len(headers))
	for name, v := range headers {
		if v.Offsets[1] > int64(len(data)) {
			return nil, nil, fmt.Errorf("%s: data offset %d past end of file", name, v.Offsets[1])
		}

		f32s, err := decode(data[v.Offsets[0]:v.Offsets[1]], v.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}

		if len(f32s) != numel(v.Shape) {
			return nil, nil, fmt.Errorf("%s: shape %v does not match %d elements", name, v.Shape, len(f32s))
		}

		tensors[name] = Tensor{Shape: v.Shape, Data: f32s}
	}

	return tensors, metadata, nil
}

func decode(bts []byte, dtype string) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(bts)%4 != 0 {
			return nil, errors.New("truncated F32 data")
		}
		f32s := make([]float32, len(bts)/4)
		return f32s, binary.Read(bytes.NewReader(bts), binary.LittleEndian, f32s)
	case "F16":
		if len(bts)%2 != 0 {
			return nil, errors.New("truncated F16 data")
		}
		u16s := make([]uint16, len(bts)/2)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		if len(bts)%2 != 0 {
			return nil, errors.New("truncated BF16 data")
		}
		return bfloat16.DecodeFloat32(bts), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
