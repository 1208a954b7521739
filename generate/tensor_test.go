package generate

import "github.com/pdevine/tensor"

func tensorOf(ids []int32) *tensor.Dense {
	return tensor.New(tensor.WithShape(1, len(ids)), tensor.WithBacking(append([]int32(nil), ids...)))
}
