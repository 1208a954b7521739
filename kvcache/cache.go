package kvcache

import (
	"errors"
)

var (
	ErrKvCacheFull = errors.New("could not find a kv cache slot")
	ErrNotInit     = errors.New("kv cache is not initialized")
)

type Cache interface {
	// ** used by model implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the key and value history of the active layer, each
	// [length, width] in row-major order
	Get() (keys, values []float32)

	// Put stores rows of key and value for the active layer starting at
	// position pos. pos may not be past the current length of the layer.
	Put(pos int, key, value []float32) error

	// ** cache management **

	// Init allocates storage for layers of capacity positions of width floats
	Init(layers, width, capacity int)

	// Close releases the storage
	Close()

	// Remove truncates every layer to begin positions
	Remove(begin int) error
}
