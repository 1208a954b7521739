package kvcache

import (
	"fmt"
)

// Causal stores keys and values by sequence position for a single sequence.
type Causal struct {
	keys, values [][]float32
	lengths      []int

	width    int
	capacity int

	// the active layer for Get and Put
	curLayer int
}

func NewCausalCache() *Causal {
	return &Causal{}
}

func (c *Causal) Init(layers, width, capacity int) {
	c.width = width
	c.capacity = capacity
	c.curLayer = 0
	c.keys = make([][]float32, layers)
	c.values = make([][]float32, layers)
	c.lengths = make([]int, layers)
	for i := range layers {
		c.keys[i] = make([]float32, width*capacity)
		c.values[i] = make([]float32, width*capacity)
	}
}

func (c *Causal) Close() {
	c.keys, c.values, c.lengths = nil, nil, nil
}

func (c *Causal) Capacity() int {
	return c.capacity
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Get() ([]float32, []float32) {
	if c.keys == nil {
		return nil, nil
	}

	n := c.lengths[c.curLayer] * c.width
	return c.keys[c.curLayer][:n], c.values[c.curLayer][:n]
}

func (c *Causal) Put(pos int, key, value []float32) error {
	if c.keys == nil {
		return ErrNotInit
	}

	if len(key) != len(value) || len(key)%c.width != 0 {
		return fmt.Errorf("kv cache: key and value must be multiples of width %d, got %d and %d", c.width, len(key), len(value))
	}

	rows := len(key) / c.width
	if pos+rows > c.capacity {
		return fmt.Errorf("%w: position %d with %d rows exceeds capacity %d", ErrKvCacheFull, pos, rows, c.capacity)
	}

	if pos < 0 || pos > c.lengths[c.curLayer] {
		return fmt.Errorf("kv cache: position %d is not contiguous with length %d", pos, c.lengths[c.curLayer])
	}

	copy(c.keys[c.curLayer][pos*c.width:], key)
	copy(c.values[c.curLayer][pos*c.width:], value)
	c.lengths[c.curLayer] = pos + rows
	return nil
}

func (c *Causal) Remove(begin int) error {
	if c.keys == nil {
		return ErrNotInit
	}

	if begin < 0 {
		return fmt.Errorf("kv cache: invalid position %d", begin)
	}

	for i := range c.lengths {
		c.lengths[i] = min(c.lengths[i], begin)
	}

	return nil
}
