package fabric

import (
	"context"
	"fmt"
	"sync"
)

// group coordinates the ranks of one process. Every rank must call the same
// collectives in the same order.
type group struct {
	size int

	mu      sync.Mutex
	arrived int
	release chan struct{}

	parts [][]float32
}

func newGroup(size int) *group {
	return &group{
		size:    size,
		release: make(chan struct{}),
		parts:   make([][]float32, size),
	}
}

// barrier blocks until every rank has called it or ctx is done.
func (g *group) barrier(ctx context.Context) error {
	g.mu.Lock()
	ch := g.release
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.release = make(chan struct{})
		close(ch)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// allReduceMean replaces x on every rank with the element-wise mean over
// ranks. Contributions are summed in rank order so every rank ends with
// bit-identical values.
func (g *group) allReduceMean(ctx context.Context, rank int, x []float32) error {
	g.parts[rank] = append(g.parts[rank][:0], x...)
	if err := g.barrier(ctx); err != nil {
		return err
	}

	for r, part := range g.parts {
		if len(part) != len(x) {
			return fmt.Errorf("all-reduce: rank %d sent %d values, rank %d sent %d", r, len(part), rank, len(x))
		}
	}

	n := float32(g.size)
	for i := range x {
		var sum float32
		for _, part := range g.parts {
			sum += part[i]
		}
		x[i] = sum / n
	}

	// nobody may overwrite a contribution until every rank has read them all
	return g.barrier(ctx)
}
