// Package fabric runs one training function per device and provides the
// collectives, seeding and precision handling the ranks share.
package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/finetune/model"
)

// Fabric is the view of the run held by one rank.
type Fabric struct {
	Strategy  Strategy
	Precision PrecisionPlugin

	rank   int
	logger *slog.Logger
}

// Launch runs fn once per rank and waits for all of them. The first error
// cancels the context passed to the other ranks.
func Launch(ctx context.Context, strategy Strategy, precision PrecisionPlugin, fn func(context.Context, *Fabric) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := range strategy.WorldSize() {
		f := &Fabric{
			Strategy:  strategy,
			Precision: precision,
			rank:      rank,
			logger:    slog.With("rank", rank),
		}

		g.Go(func() error {
			if err := fn(ctx, f); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (f *Fabric) Rank() int {
	return f.rank
}

func (f *Fabric) WorldSize() int {
	return f.Strategy.WorldSize()
}

func (f *Fabric) IsGlobalZero() bool {
	return f.rank == 0
}

// Print logs msg on rank zero only.
func (f *Fabric) Print(msg string, args ...any) {
	if f.IsGlobalZero() {
		f.logger.Info(msg, args...)
	}
}

// Logger returns the rank's logger.
func (f *Fabric) Logger() *slog.Logger {
	return f.logger
}

// Seed returns a generator seeded deterministically from seed.
func (f *Fabric) Seed(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

// Setup applies the strategy and precision plugin to m.
func (f *Fabric) Setup(m Module) error {
	if err := f.Strategy.Setup(m); err != nil {
		return err
	}

	return f.Precision.Convert(m)
}

func (f *Fabric) NoBackwardSync(enabled bool, fn func() error) error {
	return f.Strategy.NoBackwardSync(f.rank, enabled, fn)
}

func (f *Fabric) Backward(ctx context.Context, backward func() error, params []*model.Parameter) error {
	return f.Strategy.Backward(ctx, f.rank, backward, params)
}

func (f *Fabric) Barrier(ctx context.Context) error {
	return f.Strategy.Barrier(ctx)
}

// Save calls write on rank zero only. Other ranks return immediately.
func (f *Fabric) Save(write func() error) error {
	if !f.IsGlobalZero() {
		return nil
	}
	return write()
}
