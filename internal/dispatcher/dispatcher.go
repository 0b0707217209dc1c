// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/page-acquisition/internal/metrics"
)

// Runner consumes the queue until ctx finishes.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans out queue consumption to a fixed number of goroutines sharing one Runner.
type Dispatcher struct {
	runner      Runner
	concurrency int
	logger      *zap.Logger
}

// New creates a Dispatcher. A non-positive concurrency runs a single consumer.
func New(runner Runner, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runner: runner, concurrency: concurrency, logger: logger.Named("dispatcher")}
}

// Run starts the consumers and blocks until all of them return. The first consumer error
// cancels the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range d.concurrency {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			if err := d.runner.Run(gctx); err != nil {
				return fmt.Errorf("consumer %d: %w", i, err)
			}
			return nil
		})
	}
	d.logger.Info("consumers started", zap.Int("concurrency", d.concurrency))
	err := g.Wait()
	d.logger.Info("consumers stopped", zap.Error(err))
	return err
}
