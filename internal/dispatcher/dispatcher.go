// Package dispatcher fans a fixed pool of queue consumers out over the job
// transport.
package dispatcher

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harvestio/harvester/internal/worker"
)

// Dispatcher owns a pool of workers sharing one queue.
type Dispatcher struct {
	workers []*worker.Worker
	logger  *zap.Logger
}

// New builds a Dispatcher over an already-constructed worker pool.
func New(workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}
}

// Run blocks until ctx ends or a worker fails. All workers are stopped when
// any one of them returns an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", zap.Int("workers", len(d.workers)))

	g, ctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() error {
			d.logger.Debug("worker started", zap.Int("worker", i))
			return w.Run(ctx)
		})
	}
	err := g.Wait()
	d.logger.Info("dispatcher stopped", zap.Error(err))
	return err
}
