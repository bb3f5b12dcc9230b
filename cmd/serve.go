package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harvestio/harvester/internal/api"
	"github.com/harvestio/harvester/internal/dispatcher"
	"github.com/harvestio/harvester/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl service",
		Long: `Consumes crawl jobs from the configured queue with a worker pool and
serves the operational HTTP endpoints (health, metrics, per-domain policy
administration) until interrupted.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workers := make([]*worker.Worker, 0, a.Cfg.Crawler.QueueWorkerCount)
			for i := 0; i < a.Cfg.Crawler.QueueWorkerCount; i++ {
				workers = append(workers, worker.New(
					worker.Config{ResultTopic: a.Cfg.PubSub.ResultTopic},
					a.Queue,
					a.Orchestrator,
					a.Publisher,
					nil,
					a.Logger,
				))
			}
			d := dispatcher.New(workers, a.Logger)
			ops := api.NewServer(a.Breaker, a.Limiter, a.Governor, a.Logger)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return d.Run(ctx) })
			g.Go(func() error { return ops.Serve(ctx, a.Cfg.Server.Port) })

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
