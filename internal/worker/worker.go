// Package worker consumes crawl jobs from the queue and drives the
// orchestrator, tallying outcomes and publishing a completion event per job.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/harvestio/harvester/internal/crawler"
	"github.com/harvestio/harvester/internal/orchestrator"
	"github.com/harvestio/harvester/internal/telemetry"
)

// JobResult is the completion event published when a job run finishes.
type JobResult struct {
	JobID      string              `json:"job_id"`
	Status     string              `json:"status"`
	Counters   crawler.JobCounters `json:"counters"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Job run statuses.
const (
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// Config wires a Worker.
type Config struct {
	// ResultTopic receives JobResult events; empty disables publishing.
	ResultTopic string
}

// Worker is one queue consumer.
type Worker struct {
	cfg       Config
	queue     crawler.JobQueue
	orch      *orchestrator.Orchestrator
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New builds a Worker.
func New(cfg Config, queue crawler.JobQueue, orch *orchestrator.Orchestrator, publisher crawler.Publisher, clock crawler.Clock, logger *zap.Logger) *Worker {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, queue: queue, orch: orch, publisher: publisher, clock: clock, logger: logger}
}

// Run consumes jobs until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, ack, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		w.handle(ctx, job)
		if ack != nil {
			ack()
		}
	}
}

// handle runs one job to completion, draining its event stream.
func (w *Worker) handle(ctx context.Context, job crawler.CrawlJob) {
	log := w.logger.With(zap.String("job_id", job.ID))
	log.Info("job started", zap.Int("seeds", len(job.Seeds)), zap.Int("max_depth", job.MaxDepth))

	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	started := w.clock.Now()
	var counters crawler.JobCounters

	for ev := range w.orch.Run(ctx, job) {
		counters.Observe(ev)
	}

	status := StatusCompleted
	if ctx.Err() != nil {
		status = StatusCanceled
	}
	telemetry.ObserveJob(status)

	result := JobResult{
		JobID:      job.ID,
		Status:     status,
		Counters:   counters,
		StartedAt:  started,
		FinishedAt: w.clock.Now(),
	}
	w.publishResult(ctx, log, result)

	log.Info("job finished",
		zap.String("status", status),
		zap.Int("indexed", counters.Indexed),
		zap.Int("failed", counters.Failed),
		zap.Int("skipped", counters.Skipped),
		zap.Int("retries", counters.Retries),
	)
}

func (w *Worker) publishResult(ctx context.Context, log *zap.Logger, result JobResult) {
	if w.publisher == nil || w.cfg.ResultTopic == "" {
		return
	}
	// Publish with a grace window even when the job was canceled.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.publisher.Publish(pubCtx, w.cfg.ResultTopic, result); err != nil {
		log.Warn("publish job result", zap.Error(err))
	}
}
