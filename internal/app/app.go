// Package app assembles the harvester's components from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/harvestio/harvester/internal/clock/system"
	"github.com/harvestio/harvester/internal/config"
	"github.com/harvestio/harvester/internal/content"
	"github.com/harvestio/harvester/internal/crawler"
	collyfetch "github.com/harvestio/harvester/internal/fetch/colly"
	"github.com/harvestio/harvester/internal/hash/xxhash"
	uuidgen "github.com/harvestio/harvester/internal/id/uuid"
	"github.com/harvestio/harvester/internal/logging"
	"github.com/harvestio/harvester/internal/orchestrator"
	"github.com/harvestio/harvester/internal/policy/breaker"
	"github.com/harvestio/harvester/internal/policy/ratelimit"
	"github.com/harvestio/harvester/internal/politeness"
	memqueue "github.com/harvestio/harvester/internal/queue/memory"
	psqueue "github.com/harvestio/harvester/internal/queue/pubsub"
	"github.com/harvestio/harvester/internal/retry"
	memsink "github.com/harvestio/harvester/internal/sink/memory"
	pgsink "github.com/harvestio/harvester/internal/sink/postgres"
	"github.com/harvestio/harvester/internal/storage/gcs"
	"github.com/harvestio/harvester/internal/storage/local"
	memstore "github.com/harvestio/harvester/internal/storage/memory"
	"github.com/harvestio/harvester/internal/urlnorm"
)

// App holds the assembled service graph.
type App struct {
	Cfg    config.Config
	Logger *zap.Logger

	Governor *politeness.Governor
	Limiter  *ratelimit.Limiter
	Breaker  *breaker.Breaker

	Queue        crawler.JobQueue
	Publisher    crawler.Publisher
	IDGen        crawler.IDGenerator
	Orchestrator *orchestrator.Orchestrator

	closers []func()
}

// New loads configuration and builds every component the commands need.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	a := &App{Cfg: cfg, Logger: logger, IDGen: uuidgen.New()}
	clk := system.New()

	a.Governor = politeness.New(politeness.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		CacheTTL:     time.Duration(cfg.Robots.CacheTTLHours) * time.Hour,
		FetchTimeout: time.Duration(cfg.Robots.FetchTimeoutSec) * time.Second,
		Respect:      cfg.Robots.Respect,
	}, clk, logger)

	perDomain := make(map[string]ratelimit.DomainConfig, len(cfg.RateRules))
	for domain, rule := range cfg.RateRules {
		perDomain[domain] = ratelimit.DomainConfig{
			RPS:      rule.RPS,
			Burst:    rule.Burst,
			MinDelay: time.Duration(rule.MinDelayMs) * time.Millisecond,
		}
	}
	a.Limiter = ratelimit.New(ratelimit.Config{
		RPS:       cfg.Rate.RPS,
		Burst:     cfg.Rate.Burst,
		MinDelay:  time.Duration(cfg.Rate.MinDelayMs) * time.Millisecond,
		PerDomain: perDomain,
	})

	a.Breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownSec) * time.Second,
	}, clk)

	retryPolicy := retry.New(retry.Config{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		JitterFraction: cfg.Retry.JitterFraction,
	})

	fetcher, err := collyfetch.New(collyfetch.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		RequestTimeout: cfg.Crawler.Timeout(),
		MaxBodyBytes:   int(cfg.Content.MaxBodyBytes),
		Concurrency:    cfg.Crawler.Workers,
		AcceptLanguage: cfg.Crawler.AcceptLanguage,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	docs, errs, err := a.buildSinks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Normalizer: urlnorm.New(cfg.Crawler.TrackingParams),
		Governor:   a.Governor,
		Limiter:    a.Limiter,
		Breaker:    a.Breaker,
		Retry:      retryPolicy,
		Fetcher:    fetcher,
		Documents:  docs,
		Errors:     errs,
		Blobs:      blobs,
		Hasher:     xxhash.New(),
		Clock:      clk,
		Logger:     logger,
	}, orchestrator.Options{
		Workers:              cfg.Crawler.Workers,
		PerDomainConcurrency: int64(cfg.Crawler.PerDomainMax),
		UserAgent:            cfg.Crawler.UserAgent,
		Content: content.Config{
			AllowedTypes: cfg.Content.AllowedTypes,
			MaxBodyBytes: cfg.Content.MaxBodyBytes,
		},
		Recrawl: cfg.Crawler.Recrawl,
	})

	return a, nil
}

func (a *App) buildBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.Cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn("close gcs client", zap.Error(err))
			}
		})
		return gcs.New(client, gcs.Config{Bucket: a.Cfg.Storage.GCSBucket})
	case "local":
		return local.New(a.Cfg.Storage.LocalDir)
	default:
		return memstore.New(), nil
	}
}

func (a *App) buildSinks(ctx context.Context) (crawler.DocumentSink, crawler.ErrorSink, error) {
	if a.Cfg.DB.DSN == "" {
		sink := memsink.New()
		return sink, sink, nil
	}
	sink, err := pgsink.New(ctx, pgsink.Config{
		DSN:           a.Cfg.DB.DSN,
		DocumentTable: a.Cfg.DB.DocumentTable,
		ErrorTable:    a.Cfg.DB.ErrorTable,
		MaxConns:      a.Cfg.DB.MaxConns,
		MinConns:      a.Cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, sink.Close)
	return sink, sink, nil
}

func (a *App) buildQueue(ctx context.Context) error {
	if a.Cfg.PubSub.ProjectID == "" {
		q := memqueue.New(a.Cfg.Crawler.QueueDepth)
		a.closers = append(a.closers, q.Close)
		a.Queue = q
		return nil
	}
	q, err := psqueue.New(ctx, psqueue.Config{
		ProjectID:      a.Cfg.PubSub.ProjectID,
		TopicID:        a.Cfg.PubSub.JobTopic,
		SubscriptionID: a.Cfg.PubSub.JobSub,
		MaxOutstanding: a.Cfg.PubSub.MaxOutstanding,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if err := q.Close(); err != nil {
			a.Logger.Warn("close pubsub queue", zap.Error(err))
		}
	})
	a.Queue = q

	if a.Cfg.PubSub.ResultTopic != "" {
		pub, err := psqueue.NewPublisher(ctx, a.Cfg.PubSub.ProjectID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				a.Logger.Warn("close pubsub publisher", zap.Error(err))
			}
		})
		a.Publisher = pub
	}
	return nil
}

// Close releases every component in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
