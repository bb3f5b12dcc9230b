// Package orchestrator runs crawl jobs end to end: it walks the frontier,
// applies politeness, rate, and breaker policy per domain, fetches with
// retries, filters content, persists documents, and emits one outcome event
// per dispatched URL.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/harvestio/harvester/internal/content"
	"github.com/harvestio/harvester/internal/crawler"
	"github.com/harvestio/harvester/internal/policy/breaker"
	"github.com/harvestio/harvester/internal/policy/ratelimit"
	"github.com/harvestio/harvester/internal/politeness"
	"github.com/harvestio/harvester/internal/retry"
	"github.com/harvestio/harvester/internal/scheduler"
	"github.com/harvestio/harvester/internal/telemetry"
	"github.com/harvestio/harvester/internal/urlnorm"
)

const (
	defaultWorkers       = 8
	defaultDomainWorkers = 2
	eventBuffer          = 64
)

// Deps are the collaborators one Orchestrator shares across job runs.
type Deps struct {
	Normalizer *urlnorm.Normalizer
	Governor   *politeness.Governor
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Retry      *retry.Policy
	Freshness  scheduler.FreshnessPolicy
	Fetcher    crawler.Fetcher
	Documents  crawler.DocumentSink
	Errors     crawler.ErrorSink
	Blobs      crawler.BlobStore
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Options tune per-run behavior.
type Options struct {
	// Workers is the global fetch concurrency per job run.
	Workers int
	// PerDomainConcurrency caps in-flight fetches against one domain.
	PerDomainConcurrency int64
	// UserAgent is used when the job does not override it.
	UserAgent string
	// Content is the filter policy applied to fetched bodies.
	Content content.Config
	// Recrawl keeps the run alive, revisiting indexed URLs on their
	// freshness schedule, until the context ends.
	Recrawl bool
}

type visitState struct {
	hash  string
	class scheduler.Class
}

// Orchestrator executes crawl jobs. Safe for concurrent Run calls; policy
// state (rate buckets, breaker circuits, robots cache, freshness classes) is
// shared across runs while frontier and dedup state is per run.
type Orchestrator struct {
	deps Deps
	opts Options

	visitMu sync.Mutex
	visits  map[string]visitState

	domSems sync.Map // domain -> *semaphore.Weighted
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New builds an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PerDomainConcurrency <= 0 {
		opts.PerDomainConcurrency = defaultDomainWorkers
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Freshness == nil {
		deps.Freshness = scheduler.ChangePolicy{}
	}
	return &Orchestrator{deps: deps, opts: opts, visits: make(map[string]visitState)}
}

// Run starts the job and returns its event stream. The stream carries
// exactly one terminal event per dispatched URL and is closed when the
// frontier drains or ctx ends. Re-running a job re-fetches from scratch; no
// state from a previous run is required.
func (o *Orchestrator) Run(ctx context.Context, job crawler.CrawlJob) <-chan crawler.OutcomeEvent {
	events := make(chan crawler.OutcomeEvent, eventBuffer)

	r := &run{
		o:        o,
		job:      job,
		frontier: scheduler.New(scheduler.Config{MaxDepth: job.MaxDepth, MaxPages: job.MaxPages}, o.deps.Clock),
		seen:     urlnorm.NewDedupSet(),
		filter:   content.New(o.opts.Content, o.deps.Hasher),
		limiter:  o.deps.Limiter,
		events:   events,
		log:      o.deps.Logger.With(zap.String("job_id", job.ID)),
	}
	r.userAgent = job.UserAgent
	if r.userAgent == "" {
		r.userAgent = o.opts.UserAgent
	}
	if job.RatePerSecond > 0 {
		r.limiter = ratelimit.New(ratelimit.Config{RPS: job.RatePerSecond, Burst: 1})
	}

	go r.execute(ctx)
	return events
}

type run struct {
	o         *Orchestrator
	job       crawler.CrawlJob
	frontier  *scheduler.Frontier
	seen      *urlnorm.DedupSet
	filter    *content.Filter
	limiter   *ratelimit.Limiter
	events    chan crawler.OutcomeEvent
	userAgent string
	log       *zap.Logger
}

func (r *run) execute(ctx context.Context) {
	defer close(r.events)

	r.seedFrontier(ctx)

	var wg sync.WaitGroup
	for i := 0; i < r.o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()
	r.frontier.Close()
}

// seedFrontier validates and enqueues the job's seed URLs. Seed problems are
// surfaced on the event stream; the job continues with the seeds that parse.
func (r *run) seedFrontier(ctx context.Context) {
	for _, raw := range r.job.Seeds {
		canonical, err := r.o.deps.Normalizer.Normalize(raw, nil)
		if err != nil {
			r.emitError(ctx, crawler.CrawlError{
				JobID:   r.job.ID,
				URL:     raw,
				Kind:    crawler.ErrorKindURL,
				Message: err.Error(),
				At:      r.o.deps.Clock.Now(),
			})
			continue
		}
		domain := urlnorm.Domain(canonical)
		if !r.domainPermitted(domain) {
			r.emit(ctx, crawler.OutcomeEvent{
				JobID: r.job.ID,
				URL:   canonical,
				Kind:  crawler.OutcomeSkipped,
				Skip:  crawler.SkipDomainDenied,
				At:    r.o.deps.Clock.Now(),
			})
			continue
		}
		if !r.seen.MarkIfNew(canonical) {
			continue
		}
		r.frontier.Enqueue(canonical, 0, priorityForDepth(0))
	}
}

func (r *run) work(ctx context.Context) {
	for {
		entry, ok := r.frontier.Next(ctx)
		if !ok {
			return
		}
		r.process(ctx, entry)
		r.frontier.MarkDone()
	}
}

// process drives one frontier entry through the full pipeline. Policy order
// is fixed: politeness, then a rate permit, then breaker admission, then the
// fetch itself.
func (r *run) process(ctx context.Context, entry scheduler.Entry) {
	domain := urlnorm.Domain(entry.URL)

	sem := r.o.domainSem(domain)
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	decision := r.o.deps.Governor.Check(ctx, entry.URL)
	if !decision.Allow {
		r.emitSkip(ctx, entry.URL, crawler.SkipRobotsDisallowed)
		return
	}
	if decision.Delay > 0 {
		r.limiter.RaiseFloor(domain, decision.Delay)
	}

	resp, attempts, ok := r.fetchWithRetry(ctx, entry, domain)
	if !ok {
		return
	}

	r.index(ctx, entry, domain, resp, attempts)
}

// fetchWithRetry acquires permits and fetches until success, a fatal
// outcome, or attempt exhaustion. ok=false means a terminal event was
// already emitted or the context ended.
func (r *run) fetchWithRetry(ctx context.Context, entry scheduler.Entry, domain string) (crawler.FetchResponse, int, bool) {
	var (
		resp     crawler.FetchResponse
		attempts int
	)
	for {
		if attempts > 0 {
			telemetry.ObserveRetry(domain)
			if err := r.o.deps.Retry.Wait(ctx, attempts); err != nil {
				return resp, attempts, false
			}
		}
		attempts++

		if err := r.limiter.Acquire(ctx, domain); err != nil {
			return resp, attempts, false
		}
		if !r.o.deps.Breaker.Allow(domain) {
			r.emitSkip(ctx, entry.URL, crawler.SkipCircuitOpen)
			return resp, attempts, false
		}

		var fetchErr error
		resp, fetchErr = r.o.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
			JobID:     r.job.ID,
			URL:       entry.URL,
			Depth:     entry.Depth,
			UserAgent: r.userAgent,
		})
		status := 0
		if fetchErr == nil {
			status = resp.StatusCode
			telemetry.ObserveFetchDuration(domain, resp.Duration)
		}

		switch r.o.deps.Retry.Classify(status, fetchErr) {
		case retry.ClassSuccess:
			r.o.deps.Breaker.RecordSuccess(domain)
			return resp, attempts, true

		case retry.ClassRetryable:
			r.o.deps.Breaker.RecordFailure(domain)
			if attempts >= r.o.deps.Retry.MaxAttempts() {
				r.emitError(ctx, crawler.CrawlError{
					JobID:      r.job.ID,
					URL:        entry.URL,
					Domain:     domain,
					Kind:       errorKindFor(fetchErr),
					Message:    failureMessage(status, fetchErr),
					Attempts:   attempts,
					LastStatus: status,
					At:         r.o.deps.Clock.Now(),
				})
				return resp, attempts, false
			}

		default: // fatal
			// Every admitted fetch must hand the breaker a verdict, or a
			// half-open trial would stay claimed forever. A fatal status
			// still proves the server answers; only a fetch that never
			// reached it leaves the trial unresolved.
			if fetchErr == nil {
				r.o.deps.Breaker.RecordSuccess(domain)
			} else {
				r.o.deps.Breaker.ReleaseTrial(domain)
			}
			r.emitError(ctx, crawler.CrawlError{
				JobID:      r.job.ID,
				URL:        entry.URL,
				Domain:     domain,
				Kind:       errorKindFor(fetchErr),
				Message:    failureMessage(status, fetchErr),
				Attempts:   attempts,
				LastStatus: status,
				At:         r.o.deps.Clock.Now(),
			})
			return resp, attempts, false
		}
	}
}

// index runs the post-fetch half of the pipeline: content policy, dedup,
// blob persistence, link discovery, and the document sink.
func (r *run) index(ctx context.Context, entry scheduler.Entry, domain string, resp crawler.FetchResponse, attempts int) {
	if err := r.filter.Check(resp); err != nil {
		telemetry.ObservePage(domain, "rejected", len(resp.Body))
		r.emitError(ctx, crawler.CrawlError{
			JobID:      r.job.ID,
			URL:        entry.URL,
			Domain:     domain,
			Kind:       crawler.ErrorKindContent,
			Message:    err.Error(),
			Attempts:   attempts,
			LastStatus: resp.StatusCode,
			At:         r.o.deps.Clock.Now(),
		})
		return
	}

	hash, err := r.filter.Hash(resp.Body)
	if err != nil {
		r.emitError(ctx, crawler.CrawlError{
			JobID:    r.job.ID,
			URL:      entry.URL,
			Domain:   domain,
			Kind:     crawler.ErrorKindContent,
			Message:  fmt.Sprintf("hash content: %v", err),
			Attempts: attempts,
			At:       r.o.deps.Clock.Now(),
		})
		return
	}
	if r.filter.IsDuplicate(hash) {
		r.emitSkip(ctx, entry.URL, crawler.SkipDuplicateContent)
		return
	}

	links := r.discoverLinks(entry, resp)

	ref, err := r.o.deps.Blobs.PutObject(ctx, blobPath(r.job.ID, hash), resp.ContentType(), resp.Body)
	if err != nil {
		r.emitError(ctx, crawler.CrawlError{
			JobID:      r.job.ID,
			URL:        entry.URL,
			Domain:     domain,
			Kind:       crawler.ErrorKindSink,
			Message:    fmt.Sprintf("store raw content: %v", err),
			Attempts:   attempts,
			LastStatus: resp.StatusCode,
			At:         r.o.deps.Clock.Now(),
		})
		return
	}

	doc := crawler.CrawledDocument{
		JobID:          r.job.ID,
		CanonicalURL:   entry.URL,
		FetchedAt:      r.o.deps.Clock.Now(),
		StatusCode:     resp.StatusCode,
		ContentType:    resp.ContentType(),
		ContentHash:    hash,
		ExtractedLinks: links,
		RawContentRef:  ref,
	}
	if err := r.o.deps.Documents.Index(ctx, doc); err != nil {
		r.emitError(ctx, crawler.CrawlError{
			JobID:      r.job.ID,
			URL:        entry.URL,
			Domain:     domain,
			Kind:       crawler.ErrorKindSink,
			Message:    fmt.Sprintf("index document: %v", err),
			Attempts:   attempts,
			LastStatus: resp.StatusCode,
			At:         r.o.deps.Clock.Now(),
		})
		return
	}

	telemetry.ObservePage(domain, "indexed", len(resp.Body))
	r.emit(ctx, crawler.OutcomeEvent{
		JobID:    r.job.ID,
		URL:      entry.URL,
		Kind:     crawler.OutcomeIndexed,
		Document: &doc,
		Attempts: attempts,
		At:       r.o.deps.Clock.Now(),
	})

	class := r.o.recordVisit(entry.URL, hash)
	if r.o.opts.Recrawl {
		r.frontier.Reschedule(entry.URL, entry.Depth, entry.Priority, class)
	}
}

// discoverLinks extracts, normalizes, and enqueues in-scope links from an
// HTML body. Hrefs that do not parse are dropped; only seeds surface URL
// errors on the stream.
func (r *run) discoverLinks(entry scheduler.Entry, resp crawler.FetchResponse) []string {
	if !strings.Contains(resp.ContentType(), "html") {
		return nil
	}
	base, err := url.Parse(entry.URL)
	if err != nil {
		return nil
	}

	var links []string
	for _, href := range content.ExtractLinks(resp.Body) {
		canonical, err := r.o.deps.Normalizer.Normalize(href, base)
		if err != nil {
			continue
		}
		links = append(links, canonical)
		if !r.domainPermitted(urlnorm.Domain(canonical)) {
			continue
		}
		if !r.seen.MarkIfNew(canonical) {
			continue
		}
		r.frontier.Enqueue(canonical, entry.Depth+1, priorityForDepth(entry.Depth+1))
	}
	return links
}

// recordVisit updates cross-run freshness state for an indexed URL and
// returns its new class.
func (o *Orchestrator) recordVisit(canonical, hash string) scheduler.Class {
	o.visitMu.Lock()
	defer o.visitMu.Unlock()

	prev, visited := o.visits[canonical]
	class := scheduler.Daily
	if visited {
		class = o.deps.Freshness.Assess(prev.class, prev.hash != hash)
	}
	o.visits[canonical] = visitState{hash: hash, class: class}
	return class
}

func (o *Orchestrator) domainSem(domain string) *semaphore.Weighted {
	if sem, ok := o.domSems.Load(domain); ok {
		return sem.(*semaphore.Weighted)
	}
	sem, _ := o.domSems.LoadOrStore(domain, semaphore.NewWeighted(o.opts.PerDomainConcurrency))
	return sem.(*semaphore.Weighted)
}

// domainPermitted applies the job's allow/deny lists. Deny wins; an empty
// allow list admits every domain not denied. Matching is exact or by dot
// suffix, so "example.com" covers "sub.example.com".
func (r *run) domainPermitted(domain string) bool {
	for _, d := range r.job.DenyDomains {
		if domainMatches(domain, d) {
			return false
		}
	}
	if len(r.job.AllowDomains) == 0 {
		return true
	}
	for _, d := range r.job.AllowDomains {
		if domainMatches(domain, d) {
			return true
		}
	}
	return false
}

func domainMatches(domain, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

// priorityForDepth ranks shallow pages ahead of deep ones.
func priorityForDepth(depth int) float64 {
	return 1 / float64(depth+1)
}

func blobPath(jobID, hash string) string {
	return fmt.Sprintf("%s/%s", jobID, hash)
}

func errorKindFor(err error) crawler.ErrorKind {
	if err != nil {
		return crawler.ErrorKindTransport
	}
	return crawler.ErrorKindHTTPStatus
}

func failureMessage(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("http status %d", status)
}

func (r *run) emitSkip(ctx context.Context, url string, reason crawler.SkipReason) {
	telemetry.ObservePage(urlnorm.Domain(url), "skipped", 0)
	r.emit(ctx, crawler.OutcomeEvent{
		JobID: r.job.ID,
		URL:   url,
		Kind:  crawler.OutcomeSkipped,
		Skip:  reason,
		At:    r.o.deps.Clock.Now(),
	})
}

// emitError records the failure in the error sink and surfaces it on the
// stream. Sink write failures are logged, not propagated; the audit trail is
// best effort while the stream stays authoritative.
func (r *run) emitError(ctx context.Context, crawlErr crawler.CrawlError) {
	telemetry.ObservePage(crawlErr.Domain, "failed", 0)
	if r.o.deps.Errors != nil {
		if err := r.o.deps.Errors.Record(ctx, crawlErr); err != nil {
			r.log.Warn("record crawl error", zap.String("url", crawlErr.URL), zap.Error(err))
		}
	}
	r.emit(ctx, crawler.OutcomeEvent{
		JobID:    crawlErr.JobID,
		URL:      crawlErr.URL,
		Kind:     crawler.OutcomeFailed,
		Error:    &crawlErr,
		Attempts: crawlErr.Attempts,
		At:       crawlErr.At,
	})
}

func (r *run) emit(ctx context.Context, ev crawler.OutcomeEvent) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}
