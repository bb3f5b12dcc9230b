package orchestrator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestio/harvester/internal/content"
	"github.com/harvestio/harvester/internal/crawler"
	"github.com/harvestio/harvester/internal/hash/xxhash"
	"github.com/harvestio/harvester/internal/policy/breaker"
	"github.com/harvestio/harvester/internal/policy/ratelimit"
	"github.com/harvestio/harvester/internal/politeness"
	"github.com/harvestio/harvester/internal/retry"
	memsink "github.com/harvestio/harvester/internal/sink/memory"
	memstore "github.com/harvestio/harvester/internal/storage/memory"
	"github.com/harvestio/harvester/internal/urlnorm"
)

// httpFetcher is the test transport: a thin client over the httptest server.
type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if req.UserAgent != "" {
		hreq.Header.Set("User-Agent", req.UserAgent)
	}
	start := time.Now()
	resp, err := f.client.Do(hreq)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

type harness struct {
	orch  *Orchestrator
	docs  *memsink.Sink
	blobs *memstore.Store
}

type harnessConfig struct {
	retry     retry.Config
	breaker   breaker.Config
	rate      ratelimit.Config
	content   content.Config
	workers   int
	perDomain int64
}

func defaultHarnessConfig() harnessConfig {
	return harnessConfig{
		retry:     retry.Config{MaxAttempts: 3, BaseDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		breaker:   breaker.Config{FailureThreshold: 100},
		rate:      ratelimit.Config{RPS: 1000, Burst: 100, MinDelay: time.Millisecond},
		workers:   4,
		perDomain: 2,
	}
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	sink := memsink.New()
	blobs := memstore.New()

	orch := New(Deps{
		Normalizer: urlnorm.New(nil),
		Governor:   politeness.New(politeness.Config{UserAgent: "harvester-test", Respect: true}, nil, zap.NewNop()),
		Limiter:    ratelimit.New(cfg.rate),
		Breaker:    breaker.New(cfg.breaker, nil),
		Retry:      retry.New(cfg.retry),
		Fetcher:    &httpFetcher{client: &http.Client{Timeout: 5 * time.Second}},
		Documents:  sink,
		Errors:     sink,
		Blobs:      blobs,
		Hasher:     xxhash.New(),
		Logger:     zap.NewNop(),
	}, Options{
		Workers:              cfg.workers,
		PerDomainConcurrency: cfg.perDomain,
		UserAgent:            "harvester-test",
		Content:              cfg.content,
	})

	return &harness{orch: orch, docs: sink, blobs: blobs}
}

// collect drains a run's event stream into a map keyed by URL.
func collect(t *testing.T, events <-chan crawler.OutcomeEvent) map[string]crawler.OutcomeEvent {
	t.Helper()
	out := make(map[string]crawler.OutcomeEvent)
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			_, dup := out[ev.URL]
			require.Falsef(t, dup, "second terminal event for %s", ev.URL)
			out[ev.URL] = ev
		case <-deadline:
			t.Fatal("event stream did not close")
		}
	}
}

type pageServer struct {
	mu     sync.Mutex
	hits   map[string]int
	robots string
	pages  map[string]func(hit int, w http.ResponseWriter)
}

func newPageServer(robots string) *pageServer {
	return &pageServer{
		hits:   make(map[string]int),
		robots: robots,
		pages:  make(map[string]func(int, http.ResponseWriter)),
	}
}

func (ps *pageServer) html(path, body string) {
	ps.pages[path] = func(_ int, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}
}

func (ps *pageServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte(ps.robots))
			return
		}
		ps.mu.Lock()
		ps.hits[r.URL.Path]++
		hit := ps.hits[r.URL.Path]
		page := ps.pages[r.URL.Path]
		ps.mu.Unlock()
		if page == nil {
			http.NotFound(w, r)
			return
		}
		page(hit, w)
	})
}

func (ps *pageServer) hitCount(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[path]
}

func TestRunIndexesSeedAndDiscoveredLinks(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.html("/", `<html><a href="/a">a</a><a href="/b">b</a></html>`)
	ps.html("/a", `<html>page a</html>`)
	ps.html("/b", `<html>page b</html>`)

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:       "job-1",
		Seeds:    []string{srv.URL + "/"},
		MaxDepth: 2,
	}))

	require.Len(t, events, 3)
	for _, ev := range events {
		require.Equal(t, crawler.OutcomeIndexed, ev.Kind)
		require.NotNil(t, ev.Document)
		require.NotEmpty(t, ev.Document.ContentHash)
		require.NotEmpty(t, ev.Document.RawContentRef)
	}

	root := events[srv.URL+"/"]
	require.NotNil(t, root.Document)
	require.Len(t, root.Document.ExtractedLinks, 2)

	require.Len(t, h.docs.Documents(), 3)
	require.Equal(t, 3, h.blobs.Len())
}

func TestRobotsDisallowedNeverFetched(t *testing.T) {
	t.Parallel()

	ps := newPageServer("User-agent: *\nDisallow: /private\n")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.html("/private", `<html>secret</html>`)

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/private"},
	}))

	require.Len(t, events, 1)
	ev := events[srv.URL+"/private"]
	require.Equal(t, crawler.OutcomeSkipped, ev.Kind)
	require.Equal(t, crawler.SkipRobotsDisallowed, ev.Skip)
	require.Zero(t, ps.hitCount("/private"))
}

func TestTransientFailureRetriedThenIndexed(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.pages["/flaky"] = func(hit int, w http.ResponseWriter) {
		if hit < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>recovered</html>`))
	}

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/flaky"},
	}))

	ev := events[srv.URL+"/flaky"]
	require.Equal(t, crawler.OutcomeIndexed, ev.Kind)
	require.Equal(t, 3, ev.Attempts, "retried attempts must surface on the indexed event")
	require.Equal(t, 3, ps.hitCount("/flaky"))

	var counters crawler.JobCounters
	counters.Observe(ev)
	require.Equal(t, 2, counters.Retries)
}

func TestRetryExhaustionEmitsFailure(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.pages["/down"] = func(_ int, w http.ResponseWriter) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/down"},
	}))

	ev := events[srv.URL+"/down"]
	require.Equal(t, crawler.OutcomeFailed, ev.Kind)
	require.NotNil(t, ev.Error)
	require.Equal(t, crawler.ErrorKindHTTPStatus, ev.Error.Kind)
	require.Equal(t, 3, ev.Error.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, ev.Error.LastStatus)
	require.Equal(t, 3, ps.hitCount("/down"))

	require.Len(t, h.docs.Errors(), 1)
}

func TestFatalStatusNotRetried(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/missing"},
	}))

	ev := events[srv.URL+"/missing"]
	require.Equal(t, crawler.OutcomeFailed, ev.Kind)
	require.Equal(t, 1, ev.Error.Attempts)
	require.Equal(t, 1, ps.hitCount("/missing"))
}

func TestOversizedContentRejected(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.html("/big", `<html>`+string(make([]byte, 1024))+`</html>`)

	cfg := defaultHarnessConfig()
	cfg.content = content.Config{MaxBodyBytes: 64}
	h := newHarness(t, cfg)

	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/big"},
	}))

	ev := events[srv.URL+"/big"]
	require.Equal(t, crawler.OutcomeFailed, ev.Kind)
	require.Equal(t, crawler.ErrorKindContent, ev.Error.Kind)
	require.Empty(t, h.docs.Documents())
	require.Zero(t, h.blobs.Len())
}

func TestDuplicateContentSkipped(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	same := `<html>identical body</html>`
	ps.html("/a", same)
	ps.html("/copy", same)

	cfg := defaultHarnessConfig()
	cfg.workers = 1
	h := newHarness(t, cfg)

	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/a", srv.URL + "/copy"},
	}))

	require.Len(t, events, 2)
	require.Equal(t, crawler.OutcomeIndexed, events[srv.URL+"/a"].Kind)
	dup := events[srv.URL+"/copy"]
	require.Equal(t, crawler.OutcomeSkipped, dup.Kind)
	require.Equal(t, crawler.SkipDuplicateContent, dup.Skip)
	require.Len(t, h.docs.Documents(), 1)
}

func TestMalformedSeedFailsJobContinues(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.html("/ok", `<html>fine</html>`)

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{"mailto:nobody@example.com", srv.URL + "/ok"},
	}))

	require.Len(t, events, 2)
	bad := events["mailto:nobody@example.com"]
	require.Equal(t, crawler.OutcomeFailed, bad.Kind)
	require.Equal(t, crawler.ErrorKindURL, bad.Error.Kind)
	require.Equal(t, crawler.OutcomeIndexed, events[srv.URL+"/ok"].Kind)
}

func TestCircuitOpenSkipsDispatch(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.pages["/down"] = func(_ int, w http.ResponseWriter) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}
	ps.html("/after", `<html>never reached</html>`)

	cfg := defaultHarnessConfig()
	cfg.workers = 1
	cfg.perDomain = 1
	cfg.retry = retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.breaker = breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}
	h := newHarness(t, cfg)

	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/down", srv.URL + "/after"},
	}))

	require.Equal(t, crawler.OutcomeFailed, events[srv.URL+"/down"].Kind)
	after := events[srv.URL+"/after"]
	require.Equal(t, crawler.OutcomeSkipped, after.Kind)
	require.Equal(t, crawler.SkipCircuitOpen, after.Skip)
	require.Zero(t, ps.hitCount("/after"))
}

func TestFatalTrialResponseClosesCircuit(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.pages["/down"] = func(_ int, w http.ResponseWriter) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}
	ps.pages["/missing"] = func(_ int, w http.ResponseWriter) {
		http.Error(w, "not found", http.StatusNotFound)
	}
	ps.html("/ok", `<html>back up</html>`)

	cfg := defaultHarnessConfig()
	cfg.workers = 1
	cfg.perDomain = 1
	cfg.retry = retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.breaker = breaker.Config{FailureThreshold: 1, Cooldown: time.Millisecond}
	// The min-delay spacing lets the 1ms cooldown elapse between fetches.
	cfg.rate = ratelimit.Config{RPS: 1000, Burst: 100, MinDelay: 20 * time.Millisecond}
	h := newHarness(t, cfg)

	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/down", srv.URL + "/missing", srv.URL + "/ok"},
	}))

	require.Equal(t, crawler.OutcomeFailed, events[srv.URL+"/down"].Kind)

	// The 404 is the half-open trial. The server answered, so the circuit
	// closes and later URLs on the domain are fetched, not skipped.
	require.Equal(t, crawler.OutcomeFailed, events[srv.URL+"/missing"].Kind)
	require.Equal(t, crawler.OutcomeIndexed, events[srv.URL+"/ok"].Kind)
	require.Equal(t, 1, ps.hitCount("/ok"))
}

func TestCanonicalURLFetchedOnce(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.html("/loop", `<html><a href="/loop">self</a><a href="/loop?utm_source=x">tracked self</a></html>`)

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:       "job-1",
		Seeds:    []string{srv.URL + "/loop", srv.URL + "/loop"},
		MaxDepth: 3,
	}))

	require.Len(t, events, 1)
	require.Equal(t, 1, ps.hitCount("/loop"))
}

func TestMaxDepthZeroDoesNotFollowLinks(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()
	ps.html("/", `<html><a href="/deep">deep</a></html>`)
	ps.html("/deep", `<html>deep</html>`)

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:       "job-1",
		Seeds:    []string{srv.URL + "/"},
		MaxDepth: 0,
	}))

	require.Len(t, events, 1)
	require.Zero(t, ps.hitCount("/deep"))
}

func TestDeniedDomainSeedSkipped(t *testing.T) {
	t.Parallel()

	ps := newPageServer("")
	srv := httptest.NewServer(ps.handler())
	defer srv.Close()

	h := newHarness(t, defaultHarnessConfig())
	events := collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:          "job-1",
		Seeds:       []string{srv.URL + "/x"},
		DenyDomains: []string{urlnorm.Domain(srv.URL + "/x")},
	}))

	require.Len(t, events, 1)
	for _, ev := range events {
		require.Equal(t, crawler.OutcomeSkipped, ev.Kind)
		require.Equal(t, crawler.SkipDomainDenied, ev.Skip)
	}
	require.Zero(t, ps.hitCount("/x"))
}

func TestMinDelayEnforcedBetweenSameDomainFetches(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var times []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			return
		}
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	}))
	defer srv.Close()

	cfg := defaultHarnessConfig()
	cfg.rate = ratelimit.Config{RPS: 1000, Burst: 100, MinDelay: 60 * time.Millisecond}
	h := newHarness(t, cfg)

	collect(t, h.orch.Run(context.Background(), crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/one", srv.URL + "/two"},
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	gap := times[1].Sub(times[0])
	require.GreaterOrEqual(t, gap, 40*time.Millisecond)
}

func TestCancelledRunClosesStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			return
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, defaultHarnessConfig())

	ctx, cancel := context.WithCancel(context.Background())
	events := h.orch.Run(ctx, crawler.CrawlJob{
		ID:    "job-1",
		Seeds: []string{srv.URL + "/slow"},
	})

	time.Sleep(30 * time.Millisecond)
	cancel()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}
