// Package politeness enforces robots.txt directives and crawl-delay per host.
package politeness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/harvestio/harvester/internal/crawler"
)

const (
	defaultCacheTTL     = 24 * time.Hour
	defaultFetchTimeout = 10 * time.Second
	maxRobotsBytes      = 1 << 20
)

// Decision is the governor's verdict for one URL.
type Decision struct {
	Allow bool
	// Delay is the Crawl-delay lower bound for the host, zero when the
	// directive is absent. Callers merge it with the rate limiter's
	// interval by taking the maximum.
	Delay time.Duration
}

// Config controls robots fetching and caching.
type Config struct {
	UserAgent    string
	CacheTTL     time.Duration
	FetchTimeout time.Duration
	// Respect disables enforcement entirely when false.
	Respect bool
}

type hostEntry struct {
	mu        sync.Mutex
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Governor fetches, caches, and evaluates robots.txt per host. When the file
// is unreachable or returns a non-2xx status the governor allows access with
// no extra delay; absence is treated as permissive by policy.
type Governor struct {
	client    *http.Client
	hosts     sync.Map // host -> *hostEntry
	userAgent string
	ttl       time.Duration
	respect   bool
	clock     crawler.Clock
	logger    *zap.Logger
}

// New builds a Governor. Pass a nil clock to use the wall clock.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Governor {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Governor{
		client:    &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		respect:   cfg.Respect,
		clock:     clock,
		logger:    logger,
	}
}

// Check evaluates the robots rules for rawURL, fetching and caching
// /robots.txt on first contact with the host and after the cache TTL expires.
func (g *Governor) Check(ctx context.Context, rawURL string) Decision {
	if !g.respect {
		return Decision{Allow: true}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return Decision{Allow: false}
	}

	data := g.load(ctx, parsed)
	if data == nil {
		return Decision{Allow: true}
	}

	group := data.FindGroup(g.userAgent)
	if group == nil {
		return Decision{Allow: true}
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return Decision{
		Allow: group.Test(path),
		Delay: group.CrawlDelay,
	}
}

// Reset drops the cached rules for host, forcing a re-fetch on next contact.
func (g *Governor) Reset(host string) {
	g.hosts.Delete(strings.ToLower(host))
}

// load returns the cached rules for the host, refreshing them when stale.
// A nil return means the file could not be retrieved; callers treat that as
// permissive.
func (g *Governor) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	key := strings.ToLower(parsed.Host)
	v, _ := g.hosts.LoadOrStore(key, &hostEntry{})
	entry, ok := v.(*hostEntry)
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := g.clock.Now()
	if entry.data != nil && now.Sub(entry.fetchedAt) < g.ttl {
		return entry.data
	}

	data, err := g.fetch(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", key), zap.Error(err))
		data = allowAll()
	}
	entry.data = data
	entry.fetchedAt = now
	return entry.data
}

func (g *Governor) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/robots.txt",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	// Non-2xx means no usable rules; the policy is allow.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return allowAll(), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func allowAll() *robotstxt.RobotsData {
	data, _ := robotstxt.FromString("")
	return data
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
