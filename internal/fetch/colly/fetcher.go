// Package colly implements the fetch transport on the Colly collector.
package colly

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/harvestio/harvester/internal/crawler"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxBodyBytes   = 10 << 20
)

// Config tunes the HTTP transport behind the collector.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	// MaxBodyBytes caps how much of a response body is read. A body that
	// exceeds the cap comes back truncated to MaxBodyBytes+1 so callers can
	// tell an over-limit response from one that is exactly at the cap, even
	// when the server sends no Content-Length.
	MaxBodyBytes   int
	Concurrency    int
	AcceptLanguage string
}

// Fetcher retrieves pages via a cloned-per-request Colly collector. Robots
// enforcement and rate limiting happen upstream; the fetcher only moves
// bytes.
type Fetcher struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New constructs a configured Colly-backed Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if cfg.AcceptLanguage != "" {
		lang := cfg.AcceptLanguage
		base.OnRequest(func(r *colly.Request) {
			r.Headers.Set("Accept-Language", lang)
		})
	}

	return &Fetcher{base: base, logger: logger}, nil
}

type fetchResult struct {
	resp crawler.FetchResponse
	err  error
}

// Fetch retrieves one page. Non-2xx statuses come back as a FetchResponse;
// the error return is reserved for transport failures with no response.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	collector := f.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		if req.UserAgent != "" {
			r.Headers.Set("User-Agent", req.UserAgent)
		}
		for k, values := range req.Headers {
			for _, v := range values {
				r.Headers.Add(k, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{resp: toResponse(req.URL, r, time.Since(start))})
	})

	collector.OnError(func(r *colly.Response, err error) {
		// Colly routes non-2xx statuses here; a populated status code means
		// the server answered, which callers classify themselves.
		if r != nil && r.StatusCode > 0 {
			send(fetchResult{resp: toResponse(req.URL, r, time.Since(start))})
			return
		}
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return crawler.FetchResponse{}, err
		}
		return res.resp, res.err
	default:
		return crawler.FetchResponse{}, errors.New("fetch produced no result")
	}
}

func toResponse(rawURL string, r *colly.Response, elapsed time.Duration) crawler.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		for k, v := range *r.Headers {
			cp := make([]string, len(v))
			copy(cp, v)
			headers[k] = cp
		}
	}
	return crawler.FetchResponse{
		URL:        rawURL,
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte{}, r.Body...),
		Duration:   elapsed,
	}
}
