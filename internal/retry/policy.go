// Package retry classifies fetch outcomes and computes jittered exponential
// backoff between attempts.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Class is the retry engine's verdict on one fetch attempt.
type Class int

// Attempt classifications.
const (
	// ClassSuccess: a usable 2xx/3xx response after redirect resolution.
	ClassSuccess Class = iota
	// ClassRetryable: worth another attempt after backoff.
	ClassRetryable
	// ClassFatal: retrying cannot help; fail the URL now.
	ClassFatal
)

// Retryable HTTP status codes per the crawl policy.
var retryableStatus = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterFraction is the ± fraction of the computed delay randomized to
	// avoid synchronized retry storms. Clamped to [0, 1].
	JitterFraction float64
}

// Policy implements classification and backoff.
type Policy struct {
	cfg Config
}

// New builds a Policy, applying defaults for unset fields.
func New(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.JitterFraction > 1 {
		cfg.JitterFraction = 1
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts returns the configured attempt bound.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Classify maps one attempt's status code and transport error to a Class.
// err takes precedence over status: it is only set when no response was
// obtained at all.
func (p *Policy) Classify(status int, err error) Class {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ClassFatal
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ClassRetryable
		}
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
			errors.Is(err, syscall.EPIPE) {
			return ClassRetryable
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return ClassRetryable
		}
		// Malformed responses and other unrecoverable transport errors.
		return ClassFatal
	}

	switch {
	case status >= 200 && status < 400:
		return ClassSuccess
	case isRetryableStatus(status):
		return ClassRetryable
	default:
		return ClassFatal
	}
}

func isRetryableStatus(status int) bool {
	_, ok := retryableStatus[status]
	return ok
}

// Backoff returns the wait before the given attempt number (1-based: the
// delay after attempt n failed). Ignoring jitter, the result is
// non-decreasing in attempt and capped at MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay) + p.jitter(time.Duration(delay))
}

// jitter returns a random offset in [-f*d/2, +f*d/2] where f is the
// configured jitter fraction.
func (p *Policy) jitter(d time.Duration) time.Duration {
	span := time.Duration(float64(d) * p.cfg.JitterFraction)
	if span <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - span/2
}

// Wait sleeps for the backoff of the given attempt, returning early when ctx
// ends so job cancellation is honored promptly.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	d := p.Backoff(attempt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
