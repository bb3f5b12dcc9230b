// Package ratelimit implements the per-domain token bucket that throttles
// fetch volume. It knows nothing about failures; health gating lives in the
// breaker package.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/harvestio/harvester/internal/telemetry"
)

// Config holds global bucket parameters plus optional per-domain overrides.
type Config struct {
	// RPS is the steady-state refill rate. Non-positive means unlimited.
	RPS float64
	// Burst is the bucket capacity. Values below 1 are clamped to 1.
	Burst int
	// MinDelay is the floor between consecutive permits for one domain,
	// enforced even when burst capacity would allow back-to-back requests.
	MinDelay time.Duration
	// PerDomain overrides the global RPS/Burst/MinDelay for specific domains.
	PerDomain map[string]DomainConfig
}

// DomainConfig overrides bucket parameters for one domain.
type DomainConfig struct {
	RPS      float64
	Burst    int
	MinDelay time.Duration
}

type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	minDelay time.Duration
	// floor is an externally raised lower bound (robots crawl-delay).
	floor  time.Duration
	lastAt time.Time
}

func (b *bucket) effectiveDelay() time.Duration {
	if b.floor > b.minDelay {
		return b.floor
	}
	return b.minDelay
}

// Limiter manages lazily created per-domain token buckets. Buckets are never
// shared across domains, and waiting on one domain never blocks another.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
}

// Acquire blocks until a permit is available for domain, honoring both the
// token bucket and the minimum inter-request delay. It returns early with an
// error only when ctx ends.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	b := l.bucket(domain)

	// The per-bucket lock serializes same-domain acquirers so the spacing
	// guarantee holds under concurrency.
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}

	if delay := b.effectiveDelay(); delay > 0 && !b.lastAt.IsZero() {
		next := b.lastAt.Add(delay)
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return fmt.Errorf("rate limit wait for %s: %w", domain, ctx.Err())
			case <-timer.C:
			}
		}
	}
	b.lastAt = time.Now()

	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// TryAcquire takes a permit without blocking. It returns false when no token
// is available or the minimum delay has not yet elapsed.
func (l *Limiter) TryAcquire(domain string) bool {
	b := l.bucket(domain)

	b.mu.Lock()
	defer b.mu.Unlock()

	if delay := b.effectiveDelay(); delay > 0 && !b.lastAt.IsZero() {
		if time.Since(b.lastAt) < delay {
			return false
		}
	}
	if !b.limiter.Allow() {
		return false
	}
	b.lastAt = time.Now()
	return true
}

// RaiseFloor lifts the minimum inter-request delay for domain to at least d.
// Used to merge a robots Crawl-delay directive; the effective spacing is the
// maximum of the configured delay and the raised floor.
func (l *Limiter) RaiseFloor(domain string, d time.Duration) {
	if d <= 0 {
		return
	}
	b := l.bucket(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > b.floor {
		b.floor = d
	}
}

// Reset drops the bucket for domain; the next acquire recreates it fresh.
func (l *Limiter) Reset(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, domain)
}

func (l *Limiter) bucket(domain string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[domain]; ok {
		return b
	}

	rps, burst, minDelay := l.cfg.RPS, l.cfg.Burst, l.cfg.MinDelay
	if override, ok := l.cfg.PerDomain[domain]; ok {
		if override.RPS > 0 {
			rps = override.RPS
		}
		if override.Burst > 0 {
			burst = override.Burst
		}
		if override.MinDelay > 0 {
			minDelay = override.MinDelay
		}
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}

	b := &bucket{
		limiter:  rate.NewLimiter(limit, burst),
		minDelay: minDelay,
	}
	l.buckets[domain] = b
	return b
}
