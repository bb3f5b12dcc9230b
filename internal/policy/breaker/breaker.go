// Package breaker implements the per-domain circuit breaker that suppresses
// dispatch to chronically failing domains.
package breaker

import (
	"sync"
	"time"

	"github.com/harvestio/harvester/internal/crawler"
	"github.com/harvestio/harvester/internal/telemetry"
)

// State is a circuit's dispatch posture.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls breaker thresholds and cooldowns.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens a circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit waits before allowing a trial.
	Cooldown time.Duration
	// MaxCooldown caps the escalating cooldown applied when a trial fails.
	MaxCooldown time.Duration
}

const (
	defaultThreshold   = 5
	defaultCooldown    = 30 * time.Second
	defaultMaxCooldown = 10 * time.Minute
)

type circuit struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// Snapshot is a read-only view of one domain's circuit, used by the ops API.
type Snapshot struct {
	Domain   string        `json:"domain"`
	State    State         `json:"state"`
	Failures int           `json:"consecutive_failures"`
	OpenedAt time.Time     `json:"opened_at,omitempty"`
	Cooldown time.Duration `json:"cooldown,omitempty"`
}

// Breaker holds one circuit per domain. Circuits are created lazily and live
// in memory only; domain health does not survive a process restart.
type Breaker struct {
	circuits sync.Map // domain -> *circuit
	cfg      Config
	clock    crawler.Clock
}

// New builds a Breaker. A nil clock uses the wall clock.
func New(cfg Config, clock crawler.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = defaultMaxCooldown
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Breaker{cfg: cfg, clock: clock}
}

// Allow reports whether a fetch may be dispatched to domain. When the
// cooldown of an open circuit has elapsed, the first caller is admitted as
// the half-open trial; concurrent callers stay blocked until the trial
// resolves.
func (b *Breaker) Allow(domain string) bool {
	c := b.circuit(domain)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) < c.cooldown {
			return false
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		telemetry.ObserveBreakerTransition(domain, string(StateHalfOpen))
		return true
	case StateHalfOpen:
		if c.trialInFlight {
			return false
		}
		c.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the circuit from HalfOpen.
func (b *Breaker) RecordSuccess(domain string) {
	c := b.circuit(domain)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.trialInFlight = false
	if c.state != StateClosed {
		c.state = StateClosed
		c.cooldown = b.cfg.Cooldown
		telemetry.ObserveBreakerTransition(domain, string(StateClosed))
	}
}

// RecordFailure counts a failure and may open the circuit. A failed half-open
// trial reopens with a doubled cooldown, capped at MaxCooldown.
func (b *Breaker) RecordFailure(domain string) {
	c := b.circuit(domain)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	switch c.state {
	case StateHalfOpen:
		c.trialInFlight = false
		c.cooldown = min(c.cooldown*2, b.cfg.MaxCooldown)
		c.state = StateOpen
		c.openedAt = b.clock.Now()
		telemetry.ObserveBreakerTransition(domain, string(StateOpen))
	case StateClosed:
		if c.failures >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.clock.Now()
			c.cooldown = b.cfg.Cooldown
			telemetry.ObserveBreakerTransition(domain, string(StateOpen))
		}
	}
}

// ReleaseTrial abandons a half-open trial that ended without a verdict, such
// as a fetch cancelled before it reached the server. The circuit stays
// half-open and the next caller is admitted as a fresh trial.
func (b *Breaker) ReleaseTrial(domain string) {
	c := b.circuit(domain)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trialInFlight = false
}

// Reset restores the circuit for domain to closed with a clean slate.
func (b *Breaker) Reset(domain string) {
	b.circuits.Delete(domain)
}

// Snapshots returns the current view of every tracked circuit.
func (b *Breaker) Snapshots() []Snapshot {
	var out []Snapshot
	b.circuits.Range(func(key, value any) bool {
		domain, _ := key.(string)
		c, ok := value.(*circuit)
		if !ok {
			return true
		}
		c.mu.Lock()
		snap := Snapshot{
			Domain:   domain,
			State:    c.state,
			Failures: c.failures,
		}
		if c.state != StateClosed {
			snap.OpenedAt = c.openedAt
			snap.Cooldown = c.cooldown
		}
		c.mu.Unlock()
		out = append(out, snap)
		return true
	})
	return out
}

func (b *Breaker) circuit(domain string) *circuit {
	if v, ok := b.circuits.Load(domain); ok {
		if c, ok := v.(*circuit); ok {
			return c
		}
	}
	v, _ := b.circuits.LoadOrStore(domain, &circuit{
		state:    StateClosed,
		cooldown: b.cfg.Cooldown,
	})
	c, _ := v.(*circuit)
	return c
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
