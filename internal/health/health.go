// Package health tracks per-channel failure state: consecutive failures,
// circuit-breaker windows, and upstream rate-limit windows. The in-memory
// state is authoritative; counters are mirrored to the store asynchronously.
package health

import (
	"sync"
	"time"

	routex "github.com/routexhq/routex/internal"
)

// Config holds the health state machine parameters.
type Config struct {
	FailureThreshold int           // consecutive failures before the circuit opens
	OpenTimeout      time.Duration // initial circuit-open window
	BackoffFactor    float64       // open window multiplier per consecutive trip
	MaxOpenTimeout   time.Duration // cap on the open window
	MaxRateLimit     time.Duration // cap on upstream Retry-After windows
}

// DefaultConfig returns the standard parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		BackoffFactor:    2,
		MaxOpenTimeout:   5 * time.Minute,
		MaxRateLimit:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.MaxOpenTimeout <= 0 {
		c.MaxOpenTimeout = d.MaxOpenTimeout
	}
	if c.MaxRateLimit <= 0 {
		c.MaxRateLimit = d.MaxRateLimit
	}
	return c
}

// Tracker is the mutable health state of one channel. All counter mutations
// go through the tracker mutex: it is the single-writer path for the channel.
type Tracker struct {
	mu sync.Mutex

	cfg Config

	status              routex.ChannelStatus // enabled, circuit_breaker, or rate_limited
	consecutiveFailures int
	requestCount        int64
	successCount        int64
	failureCount        int64
	until               time.Time // window end for circuit_breaker / rate_limited
	trips               int       // consecutive circuit openings, drives backoff
	probing             bool      // a half-open probe is in flight
	lastUsed            time.Time
	lastFailure         time.Time
	dirty               bool
}

func newTracker(cfg Config, seed *routex.Channel) *Tracker {
	t := &Tracker{cfg: cfg, status: routex.StatusEnabled, lastUsed: time.Now()}
	if seed != nil {
		t.requestCount = seed.RequestCount
		t.successCount = seed.SuccessCount
		t.failureCount = seed.FailureCount
		t.consecutiveFailures = seed.ConsecutiveFailures
		switch seed.Status {
		case routex.StatusCircuitBreaker:
			if seed.CircuitBreakerUntil != nil {
				t.status = routex.StatusCircuitBreaker
				t.until = *seed.CircuitBreakerUntil
				t.trips = 1
			}
		case routex.StatusRateLimited:
			if seed.RateLimitedUntil != nil {
				t.status = routex.StatusRateLimited
				t.until = *seed.RateLimitedUntil
			}
		}
	}
	return t
}

// Eligible reports whether the channel may receive a request at the given
// time without claiming the half-open probe slot. A rate-limit window that
// has passed re-enables the channel.
func (t *Tracker) Eligible(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligible(now, false)
}

// Admit is Eligible plus probe admission: a circuit whose window has
// expired admits exactly one probe, claimed here. The claim settles on the
// next RecordSuccess, RecordFailure, or RecordRateLimited.
func (t *Tracker) Admit(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligible(now, true)
}

func (t *Tracker) eligible(now time.Time, claim bool) bool {
	switch t.status {
	case routex.StatusEnabled:
		return true
	case routex.StatusCircuitBreaker:
		if now.Before(t.until) {
			return false
		}
		// Half-open: a single probe may be in flight.
		if t.probing {
			return false
		}
		if claim {
			t.probing = true
		}
		return true
	case routex.StatusRateLimited:
		if now.Before(t.until) {
			return false
		}
		t.status = routex.StatusEnabled
		t.until = time.Time{}
		t.dirty = true
		return true
	}
	return false
}

// RecordSuccess notes a successful request. Any open window closes and the
// consecutive failure count resets.
func (t *Tracker) RecordSuccess(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestCount++
	t.successCount++
	t.consecutiveFailures = 0
	t.lastUsed = now
	t.status = routex.StatusEnabled
	t.until = time.Time{}
	t.trips = 0
	t.probing = false
	t.dirty = true
}

// RecordFailure notes a failed request. Crossing the consecutive-failure
// threshold opens the circuit; a failed half-open probe reopens it with an
// exponentially longer window, capped at MaxOpenTimeout.
func (t *Tracker) RecordFailure(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestCount++
	t.failureCount++
	t.consecutiveFailures++
	t.lastUsed = now
	t.lastFailure = now
	t.dirty = true

	if t.status == routex.StatusCircuitBreaker {
		// Probe failed: reopen with backoff.
		t.until = now.Add(t.openWindow())
		t.trips++
		t.probing = false
		return
	}
	if t.consecutiveFailures >= t.cfg.FailureThreshold {
		t.status = routex.StatusCircuitBreaker
		t.until = now.Add(t.cfg.OpenTimeout)
		t.trips = 1
		t.probing = false
	}
}

// openWindow returns the next circuit-open duration for the current trip count.
func (t *Tracker) openWindow() time.Duration {
	w := t.cfg.OpenTimeout
	for range t.trips {
		w = time.Duration(float64(w) * t.cfg.BackoffFactor)
		if w >= t.cfg.MaxOpenTimeout {
			return t.cfg.MaxOpenTimeout
		}
	}
	return w
}

// RecordRateLimited notes an upstream 429. The window honors Retry-After
// when present, capped at MaxRateLimit; zero retryAfter uses OpenTimeout.
func (t *Tracker) RecordRateLimited(now time.Time, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestCount++
	t.failureCount++
	t.lastUsed = now
	t.lastFailure = now
	t.dirty = true

	if retryAfter <= 0 {
		retryAfter = t.cfg.OpenTimeout
	}
	t.status = routex.StatusRateLimited
	t.until = now.Add(min(retryAfter, t.cfg.MaxRateLimit))
	t.probing = false
}

// Status returns the current health status and window end.
func (t *Tracker) Status() (routex.ChannelStatus, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.until
}

// LastUsed returns the time of last activity (for stale eviction).
func (t *Tracker) LastUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsed
}

// overlay copies live health state onto a channel snapshot.
func (t *Tracker) overlay(c *routex.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c.RequestCount = t.requestCount
	c.SuccessCount = t.successCount
	c.FailureCount = t.failureCount
	c.ConsecutiveFailures = t.consecutiveFailures
	if !t.lastUsed.IsZero() {
		lu := t.lastUsed
		c.LastUsedAt = &lu
	}
	if !t.lastFailure.IsZero() {
		lf := t.lastFailure
		c.LastFailureAt = &lf
	}
	c.CircuitBreakerUntil = nil
	c.RateLimitedUntil = nil
	switch t.status {
	case routex.StatusCircuitBreaker:
		u := t.until
		c.Status = routex.StatusCircuitBreaker
		c.CircuitBreakerUntil = &u
	case routex.StatusRateLimited:
		u := t.until
		c.Status = routex.StatusRateLimited
		c.RateLimitedUntil = &u
	default:
		// Preserve an admin "disabled" status; otherwise report enabled.
		if c.Status != routex.StatusDisabled {
			c.Status = routex.StatusEnabled
		}
	}
}
