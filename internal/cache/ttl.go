// Package cache provides read-through caching of hot store reads with
// per-class adaptive TTLs.
package cache

import (
	"sync"
	"time"
)

// TTLConfig bounds the adaptive TTL controller.
type TTLConfig struct {
	Min            time.Duration
	Max            time.Duration
	Initial        time.Duration
	TargetHitRate  float64
	AdjustInterval time.Duration
}

// DefaultTTLConfig returns the standard controller bounds.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Min:            5 * time.Second,
		Max:            300 * time.Second,
		Initial:        60 * time.Second,
		TargetHitRate:  0.85,
		AdjustInterval: 60 * time.Second,
	}
}

func (c TTLConfig) withDefaults() TTLConfig {
	d := DefaultTTLConfig()
	if c.Min <= 0 {
		c.Min = d.Min
	}
	if c.Max <= 0 {
		c.Max = d.Max
	}
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.TargetHitRate <= 0 || c.TargetHitRate >= 1 {
		c.TargetHitRate = d.TargetHitRate
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = d.AdjustInterval
	}
	return c
}

// Stats is a snapshot of one cache class.
type Stats struct {
	Hits   uint64        `json:"hits"`
	Misses uint64        `json:"misses"`
	TTL    time.Duration `json:"ttl"`
}

// HitRate returns the lifetime hit rate, or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// controller adapts one class's TTL from its observed hit rate and access
// frequency. Interval counters reset on each Adjust; lifetime counters feed
// Stats.
type controller struct {
	mu  sync.Mutex
	cfg TTLConfig
	ttl time.Duration

	hits, misses             uint64 // current interval
	totalHits, totalMisses   uint64 // lifetime
	lastAdjust               time.Time
}

func newController(cfg TTLConfig) *controller {
	cfg = cfg.withDefaults()
	return &controller{cfg: cfg, ttl: cfg.Initial, lastAdjust: time.Now()}
}

func (c *controller) recordHit() {
	c.mu.Lock()
	c.hits++
	c.totalHits++
	c.mu.Unlock()
}

func (c *controller) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.totalMisses++
	c.mu.Unlock()
}

// TTL returns the current TTL for newly cached entries.
func (c *controller) TTL() time.Duration {
	c.mu.Lock()
	t := c.ttl
	c.mu.Unlock()
	return t
}

func (c *controller) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.totalHits, Misses: c.totalMisses, TTL: c.ttl}
}

// adjust recomputes the TTL from the interval just ended:
//
//	hit rate below target          -> grow TTL by 1.2x
//	hit rate above target + 0.10   -> shrink TTL by 0.9x
//	access frequency > 10/s        -> shrink further by 0.9x
//	access frequency < 0.1/s       -> grow further by 1.2x
//
// The result is clamped to [Min, Max]. No-traffic intervals leave the TTL
// untouched.
func (c *controller) adjust(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.lastAdjust).Seconds()
	total := c.hits + c.misses
	c.lastAdjust = now
	hits, misses := c.hits, c.misses
	c.hits, c.misses = 0, 0

	if total == 0 || elapsed <= 0 {
		return
	}

	hitRate := float64(hits) / float64(hits+misses)
	freq := float64(total) / elapsed
	ttl := c.ttl

	if hitRate < c.cfg.TargetHitRate {
		ttl = time.Duration(float64(ttl) * 1.2)
	} else if hitRate > c.cfg.TargetHitRate+0.10 {
		ttl = time.Duration(float64(ttl) * 0.9)
	}
	if freq > 10 {
		ttl = time.Duration(float64(ttl) * 0.9)
	} else if freq < 0.1 {
		ttl = time.Duration(float64(ttl) * 1.2)
	}

	c.ttl = min(max(ttl, c.cfg.Min), c.cfg.Max)
}
