package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/ratelimit"
	"github.com/routexhq/routex/internal/storage"
)

// TTLGauge receives adjusted TTL values per cache class. May be nil.
type TTLGauge interface {
	Set(class string, seconds float64)
}

// CacheCounterSink receives per-class hit and miss increments. May be nil.
type CacheCounterSink interface {
	AddHits(class string, n float64)
	AddMisses(class string, n float64)
}

// CacheTuner periodically retunes cache TTLs from observed hit rates and
// publishes the per-class stats to metrics.
type CacheTuner struct {
	catalog  *cache.Catalog
	gauge    TTLGauge
	counters CacheCounterSink
	interval time.Duration
	last     map[string]cache.Stats
}

func NewCacheTuner(catalog *cache.Catalog, gauge TTLGauge, counters CacheCounterSink, interval time.Duration) *CacheTuner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CacheTuner{
		catalog:  catalog,
		gauge:    gauge,
		counters: counters,
		interval: interval,
		last:     make(map[string]cache.Stats),
	}
}

func (t *CacheTuner) Name() string { return "cache_tuner" }

func (t *CacheTuner) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.catalog.Adjust(now)
			t.publish()
		case <-ctx.Done():
			return nil
		}
	}
}

// publish reports the current TTLs and the hit and miss deltas since the
// previous tick. Class stats are lifetime counters, so the deltas go to
// monotonically increasing sinks.
func (t *CacheTuner) publish() {
	if t.gauge == nil && t.counters == nil {
		return
	}
	for class, st := range t.catalog.ClassStats() {
		if t.gauge != nil {
			t.gauge.Set(class, st.TTL.Seconds())
		}
		if t.counters != nil {
			prev := t.last[class]
			if d := st.Hits - prev.Hits; d > 0 {
				t.counters.AddHits(class, float64(d))
			}
			if d := st.Misses - prev.Misses; d > 0 {
				t.counters.AddMisses(class, float64(d))
			}
			t.last[class] = st
		}
	}
}

// HealthFlusher persists circuit state for channels whose trackers changed
// since the last pass, and drops trackers for channels idle past the cutoff.
type HealthFlusher struct {
	store    storage.ChannelStore
	registry *health.Registry
	interval time.Duration
	staleAge time.Duration
}

func NewHealthFlusher(store storage.ChannelStore, registry *health.Registry, interval time.Duration) *HealthFlusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthFlusher{
		store:    store,
		registry: registry,
		interval: interval,
		staleAge: 24 * time.Hour,
	}
}

func (h *HealthFlusher) Name() string { return "health_flusher" }

func (h *HealthFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			h.flush(ctx)
			if evicted := h.registry.EvictStale(now.Add(-h.staleAge)); evicted > 0 {
				slog.Debug("evicted stale health trackers", "count", evicted)
			}
		case <-ctx.Done():
			// Final flush so restarts resume with current counters.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			h.flush(flushCtx)
			cancel()
			return nil
		}
	}
}

func (h *HealthFlusher) flush(ctx context.Context) {
	channels, err := h.store.ListChannels(ctx)
	if err != nil {
		slog.Warn("health flush list failed", "error", err)
		return
	}
	for _, snap := range h.registry.DirtySnapshots(channels) {
		if err := h.store.UpdateChannelHealth(ctx, snap); err != nil {
			slog.Warn("health flush write failed", "channel", snap.Name, "error", err)
		}
	}
}

// RateLimitSweeper drops rate-limit windows that closed before the sweep.
type RateLimitSweeper struct {
	limiter  *ratelimit.Limiter
	interval time.Duration
}

func NewRateLimitSweeper(limiter *ratelimit.Limiter, interval time.Duration) *RateLimitSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RateLimitSweeper{limiter: limiter, interval: interval}
}

func (s *RateLimitSweeper) Name() string { return "ratelimit_sweeper" }

func (s *RateLimitSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if swept := s.limiter.SweepExpired(now); swept > 0 {
				slog.Debug("swept expired rate limit windows", "count", swept)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// StateSweeper drops abandoned OAuth authorization states.
type StateSweeper struct {
	sweep    func(time.Time) int
	interval time.Duration
}

func NewStateSweeper(sweep func(time.Time) int, interval time.Duration) *StateSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StateSweeper{sweep: sweep, interval: interval}
}

func (s *StateSweeper) Name() string { return "oauth_state_sweeper" }

func (s *StateSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if swept := s.sweep(now); swept > 0 {
				slog.Debug("swept abandoned oauth states", "count", swept)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
