package health

import (
	"sync"
	"time"

	routex "github.com/routexhq/routex/internal"
)

// Registry manages per-channel Trackers.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	config   Config
}

// NewRegistry creates a health registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		trackers: make(map[string]*Tracker),
		config:   cfg.withDefaults(),
	}
}

// GetOrCreate returns the tracker for the channel, seeding a new tracker
// from the persisted row on first sight. Uses double-check locking to
// minimize write-lock contention.
func (r *Registry) GetOrCreate(ch *routex.Channel) *Tracker {
	r.mu.RLock()
	t, ok := r.trackers[ch.ID]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[ch.ID]; ok {
		return t
	}
	t = newTracker(r.config, ch)
	r.trackers[ch.ID] = t
	return t
}

// Eligible reports whether the channel may receive a request now. Channels
// the admin disabled are never eligible regardless of health state.
func (r *Registry) Eligible(ch *routex.Channel, now time.Time) bool {
	if ch.Status == routex.StatusDisabled {
		return false
	}
	return r.GetOrCreate(ch).Eligible(now)
}

// Admit is Eligible plus half-open probe admission. Call it only for the
// channel that will actually receive the request.
func (r *Registry) Admit(ch *routex.Channel, now time.Time) bool {
	if ch.Status == routex.StatusDisabled {
		return false
	}
	return r.GetOrCreate(ch).Admit(now)
}

// Overlay returns a copy of ch with live health state applied. The stored
// row is never mutated in place.
func (r *Registry) Overlay(ch *routex.Channel) *routex.Channel {
	snap := *ch
	r.GetOrCreate(ch).overlay(&snap)
	return &snap
}

// DirtySnapshots returns overlaid copies of the given channels whose
// trackers changed since the last call, clearing the dirty marks. The
// flush worker persists these through the store.
func (r *Registry) DirtySnapshots(channels []*routex.Channel) []*routex.Channel {
	var out []*routex.Channel
	for _, ch := range channels {
		t := r.GetOrCreate(ch)
		t.mu.Lock()
		dirty := t.dirty
		t.dirty = false
		t.mu.Unlock()
		if dirty {
			out = append(out, r.Overlay(ch))
		}
	}
	return out
}

// EvictStale removes trackers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, t := range r.trackers {
		if t.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if t, ok := r.trackers[k]; ok && t.LastUsed().Before(cutoff) {
			delete(r.trackers, k)
			evicted++
		}
	}
	return evicted
}
