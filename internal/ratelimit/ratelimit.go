// Package ratelimit implements fixed-window request counting per client key.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Preset names a built-in limit profile.
type Preset string

const (
	PresetStrict   Preset = "strict"
	PresetStandard Preset = "standard"
	PresetLenient  Preset = "lenient"
	PresetProxy    Preset = "proxy"
	PresetAuth     Preset = "auth"
)

// Limit is a fixed-window budget.
type Limit struct {
	Max    int
	Window time.Duration
}

// presets are the built-in budgets.
var presets = map[Preset]Limit{
	PresetStrict:   {Max: 10, Window: time.Minute},
	PresetStandard: {Max: 100, Window: time.Minute},
	PresetLenient:  {Max: 1000, Window: time.Minute},
	PresetProxy:    {Max: 60, Window: time.Minute},
	PresetAuth:     {Max: 5, Window: 15 * time.Minute},
}

// PresetLimit returns the budget for a preset, defaulting to standard.
func PresetLimit(p Preset) Limit {
	if l, ok := presets[p]; ok {
		return l
	}
	return presets[PresetStandard]
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key in fixed windows. Expired windows are
// swept by SweepExpired, run periodically by a worker.
type Limiter struct {
	mu      sync.Mutex
	limit   Limit
	windows map[string]*window
}

func New(limit Limit) *Limiter {
	return &Limiter{limit: limit, windows: make(map[string]*window)}
}

// NewPreset returns a limiter with a preset budget.
func NewPreset(p Preset) *Limiter {
	return New(PresetLimit(p))
}

// Allow admits or rejects one request for key at the given time.
// Exactly Max requests pass per window; request Max+1 is rejected.
func (l *Limiter) Allow(key string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.limit.Window {
		w = &window{start: now}
		l.windows[key] = w
	}

	reset := w.start.Add(l.limit.Window)
	if w.count >= l.limit.Max {
		return Result{
			Allowed:    false,
			Limit:      l.limit.Max,
			Remaining:  0,
			RetryAfter: reset.Sub(now),
			Reset:      reset,
		}
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     l.limit.Max,
		Remaining: l.limit.Max - w.count,
		Reset:     reset,
	}
}

// SweepExpired drops windows older than one full window length.
func (l *Limiter) SweepExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := 0
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.limit.Window {
			delete(l.windows, k)
			swept++
		}
	}
	return swept
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// ClientKey derives the rate-limit key for a request: the API key prefix
// when credentials are present, otherwise the forwarded client IP.
func ClientKey(r *http.Request) string {
	if key := apiKey(r); key != "" {
		if len(key) > 12 {
			key = key[:12]
		}
		return "key:" + key
	}
	return "ip:" + clientIP(r)
}

func apiKey(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); v != "" {
		if bearer, ok := strings.CutPrefix(v, "Bearer "); ok {
			return bearer
		}
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
