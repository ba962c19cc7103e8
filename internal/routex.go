// Package routex defines domain types and interfaces for the Routex AI gateway.
// This package has no project imports -- it is the dependency root.
package routex

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// --- Channels ---

// Vendor identifies the upstream API dialect a channel speaks.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
	VendorGoogle    Vendor = "google"
	VendorAzure     Vendor = "azure"
	VendorZhipu     Vendor = "zhipu"
	VendorCustom    Vendor = "custom"
)

// Valid reports whether v is a known vendor tag.
func (v Vendor) Valid() bool {
	switch v {
	case VendorAnthropic, VendorOpenAI, VendorGoogle, VendorAzure, VendorZhipu, VendorCustom:
		return true
	}
	return false
}

// ChannelStatus is the admin-visible lifecycle state of a channel.
type ChannelStatus string

const (
	StatusEnabled        ChannelStatus = "enabled"
	StatusDisabled       ChannelStatus = "disabled"
	StatusRateLimited    ChannelStatus = "rate_limited"
	StatusCircuitBreaker ChannelStatus = "circuit_breaker"
)

// Channel is a configured outbound credential+endpoint pair toward one vendor.
// The API key is persisted only in encrypted form (APIKeyEnc).
type Channel struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Vendor              Vendor        `json:"vendor"`
	BaseURL             string        `json:"base_url,omitempty"`
	APIKeyEnc           string        `json:"-"`
	RefreshToken        string        `json:"-"`
	Models              []string      `json:"models,omitempty"` // nil/empty = all models
	Priority            int           `json:"priority"`
	Weight              int           `json:"weight"` // >= 1
	Status              ChannelStatus `json:"status"`
	RequestCount        int64         `json:"request_count"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastUsedAt          *time.Time    `json:"last_used_at,omitempty"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
	CircuitBreakerUntil *time.Time    `json:"circuit_breaker_until,omitempty"`
	RateLimitedUntil    *time.Time    `json:"rate_limited_until,omitempty"`
	Transformers        []string      `json:"transformers,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// SupportsModel reports whether the channel serves the given model.
// An empty model list means the channel serves everything.
func (c *Channel) SupportsModel(model string) bool {
	return len(c.Models) == 0 || slices.Contains(c.Models, model)
}

// --- Routing rules ---

// RuleType tags the kind of predicate a routing rule carries.
type RuleType string

const (
	RuleModelExact  RuleType = "model_exact"
	RuleModelPrefix RuleType = "model_prefix"
	RuleModelRegex  RuleType = "model_regex"
	RulePathPrefix  RuleType = "path_prefix"
	RuleHeader      RuleType = "header"
	RuleUser        RuleType = "user"
	RuleTag         RuleType = "tag"
)

// TargetAny is the targetChannel sentinel meaning "any channel via the
// load balancer".
const TargetAny = "*"

// RoutingRule overrides channel/model selection when its condition matches.
// Enabled rules are consulted in descending priority; ties break on
// ascending name.
type RoutingRule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          RuleType        `json:"type"`
	Condition     json.RawMessage `json:"condition"`
	TargetChannel string          `json:"target_channel"`
	TargetModel   string          `json:"target_model,omitempty"`
	Transformer   string          `json:"transformer,omitempty"`
	Priority      int             `json:"priority"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// --- Tee destinations ---

// TeeType identifies the delivery mechanism for a tee destination.
type TeeType string

const (
	TeeHTTP    TeeType = "http"
	TeeWebhook TeeType = "webhook"
	TeeFile    TeeType = "file"
	TeeCustom  TeeType = "custom"
)

// TeeFilter restricts which records a destination receives.
// Empty slices match everything.
type TeeFilter struct {
	Models      []string `json:"models,omitempty"`
	StatusCodes []int    `json:"status_codes,omitempty"`
}

// Matches reports whether the record passes the filter.
func (f *TeeFilter) Matches(rec *RequestLog) bool {
	if f == nil {
		return true
	}
	if len(f.Models) > 0 && !slices.Contains(f.Models, rec.Model) {
		return false
	}
	if len(f.StatusCodes) > 0 && !slices.Contains(f.StatusCodes, rec.StatusCode) {
		return false
	}
	return true
}

// TeeDestination is an external sink for finalized request records.
// Delivery is best-effort: at most Retries attempts, each bounded by TimeoutMs.
type TeeDestination struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      TeeType           `json:"type"`
	Enabled   bool              `json:"enabled"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"` // POST or PUT
	Headers   map[string]string `json:"headers,omitempty"`
	FilePath  string            `json:"file_path,omitempty"`
	HandlerID string            `json:"handler_id,omitempty"`
	Filter    *TeeFilter        `json:"filter,omitempty"`
	Retries   int               `json:"retries"`
	TimeoutMs int               `json:"timeout_ms"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// --- Request logs ---

// RequestLog is the append-only record of one proxied request.
type RequestLog struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	Model        string    `json:"model"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CachedTokens int       `json:"cached_tokens"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogFilter narrows request log queries. Zero values are ignored.
type LogFilter struct {
	StatusCode int
	ChannelID  string
	Model      string // substring match
	Path       string // substring match
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Analytics is the aggregate view over all request logs.
type Analytics struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CachedTokens  int64   `json:"cached_tokens"`
	CostUSD       float64 `json:"cost_usd"`
}

// --- OAuth sessions ---

// OAuthSession is a stored provider token bundle, optionally bound to a channel.
// The gateway never refreshes a session synchronously on the hot path.
type OAuthSession struct {
	ID           string          `json:"id"`
	ChannelID    string          `json:"channel_id,omitempty"`
	Provider     string          `json:"provider"`
	AccessToken  string          `json:"-"`
	RefreshToken string          `json:"-"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Scopes       []string        `json:"scopes,omitempty"`
	UserInfo     json.RawMessage `json:"user_info,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Expired reports whether the session is unusable at the given time.
func (s *OAuthSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Later middleware mutates the same pointer instead of stacking
// context.WithValue calls.
type requestMeta struct {
	RequestID string
	TraceID   string
	Body      []byte // captured request body, buffered once at middleware entry
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// SetTraceID stores the trace ID in the existing request metadata, if any.
func SetTraceID(ctx context.Context, id string) {
	if m := metaFromContext(ctx); m != nil {
		m.TraceID = id
	}
}

// TraceIDFromContext extracts the trace ID from context.
func TraceIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.TraceID
	}
	return ""
}

// SetCapturedBody stores the buffered request body in the request metadata.
func SetCapturedBody(ctx context.Context, body []byte) {
	if m := metaFromContext(ctx); m != nil {
		m.Body = body
	}
}

// CapturedBody returns the buffered request body, or nil.
func CapturedBody(ctx context.Context) []byte {
	if m := metaFromContext(ctx); m != nil {
		return m.Body
	}
	return nil
}
