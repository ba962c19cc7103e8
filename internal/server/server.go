// Package server implements the HTTP transport layer for the Routex gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routexhq/routex/internal/balancer"
	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/oauth"
	"github.com/routexhq/routex/internal/pricing"
	"github.com/routexhq/routex/internal/proxy"
	"github.com/routexhq/routex/internal/ratelimit"
	"github.com/routexhq/routex/internal/storage"
	"github.com/routexhq/routex/internal/telemetry"
	"github.com/routexhq/routex/internal/transform"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TeeRefresher reloads tee destinations after admin writes.
type TeeRefresher interface {
	Refresh(ctx context.Context) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store      storage.Store
	Catalog    *cache.Catalog
	Health     *health.Registry
	Balancer   *balancer.Balancer
	Engine     *proxy.Engine
	Transforms *transform.Registry
	Pricing    *pricing.Table

	Tees  TeeRefresher   // nil = tee changes picked up on the next refresh tick
	OAuth *oauth.Manager // nil = oauth endpoints return 404

	Metrics  *telemetry.Metrics    // nil = no Prometheus middleware
	Counters *telemetry.Counters   // nil = /api/metrics returns zeros
	Traces   *telemetry.TraceStore // nil = tracing endpoints return empty
	PromReg  prometheus.Gatherer   // nil = default registry

	Cipher           *crypto.Cipher // encrypts api keys submitted through the admin API
	Signer           *crypto.Signer // nil = signatures not enforced
	RequireSignature bool

	ProxyLimiter *ratelimit.Limiter // nil = hot path unlimited
	AdminLimiter *ratelimit.Limiter // nil = admin unlimited
	AuthLimiter  *ratelimit.Limiter // nil = oauth unlimited

	ReadyCheck  ReadyChecker // nil = always ready (for tests)
	Version     string
	StartedAt   time.Time
	CORSOrigins []string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// System endpoints (no auth, no limits)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.PromReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{}))
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// Hot path: dialect-native ingress, normalized to one canonical shape.
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(deps.ProxyLimiter, ratelimit.PresetProxy))
		r.Use(s.captureBody)
		r.Use(s.verifySignature)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/models/{model}", s.handleGenerateContent)
	})

	// Admin surface
	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit(deps.AdminLimiter, ratelimit.PresetStandard))

		r.Get("/", s.handleStatus)

		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Get("/channels/{name}", s.handleGetChannel)
		r.Put("/channels/{name}", s.handleUpdateChannel)
		r.Delete("/channels/{name}", s.handleDeleteChannel)
		r.Post("/channels/{name}/test", s.handleTestChannel)
		r.Post("/channels/test/all", s.handleTestAllChannels)

		r.Put("/strategy", s.handleSetStrategy)

		r.Get("/routing/rules", s.handleListRules)
		r.Post("/routing/rules", s.handleCreateRule)
		r.Get("/routing/rules/{id}", s.handleGetRule)
		r.Put("/routing/rules/{id}", s.handleUpdateRule)
		r.Delete("/routing/rules/{id}", s.handleDeleteRule)

		r.Get("/transformers", s.handleListTransformers)
		r.Post("/transformers", s.handleConfigureTransformer)
		r.Put("/transformers/{id}", s.handleUpdateTransformer)

		r.Get("/tee", s.handleListTees)
		r.Post("/tee", s.handleCreateTee)
		r.Put("/tee/{id}", s.handleUpdateTee)
		r.Delete("/tee/{id}", s.handleDeleteTee)

		r.Get("/analytics", s.handleAnalytics)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/metrics/reset", s.handleMetricsReset)
		r.Get("/requests", s.handleListRequests)

		r.Get("/tracing/stats", s.handleTracingStats)
		r.Get("/tracing/traces", s.handleTracingList)
		r.Get("/tracing/traces/{id}", s.handleTracingGet)
		r.Post("/tracing/clear", s.handleTracingClear)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(deps.AuthLimiter, ratelimit.PresetAuth))
			r.Get("/oauth/providers", s.handleOAuthProviders)
			r.Get("/oauth/{provider}/authorize", s.handleOAuthAuthorize)
			r.Get("/oauth/callback/{provider}", s.handleOAuthCallback)
			r.Get("/oauth/sessions", s.handleListSessions)
			r.Get("/oauth/sessions/{id}", s.handleGetSession)
			r.Delete("/oauth/sessions/{id}", s.handleDeleteSession)
		})
	})

	return r
}

type server struct {
	deps Deps
}
