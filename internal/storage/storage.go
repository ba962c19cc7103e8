// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	routex "github.com/routexhq/routex/internal"
)

// ChannelStore manages channel persistence.
type ChannelStore interface {
	CreateChannel(ctx context.Context, c *routex.Channel) error
	GetChannel(ctx context.Context, id string) (*routex.Channel, error)
	GetChannelByName(ctx context.Context, name string) (*routex.Channel, error)
	ListChannels(ctx context.Context) ([]*routex.Channel, error)
	ListEnabledChannels(ctx context.Context) ([]*routex.Channel, error)
	UpdateChannel(ctx context.Context, c *routex.Channel) error
	// UpdateChannelHealth persists counter and window mutations made by the
	// health registry. It never touches admin-owned fields.
	UpdateChannelHealth(ctx context.Context, c *routex.Channel) error
	DeleteChannel(ctx context.Context, id string) error
}

// RuleStore manages routing rule persistence.
type RuleStore interface {
	CreateRule(ctx context.Context, r *routex.RoutingRule) error
	GetRule(ctx context.Context, id string) (*routex.RoutingRule, error)
	ListRules(ctx context.Context) ([]*routex.RoutingRule, error)
	// ListEnabledRules returns enabled rules in effective order:
	// priority descending, name ascending on ties.
	ListEnabledRules(ctx context.Context) ([]*routex.RoutingRule, error)
	UpdateRule(ctx context.Context, r *routex.RoutingRule) error
	DeleteRule(ctx context.Context, id string) error
}

// TeeStore manages tee destination persistence.
type TeeStore interface {
	CreateTee(ctx context.Context, d *routex.TeeDestination) error
	GetTee(ctx context.Context, id string) (*routex.TeeDestination, error)
	ListTees(ctx context.Context) ([]*routex.TeeDestination, error)
	UpdateTee(ctx context.Context, d *routex.TeeDestination) error
	DeleteTee(ctx context.Context, id string) error
}

// SessionStore manages OAuth session persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, s *routex.OAuthSession) error
	GetSession(ctx context.Context, id string) (*routex.OAuthSession, error)
	ListSessions(ctx context.Context) ([]*routex.OAuthSession, error)
	UpdateSession(ctx context.Context, s *routex.OAuthSession) error
	DeleteSession(ctx context.Context, id string) error
}

// LogStore manages request log persistence. Records are append-only.
type LogStore interface {
	InsertLogs(ctx context.Context, records []routex.RequestLog) error
	// QueryLogs returns matching rows plus the total match count in one call.
	QueryLogs(ctx context.Context, f routex.LogFilter) ([]routex.RequestLog, int, error)
	// Analytics aggregates counts, latency, and token sums over all logs.
	// Token sums per model are returned so cost can be priced by the caller.
	Analytics(ctx context.Context) (*routex.Analytics, map[string]ModelTokens, error)
}

// ModelTokens is the per-model token aggregate used for cost derivation.
type ModelTokens struct {
	InputTokens  int64
	OutputTokens int64
}

// Store combines all storage interfaces.
type Store interface {
	ChannelStore
	RuleStore
	TeeStore
	SessionStore
	LogStore
	Close() error
}
