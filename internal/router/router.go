// Package router turns an inbound request into a channel decision. Routing
// rules are evaluated first in effective order (priority desc, name asc);
// the first match may pin a channel or rewrite the model. When no rule pins
// a channel, the load balancer picks from the eligible candidates.
package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/balancer"
	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/health"
)

// Request is the routing view of an inbound request. The server layer
// populates User from the x-user-id header and Tags from x-routex-tags.
type Request struct {
	Model  string
	Path   string
	Header http.Header
	User   string
	Tags   []string
}

// Decision is the outcome of routing: the channel to call, the model to
// send it (after any rule rewrite), and the rule that matched, if any.
type Decision struct {
	Channel *routex.Channel
	Model   string
	Rule    *routex.RoutingRule
}

type Router struct {
	catalog  *cache.Catalog
	health   *health.Registry
	balancer *balancer.Balancer
}

func New(catalog *cache.Catalog, hr *health.Registry, lb *balancer.Balancer) *Router {
	return &Router{catalog: catalog, health: hr, balancer: lb}
}

// Pick resolves the request to a channel. A rule naming a specific channel
// bypasses the balancer; if that channel is ineligible the request fails
// with ErrRoutedChannel instead of silently falling back.
func (r *Router) Pick(ctx context.Context, req Request) (Decision, error) {
	return r.PickRetry(ctx, req, nil)
}

// PickRetry is Pick with an exclusion set for channels that already failed
// this request. A pinned rule target that failed is not retried elsewhere.
func (r *Router) PickRetry(ctx context.Context, req Request, failed map[string]bool) (Decision, error) {
	rule, err := r.match(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	model := req.Model
	if rule != nil && rule.TargetModel != "" {
		model = rule.TargetModel
	}

	channels, err := r.catalog.EnabledChannels(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list channels: %w", err)
	}
	now := time.Now()

	if rule != nil && rule.TargetChannel != routex.TargetAny {
		for _, ch := range channels {
			if ch.Name != rule.TargetChannel {
				continue
			}
			if failed[ch.ID] || !r.health.Admit(ch, now) {
				return Decision{}, fmt.Errorf("%w: channel %q", routex.ErrRoutedChannel, ch.Name)
			}
			return Decision{Channel: r.health.Overlay(ch), Model: model, Rule: rule}, nil
		}
		return Decision{}, fmt.Errorf("%w: channel %q not found", routex.ErrRoutedChannel, rule.TargetChannel)
	}

	// Overlay live counters so least_used sees current usage. Eligible does
	// not claim the half-open probe slot; Admit claims it below, only for
	// the channel the balancer picks.
	candidates := make([]*routex.Channel, 0, len(channels))
	for _, ch := range channels {
		if failed[ch.ID] || !r.health.Eligible(ch, now) {
			continue
		}
		candidates = append(candidates, r.health.Overlay(ch))
	}
	for {
		picked, err := r.balancer.Select(candidates, model)
		if err != nil {
			return Decision{}, err
		}
		if r.health.Admit(picked, now) {
			return Decision{Channel: picked, Model: model, Rule: rule}, nil
		}
		// A concurrent request claimed the probe slot first; repick
		// without this channel.
		kept := candidates[:0]
		for _, c := range candidates {
			if c.ID != picked.ID {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
}

func (r *Router) match(ctx context.Context, req Request) (*routex.RoutingRule, error) {
	rules, err := r.catalog.EnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	for _, rule := range rules {
		ok, err := Matches(rule, req)
		if err != nil {
			// A malformed condition disables the rule, not the request.
			continue
		}
		if ok {
			return rule, nil
		}
	}
	return nil, nil
}
