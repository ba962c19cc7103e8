package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/balancer"
	"github.com/routexhq/routex/internal/cache"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/testutil"
)

func newRouter(t *testing.T, store *testutil.FakeStore) (*Router, *health.Registry) {
	t.Helper()
	catalog := cache.NewCatalog(store, cache.DefaultTTLConfig())
	hr := health.NewRegistry(health.DefaultConfig())
	return New(catalog, hr, balancer.New(balancer.StrategyPriority)), hr
}

func chn(id, name string, priority int, models ...string) *routex.Channel {
	return &routex.Channel{
		ID:       id,
		Name:     name,
		Vendor:   routex.VendorOpenAI,
		Priority: priority,
		Weight:   1,
		Models:   models,
		Status:   routex.StatusEnabled,
	}
}

func rule(name string, priority int, typ routex.RuleType, cond, target, targetModel string) *routex.RoutingRule {
	return &routex.RoutingRule{
		ID:            name,
		Name:          name,
		Type:          typ,
		Condition:     json.RawMessage(cond),
		TargetChannel: target,
		TargetModel:   targetModel,
		Priority:      priority,
		Enabled:       true,
	}
}

func TestPick_NoRulesUsesBalancer(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "low", 1))
	store.AddChannel(chn("2", "high", 9))
	r, _ := newRouter(t, store)

	d, err := r.Pick(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Channel.Name != "high" {
		t.Fatalf("picked %s, want high", d.Channel.Name)
	}
	if d.Model != "gpt-4o" || d.Rule != nil {
		t.Fatalf("decision = %+v, want untouched model and no rule", d)
	}
}

func TestPick_PinnedChannel(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "main", 9))
	store.AddChannel(chn("2", "special", 1))
	store.AddRule(rule("pin", 10, routex.RuleModelExact, `{"model":"o3"}`, "special", ""))
	r, _ := newRouter(t, store)

	d, err := r.Pick(context.Background(), Request{Model: "o3"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Channel.Name != "special" {
		t.Fatalf("picked %s, want pinned special", d.Channel.Name)
	}
	if d.Rule == nil || d.Rule.Name != "pin" {
		t.Fatalf("rule = %+v, want pin", d.Rule)
	}
}

func TestPick_PinnedChannelIneligible(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "main", 9))
	store.AddChannel(chn("2", "special", 1))
	store.AddRule(rule("pin", 10, routex.RuleModelExact, `{"model":"o3"}`, "special", ""))
	r, hr := newRouter(t, store)

	// Trip the pinned channel's circuit.
	tr := hr.GetOrCreate(chn("2", "special", 1))
	now := time.Now()
	for range 5 {
		tr.RecordFailure(now)
	}

	_, err := r.Pick(context.Background(), Request{Model: "o3"})
	if !errors.Is(err, routex.ErrRoutedChannel) {
		t.Fatalf("err = %v, want ErrRoutedChannel, not a silent fallback", err)
	}
}

func TestPick_PinnedChannelMissing(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "main", 9))
	store.AddRule(rule("pin", 10, routex.RuleModelExact, `{"model":"o3"}`, "ghost", ""))
	r, _ := newRouter(t, store)

	_, err := r.Pick(context.Background(), Request{Model: "o3"})
	if !errors.Is(err, routex.ErrRoutedChannel) {
		t.Fatalf("err = %v, want ErrRoutedChannel", err)
	}
}

func TestPick_TargetAnyRewritesModel(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "claude", 5, "claude-sonnet-4"))
	store.AddChannel(chn("2", "openai", 5, "gpt-4o"))
	store.AddRule(rule("alias", 10, routex.RuleModelExact,
		`{"model":"best"}`, routex.TargetAny, "claude-sonnet-4"))
	r, _ := newRouter(t, store)

	d, err := r.Pick(context.Background(), Request{Model: "best"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Model != "claude-sonnet-4" {
		t.Fatalf("model = %s, want rewritten claude-sonnet-4", d.Model)
	}
	if d.Channel.Name != "claude" {
		t.Fatalf("picked %s, want claude (rewritten model filters candidates)", d.Channel.Name)
	}
}

func TestPick_FirstMatchWins(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "a", 1))
	store.AddChannel(chn("2", "b", 1))
	store.AddRule(rule("low", 1, routex.RuleModelPrefix, `{"prefix":"gpt"}`, "a", ""))
	store.AddRule(rule("high", 9, routex.RuleModelPrefix, `{"prefix":"gpt"}`, "b", ""))
	r, _ := newRouter(t, store)

	d, err := r.Pick(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Rule.Name != "high" {
		t.Fatalf("matched %s, want high (priority desc)", d.Rule.Name)
	}
}

func TestPick_NoEligibleChannels(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ch := chn("1", "only", 1)
	ch.Status = routex.StatusDisabled
	store.AddChannel(ch)
	r, _ := newRouter(t, store)

	_, err := r.Pick(context.Background(), Request{Model: "gpt-4o"})
	if !errors.Is(err, routex.ErrNoChannel) {
		t.Fatalf("err = %v, want ErrNoChannel", err)
	}
}

func TestPick_UnselectedCandidateKeepsProbe(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "healthy", 9))
	store.AddChannel(chn("2", "broken", 1))
	r, hr := newRouter(t, store)

	// Trip broken's circuit an hour ago so its open window is long expired.
	tr := hr.GetOrCreate(chn("2", "broken", 1))
	tripped := time.Now().Add(-time.Hour)
	for range 5 {
		tr.RecordFailure(tripped)
	}

	// The priority strategy picks healthy; broken was a candidate but must
	// not lose its half-open probe slot for it.
	d, err := r.Pick(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Channel.Name != "healthy" {
		t.Fatalf("picked %s, want healthy", d.Channel.Name)
	}

	// With healthy excluded, broken's probe must still be admissible.
	d, err = r.PickRetry(context.Background(), Request{Model: "m"}, map[string]bool{"1": true})
	if err != nil {
		t.Fatalf("probe pick failed: %v", err)
	}
	if d.Channel.Name != "broken" {
		t.Fatalf("picked %s, want the half-open broken channel", d.Channel.Name)
	}
}

func TestPick_SkipsChannelWithProbeInFlight(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "healthy", 1))
	store.AddChannel(chn("2", "broken", 9))
	r, hr := newRouter(t, store)

	tr := hr.GetOrCreate(chn("2", "broken", 9))
	tripped := time.Now().Add(-time.Hour)
	for range 5 {
		tr.RecordFailure(tripped)
	}
	// Claim the probe slot as a concurrent request would.
	if !tr.Admit(time.Now()) {
		t.Fatal("probe not admitted")
	}

	// broken wins on priority but its probe is in flight; the pick must
	// fall through to healthy instead of failing.
	d, err := r.Pick(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Channel.Name != "healthy" {
		t.Fatalf("picked %s, want healthy", d.Channel.Name)
	}
}

func TestPickRetry_ExcludesFailed(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.AddChannel(chn("1", "first", 9))
	store.AddChannel(chn("2", "second", 1))
	r, _ := newRouter(t, store)

	d, err := r.PickRetry(context.Background(), Request{Model: "m"}, map[string]bool{"1": true})
	if err != nil {
		t.Fatal(err)
	}
	if d.Channel.ID != "2" {
		t.Fatalf("picked %s, want the non-excluded channel", d.Channel.ID)
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()
	hdr := http.Header{}
	hdr.Set("X-Team", "ml")

	tests := []struct {
		name string
		typ  routex.RuleType
		cond string
		req  Request
		want bool
	}{
		{"exact hit", routex.RuleModelExact, `{"model":"gpt-4o"}`, Request{Model: "gpt-4o"}, true},
		{"exact miss", routex.RuleModelExact, `{"model":"gpt-4o"}`, Request{Model: "gpt-4o-mini"}, false},
		{"prefix hit", routex.RuleModelPrefix, `{"prefix":"claude-"}`, Request{Model: "claude-sonnet-4"}, true},
		{"prefix miss", routex.RuleModelPrefix, `{"prefix":"claude-"}`, Request{Model: "gpt-4o"}, false},
		{"regex hit", routex.RuleModelRegex, `{"pattern":"^gpt-4o(-mini)?$"}`, Request{Model: "gpt-4o-mini"}, true},
		{"regex miss", routex.RuleModelRegex, `{"pattern":"^gpt-4o$"}`, Request{Model: "gpt-4"}, false},
		{"path hit", routex.RulePathPrefix, `{"prefix":"/v1/messages"}`, Request{Path: "/v1/messages"}, true},
		{"path miss", routex.RulePathPrefix, `{"prefix":"/v1/messages"}`, Request{Path: "/v1/chat/completions"}, false},
		{"header value hit", routex.RuleHeader, `{"name":"X-Team","value":"ml"}`, Request{Header: hdr}, true},
		{"header value miss", routex.RuleHeader, `{"name":"X-Team","value":"infra"}`, Request{Header: hdr}, false},
		{"header presence", routex.RuleHeader, `{"name":"X-Team"}`, Request{Header: hdr}, true},
		{"header nil", routex.RuleHeader, `{"name":"X-Team"}`, Request{}, false},
		{"user hit", routex.RuleUser, `{"user":"u-1"}`, Request{User: "u-1"}, true},
		{"user miss", routex.RuleUser, `{"user":"u-1"}`, Request{User: "u-2"}, false},
		{"tag hit", routex.RuleTag, `{"tag":"batch"}`, Request{Tags: []string{"eval", "batch"}}, true},
		{"tag miss", routex.RuleTag, `{"tag":"batch"}`, Request{Tags: []string{"eval"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := rule(tt.name, 1, tt.typ, tt.cond, routex.TargetAny, "")
			got, err := Matches(r, tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_BadRegex(t *testing.T) {
	t.Parallel()
	r := rule("bad", 1, routex.RuleModelRegex, `{"pattern":"("}`, routex.TargetAny, "")
	if _, err := Matches(r, Request{Model: "m"}); err == nil {
		t.Fatal("want error for invalid pattern")
	}
}

func TestValidateRule(t *testing.T) {
	t.Parallel()
	bad := []*routex.RoutingRule{
		rule("r1", 1, "made_up", `{}`, routex.TargetAny, ""),
		rule("r2", 1, routex.RuleModelExact, `{}`, routex.TargetAny, ""),
		rule("r3", 1, routex.RuleModelRegex, `{"pattern":"("}`, routex.TargetAny, ""),
		rule("r4", 1, routex.RuleHeader, `{}`, routex.TargetAny, ""),
		rule("r5", 1, routex.RuleModelExact, `{"model":"m"}`, "", ""),
	}
	for _, r := range bad {
		if err := ValidateRule(r); !errors.Is(err, routex.ErrBadRequest) {
			t.Fatalf("rule %s: err = %v, want ErrBadRequest", r.Name, err)
		}
	}
	good := rule("ok", 1, routex.RuleTag, `{"tag":"batch"}`, "special", "gpt-4o")
	if err := ValidateRule(good); err != nil {
		t.Fatal(err)
	}
}
