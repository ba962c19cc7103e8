package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	routex "github.com/routexhq/routex/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChannel(id, name string) *routex.Channel {
	now := time.Now().UTC().Truncate(time.Second)
	return &routex.Channel{
		ID:        id,
		Name:      name,
		Vendor:    routex.VendorAnthropic,
		BaseURL:   "https://api.anthropic.com",
		APIKeyEnc: "aabb:ccdd:eeff",
		Models:    []string{"claude-sonnet-4", "claude-opus-4"},
		Priority:  10,
		Weight:    2,
		Status:    routex.StatusEnabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestChannelCRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ch := testChannel("ch1", "primary")
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	got, err := s.GetChannel(ctx, "ch1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Name != "primary" || got.Vendor != routex.VendorAnthropic || got.Weight != 2 {
		t.Fatalf("got %+v", got)
	}
	if len(got.Models) != 2 || got.Models[0] != "claude-sonnet-4" {
		t.Fatalf("models = %v", got.Models)
	}
	if got.APIKeyEnc != "aabb:ccdd:eeff" {
		t.Fatalf("api key at rest = %q, want ciphertext", got.APIKeyEnc)
	}

	byName, err := s.GetChannelByName(ctx, "primary")
	if err != nil || byName.ID != "ch1" {
		t.Fatalf("GetChannelByName: %v, %+v", err, byName)
	}

	got.Priority = 99
	got.Status = routex.StatusDisabled
	if err := s.UpdateChannel(ctx, got); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}
	got2, _ := s.GetChannel(ctx, "ch1")
	if got2.Priority != 99 || got2.Status != routex.StatusDisabled {
		t.Fatalf("update not applied: %+v", got2)
	}

	if err := s.DeleteChannel(ctx, "ch1"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := s.GetChannel(ctx, "ch1"); !errors.Is(err, routex.ErrNotFound) {
		t.Fatalf("after delete: %v, want ErrNotFound", err)
	}
}

func TestChannelUniqueName(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateChannel(ctx, testChannel("a", "dup")); err != nil {
		t.Fatal(err)
	}
	err := s.CreateChannel(ctx, testChannel("b", "dup"))
	if !errors.Is(err, routex.ErrConflict) {
		t.Fatalf("duplicate name = %v, want ErrConflict", err)
	}
}

func TestChannelWeightClamped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ch := testChannel("w", "weightless")
	ch.Weight = 0
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetChannel(ctx, "w")
	if got.Weight != 1 {
		t.Fatalf("weight = %d, want clamped to 1", got.Weight)
	}
}

func TestUpdateChannelHealth(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateChannel(ctx, testChannel("h", "health")); err != nil {
		t.Fatal(err)
	}
	ch, _ := s.GetChannel(ctx, "h")
	until := time.Now().Add(30 * time.Second).UTC().Truncate(time.Second)
	ch.Status = routex.StatusCircuitBreaker
	ch.ConsecutiveFailures = 5
	ch.FailureCount = 5
	ch.CircuitBreakerUntil = &until

	if err := s.UpdateChannelHealth(ctx, ch); err != nil {
		t.Fatalf("UpdateChannelHealth: %v", err)
	}
	got, _ := s.GetChannel(ctx, "h")
	if got.Status != routex.StatusCircuitBreaker || got.ConsecutiveFailures != 5 {
		t.Fatalf("health not persisted: %+v", got)
	}
	if got.CircuitBreakerUntil == nil || !got.CircuitBreakerUntil.Equal(until) {
		t.Fatalf("circuit_breaker_until = %v, want %v", got.CircuitBreakerUntil, until)
	}
}

func TestListEnabledChannels(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := testChannel("a", "alpha")
	b := testChannel("b", "beta")
	b.Status = routex.StatusDisabled
	c := testChannel("c", "gamma")
	c.Priority = 50
	for _, ch := range []*routex.Channel{a, b, c} {
		if err := s.CreateChannel(ctx, ch); err != nil {
			t.Fatal(err)
		}
	}

	enabled, err := s.ListEnabledChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 2 {
		t.Fatalf("enabled count = %d, want 2", len(enabled))
	}
	// priority DESC: gamma(50) before alpha(10)
	if enabled[0].Name != "gamma" || enabled[1].Name != "alpha" {
		t.Fatalf("order = %s, %s", enabled[0].Name, enabled[1].Name)
	}
}

func TestRuleEffectiveOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	mk := func(id, name string, prio int, enabled bool) *routex.RoutingRule {
		return &routex.RoutingRule{
			ID: id, Name: name, Type: routex.RuleModelExact,
			Condition:     []byte(`{"model":"claude-opus-4"}`),
			TargetChannel: "premium", Priority: prio, Enabled: enabled,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	for _, r := range []*routex.RoutingRule{
		mk("r1", "bravo", 10, true),
		mk("r2", "alpha", 10, true),
		mk("r3", "zulu", 100, true),
		mk("r4", "off", 999, false),
	} {
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	rules, err := s.ListEnabledRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, r := range rules {
		names = append(names, r.Name)
	}
	want := []string{"zulu", "alpha", "bravo"}
	if len(names) != 3 || names[0] != want[0] || names[1] != want[1] || names[2] != want[2] {
		t.Fatalf("effective order = %v, want %v", names, want)
	}
}

func TestTeeRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	d := &routex.TeeDestination{
		ID: "t1", Name: "audit", Type: routex.TeeHTTP, Enabled: true,
		URL: "https://sink.example.com/ingest", Method: "POST",
		Headers:   map[string]string{"Authorization": "Bearer xyz"},
		Filter:    &routex.TeeFilter{Models: []string{"claude-opus-4"}, StatusCodes: []int{200}},
		Retries:   3, TimeoutMs: 5000,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateTee(ctx, d); err != nil {
		t.Fatalf("CreateTee: %v", err)
	}
	got, err := s.GetTee(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTee: %v", err)
	}
	if got.URL != d.URL || got.Headers["Authorization"] != "Bearer xyz" {
		t.Fatalf("got %+v", got)
	}
	if got.Filter == nil || len(got.Filter.Models) != 1 || got.Filter.StatusCodes[0] != 200 {
		t.Fatalf("filter = %+v", got.Filter)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := &routex.OAuthSession{
		ID: "s1", Provider: "anthropic", AccessToken: "aa:bb:cc",
		RefreshToken: "dd:ee:ff", ExpiresAt: now.Add(time.Hour),
		Scopes: []string{"inference"}, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Provider != "anthropic" || got.AccessToken != "aa:bb:cc" || len(got.Scopes) != 1 {
		t.Fatalf("got %+v", got)
	}
	if got.Expired(now) {
		t.Fatal("session should not be expired")
	}
	if !got.Expired(now.Add(2 * time.Hour)) {
		t.Fatal("session should be expired after expiry")
	}
}

func TestRequestLogsQueryAndAnalytics(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	recs := []routex.RequestLog{
		{ID: "l1", ChannelID: "ch1", Model: "claude-sonnet-4", Method: "POST", Path: "/v1/messages",
			StatusCode: 200, LatencyMs: 100, InputTokens: 10, OutputTokens: 20, Success: true, CreatedAt: base},
		{ID: "l2", ChannelID: "ch1", Model: "claude-opus-4", Method: "POST", Path: "/v1/messages",
			StatusCode: 502, LatencyMs: 300, Success: false, Error: "upstream error", CreatedAt: base.Add(time.Minute)},
		{ID: "l3", ChannelID: "ch2", Model: "gpt-4o", Method: "POST", Path: "/v1/chat/completions",
			StatusCode: 200, LatencyMs: 200, InputTokens: 5, OutputTokens: 15, Success: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	if err := s.InsertLogs(ctx, recs); err != nil {
		t.Fatalf("InsertLogs: %v", err)
	}

	rows, total, err := s.QueryLogs(ctx, routex.LogFilter{ChannelID: "ch1"})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if total != 2 || len(rows) != 2 {
		t.Fatalf("total = %d rows = %d, want 2/2", total, len(rows))
	}
	// newest first
	if rows[0].ID != "l2" {
		t.Fatalf("order: first = %s, want l2", rows[0].ID)
	}

	rows, total, err = s.QueryLogs(ctx, routex.LogFilter{Model: "claude", StatusCode: 200})
	if err != nil || total != 1 || rows[0].ID != "l1" {
		t.Fatalf("filtered query: total=%d err=%v", total, err)
	}

	rows, total, err = s.QueryLogs(ctx, routex.LogFilter{Limit: 1})
	if err != nil || total != 3 || len(rows) != 1 {
		t.Fatalf("limit query: total=%d rows=%d err=%v", total, len(rows), err)
	}

	a, perModel, err := s.Analytics(ctx)
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if a.TotalRequests != 3 || a.SuccessCount != 2 {
		t.Fatalf("analytics = %+v", a)
	}
	if a.InputTokens != 15 || a.OutputTokens != 35 {
		t.Fatalf("token sums = %d/%d", a.InputTokens, a.OutputTokens)
	}
	if a.AvgLatencyMs != 200 {
		t.Fatalf("avg latency = %f, want 200", a.AvgLatencyMs)
	}
	if mt := perModel["claude-sonnet-4"]; mt.InputTokens != 10 || mt.OutputTokens != 20 {
		t.Fatalf("per-model tokens = %+v", mt)
	}
}
