// Package testutil holds in-memory fakes shared across package tests.
package testutil

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu       sync.RWMutex
	channels map[string]*routex.Channel
	rules    map[string]*routex.RoutingRule
	tees     map[string]*routex.TeeDestination
	sessions map[string]*routex.OAuthSession
	logs     []routex.RequestLog

	// Optional per-method error injection, keyed by method name.
	Errs map[string]error

	onInsertLogs func([]routex.RequestLog)
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		channels: make(map[string]*routex.Channel),
		rules:    make(map[string]*routex.RoutingRule),
		tees:     make(map[string]*routex.TeeDestination),
		sessions: make(map[string]*routex.OAuthSession),
		Errs:     make(map[string]error),
	}
}

func (s *FakeStore) err(method string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Errs[method]
}

// AddChannel inserts a channel directly, bypassing validation.
func (s *FakeStore) AddChannel(c *routex.Channel) {
	s.mu.Lock()
	s.channels[c.ID] = c
	s.mu.Unlock()
}

// AddRule inserts a rule directly.
func (s *FakeStore) AddRule(r *routex.RoutingRule) {
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
}

// AddTee inserts a tee destination directly.
func (s *FakeStore) AddTee(d *routex.TeeDestination) {
	s.mu.Lock()
	s.tees[d.ID] = d
	s.mu.Unlock()
}

// Logs returns a copy of all inserted log records.
func (s *FakeStore) Logs() []routex.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs)
}

// --- ChannelStore ---

func (s *FakeStore) CreateChannel(_ context.Context, c *routex.Channel) error {
	if err := s.err("CreateChannel"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.channels {
		if ex.Name == c.Name {
			return routex.ErrConflict
		}
	}
	s.channels[c.ID] = c
	return nil
}

func (s *FakeStore) GetChannel(_ context.Context, id string) (*routex.Channel, error) {
	if err := s.err("GetChannel"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, routex.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *FakeStore) GetChannelByName(_ context.Context, name string) (*routex.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.channels {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, routex.ErrNotFound
}

func (s *FakeStore) ListChannels(_ context.Context) ([]*routex.Channel, error) {
	if err := s.err("ListChannels"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*routex.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *routex.Channel) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *FakeStore) ListEnabledChannels(_ context.Context) ([]*routex.Channel, error) {
	if err := s.err("ListEnabledChannels"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*routex.Channel
	for _, c := range s.channels {
		if c.Status == routex.StatusDisabled {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *routex.Channel) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *FakeStore) UpdateChannel(_ context.Context, c *routex.Channel) error {
	if err := s.err("UpdateChannel"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[c.ID]; !ok {
		return routex.ErrNotFound
	}
	s.channels[c.ID] = c
	return nil
}

func (s *FakeStore) UpdateChannelHealth(_ context.Context, c *routex.Channel) error {
	if err := s.err("UpdateChannelHealth"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.channels[c.ID]
	if !ok {
		return routex.ErrNotFound
	}
	ex.RequestCount = c.RequestCount
	ex.SuccessCount = c.SuccessCount
	ex.FailureCount = c.FailureCount
	ex.ConsecutiveFailures = c.ConsecutiveFailures
	ex.LastUsedAt = c.LastUsedAt
	ex.LastFailureAt = c.LastFailureAt
	ex.CircuitBreakerUntil = c.CircuitBreakerUntil
	ex.RateLimitedUntil = c.RateLimitedUntil
	if ex.Status != routex.StatusDisabled {
		ex.Status = c.Status
	}
	return nil
}

func (s *FakeStore) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return routex.ErrNotFound
	}
	delete(s.channels, id)
	return nil
}

// --- RuleStore ---

func (s *FakeStore) CreateRule(_ context.Context, r *routex.RoutingRule) error {
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetRule(_ context.Context, id string) (*routex.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, routex.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FakeStore) ListRules(_ context.Context) ([]*routex.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*routex.RoutingRule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *routex.RoutingRule) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *FakeStore) ListEnabledRules(_ context.Context) ([]*routex.RoutingRule, error) {
	if err := s.err("ListEnabledRules"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*routex.RoutingRule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *routex.RoutingRule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *FakeStore) UpdateRule(_ context.Context, r *routex.RoutingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return routex.ErrNotFound
	}
	s.rules[r.ID] = r
	return nil
}

func (s *FakeStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return routex.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// --- TeeStore ---

func (s *FakeStore) CreateTee(_ context.Context, d *routex.TeeDestination) error {
	s.mu.Lock()
	s.tees[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetTee(_ context.Context, id string) (*routex.TeeDestination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tees[id]
	if !ok {
		return nil, routex.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *FakeStore) ListTees(_ context.Context) ([]*routex.TeeDestination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*routex.TeeDestination, 0, len(s.tees))
	for _, d := range s.tees {
		cp := *d
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *routex.TeeDestination) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *FakeStore) UpdateTee(_ context.Context, d *routex.TeeDestination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tees[d.ID]; !ok {
		return routex.ErrNotFound
	}
	s.tees[d.ID] = d
	return nil
}

func (s *FakeStore) DeleteTee(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tees[id]; !ok {
		return routex.ErrNotFound
	}
	delete(s.tees, id)
	return nil
}

// --- SessionStore ---

func (s *FakeStore) CreateSession(_ context.Context, sess *routex.OAuthSession) error {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetSession(_ context.Context, id string) (*routex.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, routex.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *FakeStore) ListSessions(_ context.Context) ([]*routex.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*routex.OAuthSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (s *FakeStore) UpdateSession(_ context.Context, sess *routex.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return routex.ErrNotFound
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *FakeStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return routex.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// --- LogStore ---

func (s *FakeStore) InsertLogs(_ context.Context, records []routex.RequestLog) error {
	if err := s.err("InsertLogs"); err != nil {
		return err
	}
	s.mu.Lock()
	s.logs = append(s.logs, records...)
	hook := s.onInsertLogs
	s.mu.Unlock()
	if hook != nil {
		hook(records)
	}
	return nil
}

// OnInsertLogs registers a hook invoked after each InsertLogs call.
func (s *FakeStore) OnInsertLogs(fn func([]routex.RequestLog)) {
	s.mu.Lock()
	s.onInsertLogs = fn
	s.mu.Unlock()
}

func (s *FakeStore) QueryLogs(_ context.Context, f routex.LogFilter) ([]routex.RequestLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []routex.RequestLog
	for _, l := range s.logs {
		if f.StatusCode != 0 && l.StatusCode != f.StatusCode {
			continue
		}
		if f.ChannelID != "" && l.ChannelID != f.ChannelID {
			continue
		}
		if f.Model != "" && !strings.Contains(l.Model, f.Model) {
			continue
		}
		if f.Path != "" && !strings.Contains(l.Path, f.Path) {
			continue
		}
		if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && l.CreatedAt.After(f.Until) {
			continue
		}
		matched = append(matched, l)
	}
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (s *FakeStore) Analytics(_ context.Context) (*routex.Analytics, map[string]storage.ModelTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := &routex.Analytics{}
	perModel := make(map[string]storage.ModelTokens)
	var latencySum int64
	for _, l := range s.logs {
		a.TotalRequests++
		if l.Success {
			a.SuccessCount++
		}
		latencySum += l.LatencyMs
		a.InputTokens += int64(l.InputTokens)
		a.OutputTokens += int64(l.OutputTokens)
		a.CachedTokens += int64(l.CachedTokens)
		mt := perModel[l.Model]
		mt.InputTokens += int64(l.InputTokens)
		mt.OutputTokens += int64(l.OutputTokens)
		perModel[l.Model] = mt
	}
	if a.TotalRequests > 0 {
		a.AvgLatencyMs = float64(latencySum) / float64(a.TotalRequests)
	}
	return a, perModel, nil
}

func (s *FakeStore) Close() error { return nil }

var _ storage.Store = (*FakeStore)(nil)
