package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/balancer"
	"github.com/routexhq/routex/internal/router"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, routex.ErrNotFound):
		writeError(w, status, "not_found", "not found")
	case errors.Is(err, routex.ErrConflict):
		writeError(w, status, "conflict", "conflict")
	case errors.Is(err, routex.ErrBadRequest):
		writeError(w, status, "bad_request", err.Error())
	case errors.Is(err, routex.ErrUnauthorized), errors.Is(err, routex.ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal_error", "internal error")
	}
}

// --- Status ---

type statusResponse struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Strategy      string         `json:"strategy"`
	Channels      int            `json:"channels"`
	Rules         int            `json:"rules"`
	Tees          int            `json:"tees"`
	Cache         map[string]any `json:"cache"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Store.ListChannels(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	rules, err := s.deps.Store.ListRules(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	tees, err := s.deps.Store.ListTees(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	cacheStats := make(map[string]any)
	for class, st := range s.deps.Catalog.ClassStats() {
		cacheStats[class] = map[string]any{
			"hits":     st.Hits,
			"misses":   st.Misses,
			"hit_rate": st.HitRate(),
			"ttl_ms":   st.TTL.Milliseconds(),
		}
	}

	writeData(w, http.StatusOK, statusResponse{
		Version:       s.deps.Version,
		UptimeSeconds: int64(time.Since(s.deps.StartedAt).Seconds()),
		Strategy:      string(s.deps.Balancer.Strategy()),
		Channels:      len(channels),
		Rules:         len(rules),
		Tees:          len(tees),
		Cache:         cacheStats,
	})
}

// --- Channels ---

// channelPayload is the admin write shape. The api key arrives plaintext
// and is encrypted before it ever reaches the store.
type channelPayload struct {
	Name         string   `json:"name"`
	Vendor       string   `json:"vendor"`
	BaseURL      string   `json:"base_url"`
	APIKey       string   `json:"api_key"`
	Models       []string `json:"models"`
	Priority     *int     `json:"priority"`
	Weight       *int     `json:"weight"`
	Status       string   `json:"status"`
	Transformers []string `json:"transformers"`
}

func (s *server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Store.ListChannels(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := make([]*routex.Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, s.deps.Health.Overlay(ch))
	}
	writeData(w, http.StatusOK, out)
}

func (s *server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var p channelPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	vendor := routex.Vendor(p.Vendor)
	if !vendor.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown vendor")
		return
	}

	now := time.Now()
	ch := &routex.Channel{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Name:         p.Name,
		Vendor:       vendor,
		BaseURL:      p.BaseURL,
		Models:       p.Models,
		Priority:     intOr(p.Priority, 0),
		Weight:       max(1, intOr(p.Weight, 1)),
		Status:       routex.StatusEnabled,
		Transformers: p.Transformers,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.Status != "" {
		ch.Status = routex.ChannelStatus(p.Status)
	}
	if p.APIKey != "" {
		enc, err := s.deps.Cipher.Encrypt(p.APIKey)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		ch.APIKeyEnc = enc
	}

	if err := s.deps.Store.CreateChannel(r.Context(), ch); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.InvalidateChannels()
	w.Header().Set("Location", "/api/channels/"+ch.Name)
	writeData(w, http.StatusCreated, ch)
}

func (s *server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.deps.Store.GetChannelByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, s.deps.Health.Overlay(ch))
}

func (s *server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Store.GetChannelByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var p channelPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Vendor != "" {
		vendor := routex.Vendor(p.Vendor)
		if !vendor.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown vendor")
			return
		}
		existing.Vendor = vendor
	}
	if p.Name != "" {
		existing.Name = p.Name
	}
	if p.BaseURL != "" {
		existing.BaseURL = p.BaseURL
	}
	if p.Models != nil {
		existing.Models = p.Models
	}
	if p.Priority != nil {
		existing.Priority = *p.Priority
	}
	if p.Weight != nil {
		existing.Weight = max(1, *p.Weight)
	}
	if p.Status != "" {
		existing.Status = routex.ChannelStatus(p.Status)
	}
	if p.Transformers != nil {
		existing.Transformers = p.Transformers
	}
	if p.APIKey != "" {
		enc, err := s.deps.Cipher.Encrypt(p.APIKey)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		existing.APIKeyEnc = enc
	}
	existing.UpdatedAt = time.Now()

	if err := s.deps.Store.UpdateChannel(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.InvalidateChannel(existing.ID)
	s.deps.Catalog.InvalidateChannels()
	writeData(w, http.StatusOK, existing)
}

func (s *server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.deps.Store.GetChannelByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteChannel(r.Context(), ch.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.InvalidateChannel(ch.ID)
	s.deps.Catalog.InvalidateChannels()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.deps.Store.GetChannelByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, s.deps.Engine.TestChannel(r.Context(), ch))
}

func (s *server) handleTestAllChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Store.ListChannels(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	results := make([]any, 0, len(channels))
	for _, ch := range channels {
		results = append(results, s.deps.Engine.TestChannel(r.Context(), ch))
	}
	writeData(w, http.StatusOK, results)
}

// --- Strategy ---

func (s *server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Balancer.SetStrategy(balancer.Strategy(req.Strategy)); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}

// --- Routing rules ---

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListRules(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*routex.RoutingRule{}
	}
	writeData(w, http.StatusOK, rules)
}

func (s *server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule routex.RoutingRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rule.TargetChannel == "" {
		rule.TargetChannel = routex.TargetAny
	}
	if err := router.ValidateRule(&rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	now := time.Now()
	rule.CreatedAt, rule.UpdatedAt = now, now

	if err := s.deps.Store.CreateRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.InvalidateRules()
	w.Header().Set("Location", "/api/routing/rules/"+rule.ID)
	writeData(w, http.StatusCreated, rule)
}

func (s *server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, rule)
}

func (s *server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule routex.RoutingRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if rule.TargetChannel == "" {
		rule.TargetChannel = routex.TargetAny
	}
	if err := router.ValidateRule(&rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	rule.UpdatedAt = time.Now()

	if err := s.deps.Store.UpdateRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.InvalidateRules()
	writeData(w, http.StatusOK, rule)
}

func (s *server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Catalog.InvalidateRules()
	w.WriteHeader(http.StatusNoContent)
}

// --- Transformers ---

func (s *server) handleListTransformers(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Transforms.Settings())
}

// handleConfigureTransformer is the body-addressed form of the update:
// the transformer id rides in the payload instead of the URL.
func (s *server) handleConfigureTransformer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string          `json:"id"`
		Enabled *bool           `json:"enabled"`
		Options json.RawMessage `json:"options"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "id is required")
		return
	}
	setting, err := s.deps.Transforms.Configure(req.ID, req.Enabled, req.Options)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, setting)
}

func (s *server) handleUpdateTransformer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool           `json:"enabled"`
		Options json.RawMessage `json:"options"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	setting, err := s.deps.Transforms.Configure(chi.URLParam(r, "id"), req.Enabled, req.Options)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, setting)
}

// --- Tee destinations ---

func (s *server) handleListTees(w http.ResponseWriter, r *http.Request) {
	tees, err := s.deps.Store.ListTees(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if tees == nil {
		tees = []*routex.TeeDestination{}
	}
	writeData(w, http.StatusOK, tees)
}

func (s *server) handleCreateTee(w http.ResponseWriter, r *http.Request) {
	var dest routex.TeeDestination
	if !decodeJSON(w, r, &dest) {
		return
	}
	if dest.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	if dest.ID == "" {
		dest.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	dest.CreatedAt, dest.UpdatedAt = now, now

	if err := s.deps.Store.CreateTee(r.Context(), &dest); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshTees(r)
	w.Header().Set("Location", "/api/tee/"+dest.ID)
	writeData(w, http.StatusCreated, dest)
}

func (s *server) handleUpdateTee(w http.ResponseWriter, r *http.Request) {
	var dest routex.TeeDestination
	if !decodeJSON(w, r, &dest) {
		return
	}
	dest.ID = chi.URLParam(r, "id")
	dest.UpdatedAt = time.Now()

	if err := s.deps.Store.UpdateTee(r.Context(), &dest); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshTees(r)
	writeData(w, http.StatusOK, dest)
}

func (s *server) handleDeleteTee(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteTee(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.refreshTees(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) refreshTees(r *http.Request) {
	if s.deps.Tees == nil {
		return
	}
	if err := s.deps.Tees.Refresh(r.Context()); err != nil {
		slog.Warn("tee refresh failed", "error", err)
	}
}

// --- Analytics, metrics, requests ---

type analyticsResponse struct {
	*routex.Analytics
	ByModel map[string]modelUsage `json:"by_model"`
}

type modelUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (s *server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	agg, byModel, err := s.deps.Store.Analytics(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	usage := make(map[string]modelUsage, len(byModel))
	for model, tok := range byModel {
		cost := 0.0
		if s.deps.Pricing != nil {
			cost = s.deps.Pricing.Cost(model, tok.InputTokens, tok.OutputTokens)
		}
		agg.CostUSD += cost
		usage[model] = modelUsage{
			InputTokens:  tok.InputTokens,
			OutputTokens: tok.OutputTokens,
			CostUSD:      cost,
		}
	}

	writeData(w, http.StatusOK, analyticsResponse{Analytics: agg, ByModel: usage})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Counters == nil {
		writeData(w, http.StatusOK, struct{}{})
		return
	}
	writeData(w, http.StatusOK, s.deps.Counters.Snapshot())
}

func (s *server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Counters != nil {
		s.deps.Counters.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}

type requestsResponse struct {
	Requests []routex.RequestLog `json:"requests"`
	Total    int                 `json:"total"`
	Limit    int                 `json:"limit"`
	Offset   int                 `json:"offset"`
}

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	filter := routex.LogFilter{
		ChannelID: q.Get("channel"),
		Model:     q.Get("model"),
		Path:      q.Get("q"),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := q.Get("status"); raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid status")
			return
		}
		filter.StatusCode = status
	}
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since format, use RFC3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid until format, use RFC3339")
			return
		}
		filter.Until = t
	}

	records, total, err := s.deps.Store.QueryLogs(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if records == nil {
		records = []routex.RequestLog{}
	}
	writeData(w, http.StatusOK, requestsResponse{
		Requests: records,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}
