package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/router"
	"github.com/routexhq/routex/internal/transform"
)

// handleMessages serves the Anthropic-native ingress. The body is already
// in the canonical shape.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body := routex.CapturedBody(r.Context())
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	s.execute(w, r, body)
}

// handleChatCompletions serves OpenAI-native ingress, normalizing the body
// to the canonical shape before routing.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body := routex.CapturedBody(r.Context())
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	normalized, err := transform.NormalizeOpenAIRequest(body)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	s.execute(w, r, normalized)
}

// handleGenerateContent serves Gemini-native ingress. The path segment is
// "<model>:generateContent" or "<model>:streamGenerateContent".
func (s *server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	model, action, ok := strings.Cut(chi.URLParam(r, "model"), ":")
	if !ok || model == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown path")
		return
	}
	body := routex.CapturedBody(r.Context())
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	normalized, err := transform.NormalizeGeminiRequest(model, body)
	if err != nil {
		writeProxyError(w, r, err)
		return
	}
	if action == "streamGenerateContent" {
		normalized, err = setStream(normalized)
		if err != nil {
			writeProxyError(w, r, err)
			return
		}
	}
	s.execute(w, r, normalized)
}

func setStream(body []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["stream"] = json.RawMessage("true")
	return json.Marshal(m)
}

// execute builds the routing request and hands off to the engine. The
// engine writes the response itself; an error return means nothing was
// written yet.
func (s *server) execute(w http.ResponseWriter, r *http.Request, body []byte) {
	src := gjson.ParseBytes(body)
	model := src.Get("model").String()
	if model == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "model is required")
		return
	}

	rreq := router.Request{
		Model:  model,
		Path:   r.URL.Path,
		Header: r.Header,
		User:   src.Get("metadata.user_id").String(),
		Tags:   headerTags(r.Header),
	}

	if err := s.deps.Engine.Execute(w, r, body, rreq); err != nil {
		writeProxyError(w, r, err)
	}
}

// headerTags reads comma-separated routing tags from X-Routex-Tags.
func headerTags(h http.Header) []string {
	raw := h.Get("X-Routex-Tags")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// writeProxyError maps pipeline errors onto the ingress status surface.
func writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 && !errors.Is(err, routex.ErrNoChannel) && !errors.Is(err, routex.ErrRoutedChannel) {
		slog.LogAttrs(r.Context(), slog.LevelError, "proxy error",
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
	}
	writeError(w, status, errorType(status), errorMessage(err, status))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, routex.ErrBadRequest),
		errors.Is(err, routex.ErrTokenLimit),
		errors.Is(err, routex.ErrTransform):
		return http.StatusBadRequest
	case errors.Is(err, routex.ErrUnauthorized),
		errors.Is(err, routex.ErrSignatureInvalid),
		errors.Is(err, routex.ErrTimestampOutOfWindow):
		return http.StatusUnauthorized
	case errors.Is(err, routex.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, routex.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, routex.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, routex.ErrNoChannel), errors.Is(err, routex.ErrRoutedChannel):
		return http.StatusServiceUnavailable
	case errors.Is(err, routex.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, routex.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "no_channel_available"
	case http.StatusGatewayTimeout:
		return "upstream_timeout"
	case http.StatusBadGateway:
		return "upstream_error"
	default:
		return "internal_error"
	}
}

// errorMessage sanitizes 5xx messages so internals never leak.
func errorMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

// --- Response envelope ---

type apiEnvelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeRawJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeRawJSON(w, status, apiEnvelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeRawJSON(w, status, apiEnvelope{Success: false, Error: &apiError{Type: typ, Message: msg}})
}
