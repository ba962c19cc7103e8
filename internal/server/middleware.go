package server

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/ratelimit"
)

// maxHotPathBody bounds the buffered inbound request body (8 MB).
const maxHotPathBody = 8 << 20

// statusWriterPool eliminates 1 alloc/req from &statusWriter{} escaping to heap.
// Reset fields on Get, nil ResponseWriter on Put to avoid retaining references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// LogAttrs with typed attrs keeps values on the stack (~2 fewer
				// allocs vs slog.Error which boxes every key+value into any).
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader uses the canonical MIME form so direct map access
// (r.Header[key], w.Header()[key] = ...) skips textproto.CanonicalMIMEHeaderKey,
// saving 2 allocs/req that Header.Get/Set would otherwise spend on canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := routex.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request with method, path, status, and duration.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		// LogAttrs with typed slog.String/Int/Int64 keeps attrs as stack values,
		// saving ~5 allocs/req vs slog.Info which boxes every key+value into any.
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", routex.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// rateLimit enforces a fixed-window budget keyed by API-key prefix or
// client IP. A nil limiter disables the check.
func (s *server) rateLimit(limiter *ratelimit.Limiter, preset ratelimit.Preset) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Allow(ratelimit.ClientKey(r), time.Now())

			h := w.Header()
			h["X-Ratelimit-Limit"] = []string{strconv.Itoa(res.Limit)}
			h["X-Ratelimit-Remaining"] = []string{strconv.Itoa(res.Remaining)}
			h["X-Ratelimit-Reset"] = []string{strconv.FormatInt(res.Reset.Unix(), 10)}

			if !res.Allowed {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimitRejects.WithLabelValues(string(preset)).Inc()
				}
				h["Retry-After"] = []string{strconv.Itoa(int(res.RetryAfter.Seconds() + 0.5))}
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// captureBody buffers the request body once and stashes it in the request
// metadata so the signature check and the proxy engine read the same bytes.
func (s *server) captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHotPathBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
			return
		}
		if len(body) > maxHotPathBody {
			writeError(w, http.StatusRequestEntityTooLarge, "bad_request", "request body too large")
			return
		}
		routex.SetCapturedBody(r.Context(), body)
		next.ServeHTTP(w, r)
	})
}

// verifySignature validates x-signature/x-timestamp over the captured
// body. Unsigned requests pass unless signatures are required.
func (s *server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Signer == nil {
			next.ServeHTTP(w, r)
			return
		}

		sig := r.Header.Get("x-signature")
		tsRaw := r.Header.Get("x-timestamp")
		if sig == "" && tsRaw == "" && !s.deps.RequireSignature {
			next.ServeHTTP(w, r)
			return
		}
		if sig == "" || tsRaw == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing signature headers")
			return
		}
		ts, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid timestamp")
			return
		}

		body := routex.CapturedBody(r.Context())
		ok, inWindow := s.deps.Signer.Verify(sig, r.Method, r.URL.Path, ts, body, nil, time.Now())
		switch {
		case !inWindow:
			writeError(w, http.StatusUnauthorized, "unauthorized", "timestamp out of window")
			return
		case !ok:
			writeError(w, http.StatusUnauthorized, "unauthorized", "signature mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps ResponseWriter to capture the HTTP status code.
// WriteHeader records only the first status code; subsequent calls are
// forwarded to the underlying writer but do not update the captured value,
// matching net/http semantics where only the first WriteHeader takes effect.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements
// http.Flusher, so SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
