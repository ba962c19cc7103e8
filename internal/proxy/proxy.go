// Package proxy executes routed requests against upstream vendors with
// retry, failover, and streaming passthrough.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/crypto"
	"github.com/routexhq/routex/internal/health"
	"github.com/routexhq/routex/internal/router"
	"github.com/routexhq/routex/internal/transform"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 60 * time.Second
	// responsePreviewSize caps the response preview handed to tee sinks.
	responsePreviewSize = 2048
	maxResponseBody     = 32 << 20
)

// LogSink receives finalized request logs with a bounded response preview
// for downstream tee delivery. Enqueue must not block; a false return means
// the record was dropped.
type LogSink interface {
	Enqueue(rec routex.RequestLog, preview []byte) bool
}

// Observer receives per-request measurements.
type Observer interface {
	ObserveRequest(vendor, model string, status int, latency time.Duration)
	ObserveTokens(model string, input, output int)
}

type multiObserver []Observer

func (m multiObserver) ObserveRequest(vendor, model string, status int, latency time.Duration) {
	for _, o := range m {
		o.ObserveRequest(vendor, model, status, latency)
	}
}

func (m multiObserver) ObserveTokens(model string, input, output int) {
	for _, o := range m {
		o.ObserveTokens(model, input, output)
	}
}

// MultiObserver fans measurements out to several observers.
func MultiObserver(obs ...Observer) Observer { return multiObserver(obs) }

// Options tunes the engine. Zero values use defaults.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// Engine drives the attempt loop for one inbound request.
type Engine struct {
	router     *router.Router
	health     *health.Registry
	transforms *transform.Registry
	cipher     *crypto.Cipher
	client     *http.Client
	logs       LogSink
	obs        Observer
	logger     *slog.Logger
	tracer     trace.Tracer

	maxAttempts    int
	attemptTimeout time.Duration
}

func NewEngine(rt *router.Router, hr *health.Registry, reg *transform.Registry,
	cipher *crypto.Cipher, client *http.Client, logs LogSink,
	obs Observer, logger *slog.Logger, tracer trace.Tracer, opts Options) *Engine {

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Engine{
		router:         rt,
		health:         hr,
		transforms:     reg,
		cipher:         cipher,
		client:         client,
		logs:           logs,
		obs:            obs,
		logger:         logger,
		tracer:         tracer,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
	}
}

// Execute runs the attempt loop and writes the upstream response to w.
// The body must already be in the canonical Messages shape. An error return
// means nothing was written yet and the caller owns the error response.
func (e *Engine) Execute(w http.ResponseWriter, r *http.Request, body []byte, rreq router.Request) error {
	ctx := r.Context()
	start := time.Now()
	streaming := isStreaming(body)

	ctx, span := e.tracer.Start(ctx, "proxy.execute", trace.WithAttributes(
		attribute.String("routex.model", rreq.Model),
		attribute.Bool("routex.stream", streaming),
	))
	defer span.End()

	// Stamp the request metadata so logs carry a correlatable trace id:
	// the otel trace id when a recording tracer is installed, the request
	// id otherwise.
	if sc := span.SpanContext(); sc.HasTraceID() {
		routex.SetTraceID(ctx, sc.TraceID().String())
	} else if id := routex.RequestIDFromContext(ctx); id != "" {
		routex.SetTraceID(ctx, id)
	}

	failed := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		decision, err := e.router.PickRetry(ctx, rreq, failed)
		if err != nil {
			if lastErr != nil && (errors.Is(err, routex.ErrNoChannel) || errors.Is(err, routex.ErrRoutedChannel)) {
				// Candidates exhausted mid-retry: surface the upstream failure.
				err = lastErr
			}
			span.SetStatus(codes.Error, err.Error())
			e.record(ctx, nil, rreq, 0, start, err)
			return err
		}
		ch := decision.Channel

		done, err := e.attempt(ctx, w, r, body, decision, rreq, attempt, streaming, start)
		if done {
			return err
		}
		lastErr = err
		failed[ch.ID] = true
		e.logger.LogAttrs(ctx, slog.LevelWarn, "attempt failed",
			slog.String("channel", ch.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	span.SetStatus(codes.Error, lastErr.Error())
	e.record(ctx, nil, rreq, 0, start, lastErr)
	return lastErr
}

// attempt issues one upstream request. done reports whether the request is
// finished (either delivered to the client or failed non-retriably); when
// done is false the returned error is retriable and the loop continues.
func (e *Engine) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request,
	body []byte, decision router.Decision, rreq router.Request,
	attempt int, streaming bool, start time.Time) (done bool, err error) {

	ch := decision.Channel
	now := time.Now()

	ctx, span := e.tracer.Start(ctx, "proxy.attempt", trace.WithAttributes(
		attribute.String("routex.channel", ch.Name),
		attribute.String("routex.vendor", string(ch.Vendor)),
		attribute.String("routex.model", decision.Model),
		attribute.Int("routex.attempt", attempt),
	))
	defer span.End()

	pipeline, err := e.pipeline(ch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.record(ctx, ch, rreq, 0, start, err)
		return true, err
	}
	tc := transform.Context{Model: decision.Model, Vendor: ch.Vendor, Stream: streaming}

	outBody, err := pipeline.Request(ctx, body, tc)
	if err != nil {
		// Transform failures never retry.
		span.SetStatus(codes.Error, err.Error())
		e.record(ctx, ch, rreq, 0, start, err)
		return true, err
	}

	var apiKey string
	if ch.APIKeyEnc != "" {
		if apiKey, err = e.cipher.Decrypt(ch.APIKeyEnc); err != nil {
			span.SetStatus(codes.Error, err.Error())
			e.health.GetOrCreate(ch).RecordFailure(now)
			e.record(ctx, ch, rreq, 0, start, err)
			return true, err
		}
	}

	attemptCtx := ctx
	var cancel context.CancelFunc
	if !streaming {
		attemptCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	outReq, err := buildUpstreamRequest(attemptCtx, r.Method, ch, decision.Model, apiKey, streaming, outBody)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.record(ctx, ch, rreq, 0, start, err)
		return true, err
	}

	resp, err := e.client.Do(outReq)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			// Client went away; nothing left to deliver.
			e.finish(ctx, ch, decision.Model, rreq, statusClientClosed, start, usage{}, "client disconnected", nil)
			return true, nil
		}
		e.health.GetOrCreate(ch).RecordFailure(now)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s: %v", routex.ErrTimeout, ch.Name, err)
		} else {
			err = fmt.Errorf("%w: %s: %v", routex.ErrUpstream, ch.Name, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.health.GetOrCreate(ch).RecordSuccess(now)
		return true, e.deliver(ctx, w, r, resp, pipeline, tc, ch, decision.Model, rreq, start)
	}

	// Upstream error responses are small; read them for the log.
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	resp.Body.Close()
	upErr := fmt.Errorf("%w: %s: status %d: %s", routex.ErrUpstream, ch.Name, resp.StatusCode, truncate(errBody, 256))
	span.SetStatus(codes.Error, upErr.Error())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.health.GetOrCreate(ch).RecordRateLimited(now, parseRetryAfter(resp.Header))
		return false, upErr
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		e.health.GetOrCreate(ch).RecordFailure(now)
		return false, upErr
	default:
		// Other 4xx: the caller's fault; pass the upstream answer through.
		e.health.GetOrCreate(ch).RecordFailure(now)
		h := w.Header()
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			h["Content-Type"] = []string{ct}
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(errBody)
		e.finish(ctx, ch, decision.Model, rreq, resp.StatusCode, start, usage{}, truncate(errBody, 512), errBody)
		return true, nil
	}
}

// deliver forwards a successful upstream response to the client.
func (e *Engine) deliver(ctx context.Context, w http.ResponseWriter, r *http.Request,
	resp *http.Response, pipeline *transform.Pipeline, tc transform.Context,
	ch *routex.Channel, model string, rreq router.Request, start time.Time) error {

	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		status, u, err := e.pipeStream(ctx, w, r, resp, pipeline, tc, ch)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		e.finish(ctx, ch, model, rreq, status, start, u, msg, nil)
		return nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		e.finish(ctx, ch, model, rreq, http.StatusBadGateway, start, usage{}, err.Error(), nil)
		return fmt.Errorf("%w: read body: %v", routex.ErrUpstream, err)
	}

	out, err := pipeline.Response(ctx, respBody, tc)
	if err != nil {
		e.finish(ctx, ch, model, rreq, http.StatusBadGateway, start, usage{}, err.Error(), nil)
		return err
	}

	u := extractUsage(out)
	w.Header()["Content-Type"] = []string{"application/json"}
	w.WriteHeader(http.StatusOK)
	w.Write(out)
	e.finish(ctx, ch, model, rreq, http.StatusOK, start, u, "", out)
	return nil
}

// statusClientClosed is the nginx convention for a client that disconnected
// before the response completed.
const statusClientClosed = 499

// finish records the request log and updates metrics. Tee delivery happens
// downstream of the log sink, after the record is persisted.
func (e *Engine) finish(ctx context.Context, ch *routex.Channel, model string,
	rreq router.Request, status int, start time.Time, u usage, errMsg string, preview []byte) {

	latency := time.Since(start)
	rec := routex.RequestLog{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Model:        model,
		Method:       http.MethodPost,
		Path:         rreq.Path,
		StatusCode:   status,
		LatencyMs:    latency.Milliseconds(),
		InputTokens:  u.input,
		OutputTokens: u.output,
		CachedTokens: u.cached,
		Success:      status >= 200 && status < 300,
		Error:        errMsg,
		TraceID:      routex.TraceIDFromContext(ctx),
		CreatedAt:    time.Now().UTC(),
	}
	if ch != nil {
		rec.ChannelID = ch.ID
	}
	if e.logs != nil && !e.logs.Enqueue(rec, truncateBytes(preview, responsePreviewSize)) {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "request log dropped", slog.String("id", rec.ID))
	}
	if e.obs != nil {
		vendor := ""
		if ch != nil {
			vendor = string(ch.Vendor)
		}
		e.obs.ObserveRequest(vendor, model, status, latency)
		if u.input > 0 || u.output > 0 {
			e.obs.ObserveTokens(model, u.input, u.output)
		}
	}
}

// record logs a request that failed before any upstream response.
func (e *Engine) record(ctx context.Context, ch *routex.Channel, rreq router.Request,
	status int, start time.Time, err error) {
	if status == 0 {
		status = errorStatus(err)
	}
	e.finish(ctx, ch, rreq.Model, rreq, status, start, usage{}, err.Error(), nil)
}

// errorStatus maps engine errors to the HTTP status recorded in logs.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, routex.ErrNoChannel), errors.Is(err, routex.ErrRoutedChannel):
		return http.StatusServiceUnavailable
	case errors.Is(err, routex.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, routex.ErrTokenLimit), errors.Is(err, routex.ErrTransform):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// pipeline builds the channel's transformer chain, appending the vendor
// bridge when the channel speaks a non-canonical dialect.
func (e *Engine) pipeline(ch *routex.Channel) (*transform.Pipeline, error) {
	ids := append([]string(nil), ch.Transformers...)
	if bridge := vendorBridge(ch.Vendor); bridge != "" && !contains(ids, bridge) {
		ids = append(ids, bridge)
	}
	return transform.NewPipeline(e.transforms, ids, e.logger)
}

func vendorBridge(v routex.Vendor) string {
	switch v {
	case routex.VendorAnthropic:
		return ""
	case routex.VendorGoogle:
		return transform.IDGeminiBridge
	default:
		return transform.IDOpenAIBridge
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func isStreaming(body []byte) bool {
	return streamFlag(body)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
