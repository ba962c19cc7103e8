// Package transform rewrites request and response bodies on their way
// through the gateway. Transformers are small pure steps with a stable id
// and a priority; a pipeline applies them in ascending priority on the
// request path and descending on the response path.
package transform

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	routex "github.com/routexhq/routex/internal"
)

// callTimeout bounds a single transformer invocation.
const callTimeout = 5 * time.Second

// Context carries the request facts a transformer may condition on.
type Context struct {
	Model  string
	Vendor routex.Vendor
	Stream bool
}

// Transformer rewrites bodies. Implementations must be safe for concurrent
// use and must not retain the body slice.
type Transformer interface {
	ID() string
	Priority() int
	TransformRequest(ctx context.Context, body []byte, tc Context) ([]byte, error)
	TransformResponse(ctx context.Context, body []byte, tc Context) ([]byte, error)
}

// Constructor builds a transformer from its JSON options. Nil options use
// the transformer's defaults.
type Constructor func(opts json.RawMessage) (Transformer, error)

// Setting is the admin-visible configuration of one registered
// transformer. Options are passed to the constructor on every build.
type Setting struct {
	ID      string          `json:"id"`
	Enabled bool            `json:"enabled"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Registry maps transformer ids to constructors and holds their
// process-wide settings.
type Registry struct {
	mu       sync.RWMutex
	ctors    map[string]Constructor
	settings map[string]Setting
}

// NewRegistry returns a registry with all built-in transformers registered
// and enabled.
func NewRegistry() *Registry {
	r := &Registry{
		ctors:    make(map[string]Constructor),
		settings: make(map[string]Setting),
	}
	r.Register(IDMaxToken, NewMaxToken)
	r.Register(IDSampling, NewSampling)
	r.Register(IDCleanCache, NewCleanCache)
	r.Register(IDOpenAIBridge, NewOpenAIBridge)
	r.Register(IDGeminiBridge, NewGeminiBridge)
	return r
}

func (r *Registry) Register(id string, c Constructor) {
	r.mu.Lock()
	r.ctors[id] = c
	r.settings[id] = Setting{ID: id, Enabled: true}
	r.mu.Unlock()
}

// Build constructs the transformer registered under id. Nil opts fall back
// to the registry's configured options for that id.
func (r *Registry) Build(id string, opts json.RawMessage) (Transformer, error) {
	r.mu.RLock()
	c, ok := r.ctors[id]
	if opts == nil {
		opts = r.settings[id].Options
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transformer %q", routex.ErrBadRequest, id)
	}
	return c(opts)
}

// Enabled reports whether the transformer id is currently enabled.
// Unknown ids report true so Build surfaces the proper error.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[id]
	return !ok || s.Enabled
}

// Settings lists all registered transformers and their configuration,
// sorted by id.
func (r *Registry) Settings() []Setting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Setting, 0, len(r.settings))
	for _, s := range r.settings {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Setting) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Configure updates one transformer's enabled flag and options. New
// options are validated by building the transformer once.
func (r *Registry) Configure(id string, enabled *bool, opts json.RawMessage) (Setting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.settings[id]
	if !ok {
		return Setting{}, fmt.Errorf("%w: unknown transformer %q", routex.ErrBadRequest, id)
	}
	if opts != nil {
		if _, err := r.ctors[id](opts); err != nil {
			return Setting{}, fmt.Errorf("%w: transformer %q options: %v", routex.ErrBadRequest, id, err)
		}
		s.Options = opts
	}
	if enabled != nil {
		s.Enabled = *enabled
	}
	r.settings[id] = s
	return s, nil
}

// IDs returns the registered transformer ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.ctors))
	for id := range r.ctors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Pipeline is an ordered set of transformers bound to one request.
type Pipeline struct {
	ts     []Transformer
	logger *slog.Logger
}

// NewPipeline builds the named transformers with their configured options
// and orders them by priority ascending. Disabled transformers are skipped.
func NewPipeline(reg *Registry, ids []string, logger *slog.Logger) (*Pipeline, error) {
	ts := make([]Transformer, 0, len(ids))
	for _, id := range ids {
		if !reg.Enabled(id) {
			continue
		}
		t, err := reg.Build(id, nil)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	slices.SortStableFunc(ts, func(a, b Transformer) int {
		return a.Priority() - b.Priority()
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{ts: ts, logger: logger}, nil
}

// Request applies transformers in ascending priority. Any failure aborts
// the request with ErrTransform.
func (p *Pipeline) Request(ctx context.Context, body []byte, tc Context) ([]byte, error) {
	for _, t := range p.ts {
		out, err := bounded(ctx, func(ctx context.Context) ([]byte, error) {
			return t.TransformRequest(ctx, body, tc)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", routex.ErrTransform, t.ID(), err)
		}
		body = out
	}
	return body, nil
}

// Response applies transformers in descending priority. On a streaming
// response a failing transformer is logged and the frame passes unchanged;
// a buffered response aborts with ErrTransform.
func (p *Pipeline) Response(ctx context.Context, body []byte, tc Context) ([]byte, error) {
	for i := len(p.ts) - 1; i >= 0; i-- {
		t := p.ts[i]
		out, err := bounded(ctx, func(ctx context.Context) ([]byte, error) {
			return t.TransformResponse(ctx, body, tc)
		})
		if err != nil {
			if tc.Stream {
				p.logger.LogAttrs(ctx, slog.LevelWarn, "stream transform failed, frame passed through",
					slog.String("transformer", t.ID()),
					slog.String("error", err.Error()))
				continue
			}
			return nil, fmt.Errorf("%w: %s: %v", routex.ErrTransform, t.ID(), err)
		}
		body = out
	}
	return body, nil
}

// Len reports the number of transformers in the pipeline.
func (p *Pipeline) Len() int { return len(p.ts) }

func bounded(ctx context.Context, f func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		b, err := f(ctx)
		done <- result{b, err}
	}()
	select {
	case r := <-done:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
