package transform

import (
	"context"
	"encoding/json"
	"fmt"
)

const IDCleanCache = "cleancache"

type cleanCacheOptions struct {
	// Fields are top-level request fields to strip.
	Fields []string `json:"fields"`
	// StripCacheControl removes cache_control objects from nested content
	// blocks as well.
	StripCacheControl *bool `json:"strip_cache_control,omitempty"`
}

// cleanCache strips metadata, cache-control, and internal debug fields
// from request bodies before they reach an upstream.
type cleanCache struct {
	fields       map[string]bool
	cacheControl bool
}

// NewCleanCache builds the cleancache transformer. By default it strips
// metadata and debug top-level fields plus nested cache_control markers.
func NewCleanCache(opts json.RawMessage) (Transformer, error) {
	o := cleanCacheOptions{Fields: []string{"metadata", "debug", "x_debug"}}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &o); err != nil {
			return nil, fmt.Errorf("cleancache options: %w", err)
		}
	}
	t := &cleanCache{fields: make(map[string]bool, len(o.Fields)), cacheControl: true}
	for _, f := range o.Fields {
		t.fields[f] = true
	}
	if o.StripCacheControl != nil {
		t.cacheControl = *o.StripCacheControl
	}
	return t, nil
}

func (t *cleanCache) ID() string    { return IDCleanCache }
func (t *cleanCache) Priority() int { return 30 }

func (t *cleanCache) TransformRequest(_ context.Context, body []byte, _ Context) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	changed := false
	for f := range t.fields {
		if _, ok := m[f]; ok {
			delete(m, f)
			changed = true
		}
	}
	if t.cacheControl && stripKey(m, "cache_control") {
		changed = true
	}
	if !changed {
		return body, nil
	}
	return json.Marshal(m)
}

func (t *cleanCache) TransformResponse(_ context.Context, body []byte, _ Context) ([]byte, error) {
	return body, nil
}

// stripKey removes key from every object reachable from v.
func stripKey(v any, key string) bool {
	changed := false
	switch x := v.(type) {
	case map[string]any:
		if _, ok := x[key]; ok {
			delete(x, key)
			changed = true
		}
		for _, child := range x {
			if stripKey(child, key) {
				changed = true
			}
		}
	case []any:
		for _, child := range x {
			if stripKey(child, key) {
				changed = true
			}
		}
	}
	return changed
}
