package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
)

const IDMaxToken = "maxtoken"

type maxTokenOptions struct {
	Limit   int  `json:"limit"`
	Default int  `json:"default"`
	Strict  bool `json:"strict"`
}

// maxToken clamps max_tokens into [0, limit] and fills a default when the
// field is absent. Strict mode rejects over-limit requests instead of
// clamping.
type maxToken struct {
	opts maxTokenOptions
}

// NewMaxToken builds the maxtoken transformer. Defaults: limit 8192,
// default 4096, lenient.
func NewMaxToken(opts json.RawMessage) (Transformer, error) {
	o := maxTokenOptions{Limit: 8192, Default: 4096}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &o); err != nil {
			return nil, fmt.Errorf("maxtoken options: %w", err)
		}
	}
	if o.Limit <= 0 {
		o.Limit = 8192
	}
	if o.Default <= 0 || o.Default > o.Limit {
		o.Default = o.Limit
	}
	return &maxToken{opts: o}, nil
}

func (t *maxToken) ID() string    { return IDMaxToken }
func (t *maxToken) Priority() int { return 10 }

func (t *maxToken) TransformRequest(_ context.Context, body []byte, _ Context) ([]byte, error) {
	field := gjson.GetBytes(body, "max_tokens")
	if !field.Exists() {
		return setField(body, "max_tokens", t.opts.Default)
	}

	mt := int(field.Int())
	switch {
	case mt > t.opts.Limit:
		if t.opts.Strict {
			return nil, fmt.Errorf("%w: max_tokens %d exceeds limit %d", routex.ErrTokenLimit, mt, t.opts.Limit)
		}
		return setField(body, "max_tokens", t.opts.Limit)
	case mt < 0:
		return setField(body, "max_tokens", 0)
	}
	return body, nil
}

func (t *maxToken) TransformResponse(_ context.Context, body []byte, _ Context) ([]byte, error) {
	return body, nil
}

// setField rewrites one top-level field through a generic map. Bodies are
// small enough that the round trip is not a concern.
func setField(body []byte, key string, val any) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	m[key] = val
	return json.Marshal(m)
}
