package transform

import (
	"context"
	"encoding/json"
	"fmt"
)

const IDSampling = "sampling"

type floatRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type samplingOptions struct {
	Temperature     floatRange `json:"temperature"`
	TopP            floatRange `json:"top_p"`
	TopK            floatRange `json:"top_k"`
	EnforceDefaults bool       `json:"enforce_defaults"`
	Defaults        struct {
		Temperature *float64 `json:"temperature,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		TopK        *float64 `json:"top_k,omitempty"`
	} `json:"defaults"`
}

// sampling clamps temperature, top_p, and top_k into configured ranges.
// With enforce_defaults set, present values are replaced by the configured
// defaults instead of clamped.
type sampling struct {
	opts samplingOptions
}

// NewSampling builds the sampling transformer. Default ranges:
// temperature [0,2], top_p [0,1], top_k [0,500].
func NewSampling(opts json.RawMessage) (Transformer, error) {
	o := samplingOptions{
		Temperature: floatRange{0, 2},
		TopP:        floatRange{0, 1},
		TopK:        floatRange{0, 500},
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &o); err != nil {
			return nil, fmt.Errorf("sampling options: %w", err)
		}
	}
	return &sampling{opts: o}, nil
}

func (t *sampling) ID() string    { return IDSampling }
func (t *sampling) Priority() int { return 20 }

func (t *sampling) TransformRequest(_ context.Context, body []byte, _ Context) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}

	changed := false
	changed = t.apply(m, "temperature", t.opts.Temperature, t.opts.Defaults.Temperature) || changed
	changed = t.apply(m, "top_p", t.opts.TopP, t.opts.Defaults.TopP) || changed
	changed = t.apply(m, "top_k", t.opts.TopK, t.opts.Defaults.TopK) || changed
	if !changed {
		return body, nil
	}
	return json.Marshal(m)
}

func (t *sampling) apply(m map[string]any, key string, r floatRange, def *float64) bool {
	raw, ok := m[key]
	if !ok {
		return false
	}
	v, ok := raw.(float64)
	if !ok {
		return false
	}
	if t.opts.EnforceDefaults && def != nil {
		if v != *def {
			m[key] = *def
			return true
		}
		return false
	}
	switch {
	case v < r.Min:
		m[key] = r.Min
	case v > r.Max:
		m[key] = r.Max
	default:
		return false
	}
	return true
}

func (t *sampling) TransformResponse(_ context.Context, body []byte, _ Context) ([]byte, error) {
	return body, nil
}
