package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/transform"
)

// connectivityTimeout bounds a channel test call.
const connectivityTimeout = 15 * time.Second

// TestResult is the outcome of one channel connectivity probe.
type TestResult struct {
	Channel   string `json:"channel"`
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// TestChannel issues a one-token request upstream to verify the channel's
// endpoint and credentials. The call runs the channel's transformer
// pipeline so dialect bridges are exercised too.
func (e *Engine) TestChannel(ctx context.Context, ch *routex.Channel) TestResult {
	start := time.Now()
	res := TestResult{Channel: ch.Name}

	status, err := e.probe(ctx, ch)
	res.LatencyMs = time.Since(start).Milliseconds()
	res.Status = status
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = status >= 200 && status < 300
	if !res.OK {
		res.Error = fmt.Sprintf("upstream returned %d", status)
	}
	return res
}

func (e *Engine) probe(ctx context.Context, ch *routex.Channel) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, connectivityTimeout)
	defer cancel()

	model := probeModel(ch)
	body, err := json.Marshal(map[string]any{
		"model":      model,
		"max_tokens": 1,
		"messages": []map[string]any{
			{"role": "user", "content": "ping"},
		},
	})
	if err != nil {
		return 0, err
	}

	pipeline, err := e.pipeline(ch)
	if err != nil {
		return 0, err
	}
	tc := transform.Context{Model: model, Vendor: ch.Vendor}
	if body, err = pipeline.Request(ctx, body, tc); err != nil {
		return 0, err
	}

	var apiKey string
	if ch.APIKeyEnc != "" {
		if apiKey, err = e.cipher.Decrypt(ch.APIKeyEnc); err != nil {
			return 0, fmt.Errorf("decrypt api key: %w", err)
		}
	}

	req, err := buildUpstreamRequest(ctx, http.MethodPost, ch, model, apiKey, false, body)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func probeModel(ch *routex.Channel) string {
	if len(ch.Models) > 0 {
		return ch.Models[0]
	}
	switch ch.Vendor {
	case routex.VendorGoogle:
		return "gemini-1.5-pro"
	case routex.VendorAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return "gpt-4o-mini"
	}
}
