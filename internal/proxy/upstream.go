package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/transform"
)

const anthropicVersion = "2023-06-01"

// azureAPIVersion rides the query string on Azure OpenAI deployments.
const azureAPIVersion = "2024-06-01"

var (
	jsonCT       = []string{"application/json"}
	acceptSSE    = []string{"text/event-stream"}
	acceptJSON   = []string{"application/json"}
	anthVersion  = []string{anthropicVersion}
	userAgentVal = []string{"routex/1.0"}
)

// buildUpstreamRequest assembles the outbound request for a channel: the
// vendor-specific path rewrite plus auth headers.
func buildUpstreamRequest(ctx context.Context, method string, ch *routex.Channel,
	model, apiKey string, streaming bool, body []byte) (*http.Request, error) {

	url, err := upstreamURL(ch, model, streaming)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	h := req.Header
	h["Content-Type"] = jsonCT
	h["User-Agent"] = userAgentVal
	if streaming {
		h["Accept"] = acceptSSE
	} else {
		h["Accept"] = acceptJSON
	}

	switch ch.Vendor {
	case routex.VendorAnthropic:
		h["X-Api-Key"] = []string{apiKey}
		h["Anthropic-Version"] = anthVersion
	case routex.VendorGoogle:
		h["X-Goog-Api-Key"] = []string{apiKey}
	case routex.VendorAzure:
		h["Api-Key"] = []string{apiKey}
	default:
		h["Authorization"] = []string{"Bearer " + apiKey}
	}
	return req, nil
}

// upstreamURL rewrites the canonical path for the channel's vendor.
func upstreamURL(ch *routex.Channel, model string, streaming bool) (string, error) {
	base := strings.TrimRight(ch.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("%w: channel %q has no base url", routex.ErrBadRequest, ch.Name)
	}

	switch ch.Vendor {
	case routex.VendorAnthropic:
		return base + "/v1/messages", nil
	case routex.VendorGoogle:
		m := transform.MapGeminiModel(model)
		if streaming {
			return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, m), nil
		}
		return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, m), nil
	case routex.VendorAzure:
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, model, azureAPIVersion), nil
	case routex.VendorZhipu:
		return base + "/api/paas/v4/chat/completions", nil
	default:
		return base + "/v1/chat/completions", nil
	}
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP date. Zero means absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func streamFlag(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}
