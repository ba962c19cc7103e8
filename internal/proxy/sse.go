package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
	"github.com/routexhq/routex/internal/transform"
)

// mirrorLimit bounds the in-memory copy of a stream kept for post-EOF
// accounting. Frames past the limit are still forwarded, just not mirrored.
const mirrorLimit = 1 << 20

// Pre-allocated header value slices for SSE responses. Direct map
// assignment avoids the []string alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

type usage struct {
	input  int
	output int
	cached int
}

// pipeStream forwards SSE frames to the client as they arrive while
// mirroring up to mirrorLimit bytes for post-EOF token accounting. Frames
// on the wire are already delivered when transformers run, so transform
// results only feed accounting and tees.
func (e *Engine) pipeStream(ctx context.Context, w http.ResponseWriter, r *http.Request,
	resp *http.Response, pipeline *transform.Pipeline, tc transform.Context,
	ch *routex.Channel) (int, usage, error) {

	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	var mirror bytes.Buffer
	buf := make([]byte, 32*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if mirror.Len() < mirrorLimit {
				mirror.Write(buf[:min(n, mirrorLimit-mirror.Len())])
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Client disconnected mid-stream. The delivered portion
				// counts; the log carries the disconnect status.
				return statusClientClosed, parseStreamUsage(mirror.Bytes()), nil
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if r.Context().Err() != nil {
				return statusClientClosed, parseStreamUsage(mirror.Bytes()), nil
			}
			return http.StatusOK, parseStreamUsage(mirror.Bytes()), readErr
		}
	}

	u := parseStreamUsage(mirror.Bytes())

	// Run response transformers over the aggregated message. Failures are
	// logged inside the pipeline and the aggregate passes unchanged.
	if pipeline.Len() > 0 {
		if _, err := pipeline.Response(ctx, mirror.Bytes(), tc); err != nil {
			e.logger.LogAttrs(ctx, slog.LevelWarn, "stream aggregate transform failed",
				slog.String("channel", ch.Name),
				slog.String("error", err.Error()))
		}
	}
	return http.StatusOK, u, nil
}

// parseStreamUsage scans mirrored SSE frames for token counts. It
// understands the Anthropic, OpenAI, and Gemini streaming shapes and keeps
// the largest value seen per counter.
func parseStreamUsage(mirror []byte) usage {
	var u usage
	sc := bufio.NewScanner(bytes.NewReader(mirror))
	sc.Buffer(make([]byte, 4096), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			data, ok = strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
		}
		if data == "" || data == "[DONE]" {
			continue
		}
		frame := gjson.Parse(data)

		// Anthropic: message_start carries input tokens, message_delta the
		// running output total.
		if v := frame.Get("message.usage.input_tokens"); v.Exists() {
			u.input = max(u.input, int(v.Int()))
		}
		if v := frame.Get("message.usage.cache_read_input_tokens"); v.Exists() {
			u.cached = max(u.cached, int(v.Int()))
		}
		if v := frame.Get("usage.input_tokens"); v.Exists() {
			u.input = max(u.input, int(v.Int()))
		}
		if v := frame.Get("usage.output_tokens"); v.Exists() {
			u.output = max(u.output, int(v.Int()))
		}

		// OpenAI: the final chunk may carry a usage object.
		if v := frame.Get("usage.prompt_tokens"); v.Exists() {
			u.input = max(u.input, int(v.Int()))
		}
		if v := frame.Get("usage.completion_tokens"); v.Exists() {
			u.output = max(u.output, int(v.Int()))
		}

		// Gemini: usageMetadata rides every chunk with running totals.
		if v := frame.Get("usageMetadata.promptTokenCount"); v.Exists() {
			u.input = max(u.input, int(v.Int()))
		}
		if v := frame.Get("usageMetadata.candidatesTokenCount"); v.Exists() {
			u.output = max(u.output, int(v.Int()))
		}
	}
	return u
}

// extractUsage reads token counts from a buffered JSON response in any of
// the three dialects.
func extractUsage(body []byte) usage {
	var u usage
	src := gjson.ParseBytes(body)
	if v := src.Get("usage.input_tokens"); v.Exists() {
		u.input = int(v.Int())
		u.output = int(src.Get("usage.output_tokens").Int())
		u.cached = int(src.Get("usage.cache_read_input_tokens").Int())
		return u
	}
	if v := src.Get("usage.prompt_tokens"); v.Exists() {
		u.input = int(v.Int())
		u.output = int(src.Get("usage.completion_tokens").Int())
		u.cached = int(src.Get("usage.prompt_tokens_details.cached_tokens").Int())
		return u
	}
	if v := src.Get("usageMetadata.promptTokenCount"); v.Exists() {
		u.input = int(v.Int())
		u.output = int(src.Get("usageMetadata.candidatesTokenCount").Int())
		u.cached = int(src.Get("usageMetadata.cachedContentTokenCount").Int())
	}
	return u
}
