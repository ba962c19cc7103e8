package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	routex "github.com/routexhq/routex/internal"
)

// Inbound dialect normalization. The hot path routes and logs a single
// canonical shape (the Anthropic Messages body); OpenAI- and Gemini-native
// ingress bodies are rewritten into it before the engine runs.

type canonicalMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type canonicalRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []canonicalMessage `json:"messages"`
	MaxTokens     *int               `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []any              `json:"tools,omitempty"`
}

// NormalizeOpenAIRequest rewrites an OpenAI Chat Completions body into the
// canonical shape. System messages collapse into the system field; tool
// role messages become tool_result blocks.
func NormalizeOpenAIRequest(body []byte) ([]byte, error) {
	src := gjson.ParseBytes(body)
	if !src.Get("messages").IsArray() {
		return nil, fmt.Errorf("%w: missing messages array", routex.ErrBadRequest)
	}

	out := canonicalRequest{
		Model:  src.Get("model").String(),
		Stream: src.Get("stream").Bool(),
	}
	if v := src.Get("max_tokens"); v.Exists() {
		mt := int(v.Int())
		out.MaxTokens = &mt
	} else if v := src.Get("max_completion_tokens"); v.Exists() {
		mt := int(v.Int())
		out.MaxTokens = &mt
	}
	if v := src.Get("temperature"); v.Exists() {
		f := v.Float()
		out.Temperature = &f
	}
	if v := src.Get("top_p"); v.Exists() {
		f := v.Float()
		out.TopP = &f
	}
	if stop := src.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			for _, s := range stop.Array() {
				out.StopSequences = append(out.StopSequences, s.String())
			}
		} else {
			out.StopSequences = []string{stop.String()}
		}
	}

	src.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			if out.System != "" {
				out.System += "\n"
			}
			out.System += openaiContentText(msg.Get("content"))
		case "tool":
			out.Messages = append(out.Messages, canonicalMessage{
				Role: "user",
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.Get("tool_call_id").String(),
					"content":     openaiContentText(msg.Get("content")),
				}},
			})
		case "assistant":
			out.Messages = append(out.Messages, fromOpenAIAssistant(msg))
		default:
			out.Messages = append(out.Messages, canonicalMessage{
				Role:    "user",
				Content: openaiContentBlocks(msg.Get("content")),
			})
		}
		return true
	})

	src.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		out.Tools = append(out.Tools, map[string]any{
			"name":         fn.Get("name").String(),
			"description":  fn.Get("description").String(),
			"input_schema": json.RawMessage(fn.Get("parameters").Raw),
		})
		return true
	})

	return json.Marshal(out)
}

func fromOpenAIAssistant(msg gjson.Result) canonicalMessage {
	var blocks []map[string]any
	if text := openaiContentText(msg.Get("content")); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    call.Get("id").String(),
			"name":  call.Get("function.name").String(),
			"input": json.RawMessage(orEmptyObject(call.Get("function.arguments").String())),
		})
		return true
	})
	return canonicalMessage{Role: "assistant", Content: blocks}
}

// orEmptyObject guards tool arguments that arrive as an empty string.
func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// openaiContentText flattens string-or-parts content into plain text.
func openaiContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			text += part.Get("text").String()
		}
		return true
	})
	return text
}

// openaiContentBlocks converts string-or-parts content into canonical
// blocks, carrying image parts across as base64 sources.
func openaiContentBlocks(content gjson.Result) any {
	if content.Type == gjson.String {
		return content.String()
	}
	var blocks []map[string]any
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": part.Get("text").String()})
		case "image_url":
			if media, data, ok := splitDataURL(part.Get("image_url.url").String()); ok {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": media,
						"data":       data,
					},
				})
			}
		}
		return true
	})
	return blocks
}

// splitDataURL parses "data:<media>;base64,<data>" URLs.
func splitDataURL(u string) (media, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	head, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	media, _, _ = strings.Cut(head, ";")
	return media, data, true
}

// NormalizeGeminiRequest rewrites a Gemini generateContent body into the
// canonical shape. The model comes from the URL, not the body.
func NormalizeGeminiRequest(model string, body []byte) ([]byte, error) {
	src := gjson.ParseBytes(body)
	if !src.Get("contents").IsArray() {
		return nil, fmt.Errorf("%w: missing contents array", routex.ErrBadRequest)
	}

	out := canonicalRequest{Model: model}

	if sys := src.Get("systemInstruction.parts"); sys.Exists() {
		sys.ForEach(func(_, part gjson.Result) bool {
			out.System += part.Get("text").String()
			return true
		})
	}

	gen := src.Get("generationConfig")
	if v := gen.Get("maxOutputTokens"); v.Exists() {
		mt := int(v.Int())
		out.MaxTokens = &mt
	}
	if v := gen.Get("temperature"); v.Exists() {
		f := v.Float()
		out.Temperature = &f
	}
	if v := gen.Get("topP"); v.Exists() {
		f := v.Float()
		out.TopP = &f
	}
	if v := gen.Get("topK"); v.Exists() {
		k := int(v.Int())
		out.TopK = &k
	}
	for _, s := range gen.Get("stopSequences").Array() {
		out.StopSequences = append(out.StopSequences, s.String())
	}

	src.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := "user"
		if content.Get("role").String() == "model" {
			role = "assistant"
		}
		out.Messages = append(out.Messages, canonicalMessage{
			Role:    role,
			Content: fromGeminiParts(content.Get("parts")),
		})
		return true
	})

	src.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		tool.Get("functionDeclarations").ForEach(func(_, fn gjson.Result) bool {
			out.Tools = append(out.Tools, map[string]any{
				"name":         fn.Get("name").String(),
				"description":  fn.Get("description").String(),
				"input_schema": json.RawMessage(orEmptyObject(fn.Get("parameters").Raw)),
			})
			return true
		})
		return true
	})

	return json.Marshal(out)
}

func fromGeminiParts(parts gjson.Result) []map[string]any {
	var blocks []map[string]any
	parts.ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("text").Exists():
			blocks = append(blocks, map[string]any{"type": "text", "text": part.Get("text").String()})
		case part.Get("inlineData").Exists():
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": part.Get("inlineData.mimeType").String(),
					"data":       part.Get("inlineData.data").String(),
				},
			})
		case part.Get("functionCall").Exists():
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    part.Get("functionCall.name").String(),
				"name":  part.Get("functionCall.name").String(),
				"input": json.RawMessage(orEmptyObject(part.Get("functionCall.args").Raw)),
			})
		case part.Get("functionResponse").Exists():
			blocks = append(blocks, map[string]any{
				"type":        "tool_result",
				"tool_use_id": part.Get("functionResponse.name").String(),
				"content":     part.Get("functionResponse.response").Raw,
			})
		}
		return true
	})
	return blocks
}
