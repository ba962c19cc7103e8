package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const IDGeminiBridge = "geminibridge"

var geminiModelSynonyms = map[string]string{
	"claude-3-5-haiku":  "gemini-2.0-flash",
	"claude-3-5-sonnet": "gemini-1.5-pro",
	"claude-sonnet-4":   "gemini-1.5-pro",
	"claude-opus-4":     "gemini-1.5-pro",
	"gpt-4o-mini":       "gemini-2.0-flash",
	"gpt-4o":            "gemini-1.5-pro",
}

const geminiFallbackModel = "gemini-1.5-pro"

type geminiBridgeOptions struct {
	FallbackModel string `json:"fallback_model"`
}

// geminiBridge translates between the canonical Anthropic Messages shape
// and the Gemini generateContent dialect.
type geminiBridge struct {
	fallback string
}

func NewGeminiBridge(opts json.RawMessage) (Transformer, error) {
	o := geminiBridgeOptions{FallbackModel: geminiFallbackModel}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &o); err != nil {
			return nil, fmt.Errorf("geminibridge options: %w", err)
		}
	}
	return &geminiBridge{fallback: o.FallbackModel}, nil
}

func (t *geminiBridge) ID() string    { return IDGeminiBridge }
func (t *geminiBridge) Priority() int { return 100 }

// MapGeminiModel resolves a model name to its Gemini counterpart. Exported
// for URL construction, where the model rides in the path.
func MapGeminiModel(model string) string {
	if strings.HasPrefix(model, "gemini-") {
		return model
	}
	if m, ok := geminiModelSynonyms[model]; ok {
		return m
	}
	return geminiFallbackModel
}

func (t *geminiBridge) mapModel(model string) string {
	if strings.HasPrefix(model, "gemini-") {
		return model
	}
	if m, ok := geminiModelSynonyms[model]; ok {
		return m
	}
	return t.fallback
}

// --- request: canonical -> Gemini ---

type geminiPart map[string]any

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  map[string]any  `json:"generationConfig,omitempty"`
	Tools             []any           `json:"tools,omitempty"`
}

func (t *geminiBridge) TransformRequest(_ context.Context, body []byte, _ Context) ([]byte, error) {
	src := gjson.ParseBytes(body)
	out := geminiRequest{}

	if sys := src.Get("system"); sys.Exists() {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{"text": systemText(sys)}}}
	}

	src.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		out.Contents = append(out.Contents, toGeminiContent(msg))
		return true
	})

	gc := map[string]any{}
	if v := src.Get("max_tokens"); v.Exists() {
		gc["maxOutputTokens"] = v.Int()
	}
	if v := src.Get("temperature"); v.Exists() {
		gc["temperature"] = v.Float()
	}
	if v := src.Get("top_p"); v.Exists() {
		gc["topP"] = v.Float()
	}
	if v := src.Get("top_k"); v.Exists() {
		gc["topK"] = v.Int()
	}
	if stops := src.Get("stop_sequences").Array(); len(stops) > 0 {
		seq := make([]string, 0, len(stops))
		for _, s := range stops {
			seq = append(seq, s.String())
		}
		gc["stopSequences"] = seq
	}
	if len(gc) > 0 {
		out.GenerationConfig = gc
	}

	if tools := src.Get("tools").Array(); len(tools) > 0 {
		decls := make([]any, 0, len(tools))
		for _, tool := range tools {
			decls = append(decls, map[string]any{
				"name":        tool.Get("name").String(),
				"description": tool.Get("description").String(),
				"parameters":  json.RawMessage(tool.Get("input_schema").Raw),
			})
		}
		out.Tools = []any{map[string]any{"functionDeclarations": decls}}
	}

	return json.Marshal(out)
}

func toGeminiContent(msg gjson.Result) geminiContent {
	role := "user"
	if msg.Get("role").String() == "assistant" {
		role = "model"
	}
	c := geminiContent{Role: role}

	content := msg.Get("content")
	if content.Type == gjson.String {
		c.Parts = append(c.Parts, geminiPart{"text": content.String()})
		return c
	}

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			c.Parts = append(c.Parts, geminiPart{"text": block.Get("text").String()})
		case "image":
			src := block.Get("source")
			c.Parts = append(c.Parts, geminiPart{"inlineData": map[string]any{
				"mimeType": src.Get("media_type").String(),
				"data":     src.Get("data").String(),
			}})
		case "tool_use":
			c.Parts = append(c.Parts, geminiPart{"functionCall": map[string]any{
				"name": block.Get("name").String(),
				"args": json.RawMessage(block.Get("input").Raw),
			}})
		case "tool_result":
			c.Parts = append(c.Parts, geminiPart{"functionResponse": map[string]any{
				"name":     block.Get("tool_use_id").String(),
				"response": map[string]any{"result": blockResultText(block.Get("content"))},
			}})
		}
		return true
	})
	return c
}

// --- response: Gemini -> canonical ---

func (t *geminiBridge) TransformResponse(_ context.Context, body []byte, tc Context) ([]byte, error) {
	if tc.Stream {
		return body, nil
	}
	src := gjson.ParseBytes(body)
	if !src.Get("candidates").Exists() {
		return body, nil
	}

	out := anthropicResponse{
		ID:    src.Get("responseId").String(),
		Type:  "message",
		Role:  "assistant",
		Model: src.Get("modelVersion").String(),
	}

	candidate := src.Get("candidates.0")
	toolUsed := false
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("text").Exists():
			out.Content = append(out.Content, anthropicBlock{Type: "text", Text: part.Get("text").String()})
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out.Content = append(out.Content, anthropicBlock{
				Type:  "tool_use",
				Name:  fc.Get("name").String(),
				Input: json.RawMessage(args),
			})
			toolUsed = true
		}
		return true
	})

	out.StopReason = mapGeminiFinishReason(candidate.Get("finishReason").String())
	if toolUsed {
		out.StopReason = "tool_use"
	}

	if u := src.Get("usageMetadata"); u.Exists() {
		out.Usage = &anthropicUsage{
			InputTokens:  int(u.Get("promptTokenCount").Int()),
			OutputTokens: int(u.Get("candidatesTokenCount").Int()),
		}
	}
	return json.Marshal(out)
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "":
		return ""
	default:
		return "end_turn"
	}
}
