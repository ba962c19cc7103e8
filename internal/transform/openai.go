package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const IDOpenAIBridge = "openaibridge"

// openaiModelSynonyms maps non-OpenAI model names to their closest OpenAI
// counterpart. Unknown names fall back to openaiFallbackModel.
var openaiModelSynonyms = map[string]string{
	"claude-3-5-haiku":  "gpt-4o-mini",
	"claude-3-5-sonnet": "gpt-4o",
	"claude-sonnet-4":   "gpt-4o",
	"claude-opus-4":     "o3",
	"gemini-1.5-flash":  "gpt-4o-mini",
	"gemini-1.5-pro":    "gpt-4o",
	"gemini-2.0-flash":  "gpt-4o-mini",
}

const openaiFallbackModel = "gpt-4o"

type openaiBridgeOptions struct {
	FallbackModel string `json:"fallback_model"`
}

// openaiBridge translates between the canonical Anthropic Messages shape
// and the OpenAI chat completions dialect. Requests go canonical to OpenAI;
// responses come back canonical.
type openaiBridge struct {
	fallback string
}

func NewOpenAIBridge(opts json.RawMessage) (Transformer, error) {
	o := openaiBridgeOptions{FallbackModel: openaiFallbackModel}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &o); err != nil {
			return nil, fmt.Errorf("openaibridge options: %w", err)
		}
	}
	return &openaiBridge{fallback: o.FallbackModel}, nil
}

func (t *openaiBridge) ID() string    { return IDOpenAIBridge }
func (t *openaiBridge) Priority() int { return 100 }

func (t *openaiBridge) mapModel(model string) string {
	for _, p := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-"} {
		if strings.HasPrefix(model, p) {
			return model
		}
	}
	if m, ok := openaiModelSynonyms[model]; ok {
		return m
	}
	return t.fallback
}

// --- request: canonical -> OpenAI ---

type openaiMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	ToolCalls  []openaiToolOut `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openaiToolOut struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []any           `json:"tools,omitempty"`
}

func (t *openaiBridge) TransformRequest(_ context.Context, body []byte, _ Context) ([]byte, error) {
	src := gjson.ParseBytes(body)
	out := openaiRequest{
		Model:  t.mapModel(src.Get("model").String()),
		Stream: src.Get("stream").Bool(),
	}
	if v := src.Get("max_tokens"); v.Exists() {
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
	for _, s := range src.Get("stop_sequences").Array() {
		out.Stop = append(out.Stop, s.String())
	}

	if sys := src.Get("system"); sys.Exists() {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: systemText(sys)})
	}

	var err error
	src.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		converted, convErr := toOpenAIMessages(msg)
		if convErr != nil {
			err = convErr
			return false
		}
		out.Messages = append(out.Messages, converted...)
		return true
	})
	if err != nil {
		return nil, err
	}

	src.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		out.Tools = append(out.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Get("name").String(),
				"description": tool.Get("description").String(),
				"parameters":  json.RawMessage(tool.Get("input_schema").Raw),
			},
		})
		return true
	})

	return json.Marshal(out)
}

// systemText flattens a system prompt that may be a string or text blocks.
func systemText(sys gjson.Result) string {
	if sys.Type == gjson.String {
		return sys.String()
	}
	var b strings.Builder
	sys.ForEach(func(_, block gjson.Result) bool {
		b.WriteString(block.Get("text").String())
		return true
	})
	return b.String()
}

// toOpenAIMessages converts one canonical message. Tool results split into
// their own role "tool" messages; everything else folds into one message.
func toOpenAIMessages(msg gjson.Result) ([]openaiMessage, error) {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if content.Type == gjson.String {
		return []openaiMessage{{Role: role, Content: content.String()}}, nil
	}

	var out []openaiMessage
	main := openaiMessage{Role: role}
	var parts []any

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"type": "text", "text": block.Get("text").String()})
		case "image":
			src := block.Get("source")
			url := fmt.Sprintf("data:%s;base64,%s", src.Get("media_type").String(), src.Get("data").String())
			parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
		case "tool_use":
			tc := openaiToolOut{ID: block.Get("id").String(), Type: "function"}
			tc.Function.Name = block.Get("name").String()
			tc.Function.Arguments = block.Get("input").Raw
			main.ToolCalls = append(main.ToolCalls, tc)
		case "tool_result":
			out = append(out, openaiMessage{
				Role:       "tool",
				ToolCallID: block.Get("tool_use_id").String(),
				Content:    blockResultText(block.Get("content")),
			})
		}
		return true
	})

	if len(parts) > 0 {
		main.Content = parts
	}
	if len(parts) > 0 || len(main.ToolCalls) > 0 {
		out = append([]openaiMessage{main}, out...)
	}
	return out, nil
}

// blockResultText flattens tool_result content, which may be a plain
// string or a list of text blocks.
func blockResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// --- response: OpenAI -> canonical ---

type anthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      *anthropicUsage  `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (t *openaiBridge) TransformResponse(_ context.Context, body []byte, tc Context) ([]byte, error) {
	if tc.Stream {
		// Stream frames pass through; usage is read separately at EOF.
		return body, nil
	}
	src := gjson.ParseBytes(body)
	if !src.Get("choices").Exists() {
		return body, nil
	}

	out := anthropicResponse{
		ID:    src.Get("id").String(),
		Type:  "message",
		Role:  "assistant",
		Model: src.Get("model").String(),
	}

	choice := src.Get("choices.0")
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		out.Content = append(out.Content, anthropicBlock{Type: "text", Text: text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tcJSON gjson.Result) bool {
		args := tcJSON.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		out.Content = append(out.Content, anthropicBlock{
			Type:  "tool_use",
			ID:    tcJSON.Get("id").String(),
			Name:  tcJSON.Get("function.name").String(),
			Input: json.RawMessage(args),
		})
		return true
	})
	out.StopReason = mapOpenAIFinishReason(choice.Get("finish_reason").String())

	if u := src.Get("usage"); u.Exists() {
		out.Usage = &anthropicUsage{
			InputTokens:  int(u.Get("prompt_tokens").Int()),
			OutputTokens: int(u.Get("completion_tokens").Int()),
		}
	}
	return json.Marshal(out)
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "":
		return ""
	default:
		return "end_turn"
	}
}
