package provider

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
)

// oaCompatAdapter speaks the Chat Completions protocol most third-party
// inference hosts expose.
type oaCompatAdapter struct{}

func (oaCompatAdapter) Format() domain.Format { return domain.FormatOACompat }

func (oaCompatAdapter) ModifyURL(apiBase, model string, stream bool) string {
	return strings.TrimSuffix(apiBase, "/") + "/chat/completions"
}

func (oaCompatAdapter) ModifyBody(body *Canonical) any {
	messages := make([]ChatMessage, 0, len(body.Messages)+1)
	if body.System != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: body.System})
	}
	messages = append(messages, body.Messages...)

	req := map[string]any{
		"model":    body.Model,
		"messages": messages,
	}
	if body.MaxTokens > 0 {
		req["max_tokens"] = body.MaxTokens
	}
	if body.Temperature != nil {
		req["temperature"] = *body.Temperature
	}
	if body.TopP != nil {
		req["top_p"] = *body.TopP
	}
	if len(body.Stop) > 0 {
		req["stop"] = body.Stop
	}
	if body.Stream {
		req["stream"] = true
		// Without this, most compat hosts omit usage from the stream.
		req["stream_options"] = map[string]any{"include_usage": true}
	}
	return req
}

func (oaCompatAdapter) ModifyHeaders(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("Content-Type", "application/json")
}

func (oaCompatAdapter) ParseBody(data []byte) (*Canonical, error) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		MaxTokens   int             `json:"max_tokens"`
		Stream      bool            `json:"stream"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
		Stop        json.RawMessage `json:"stop"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	body := &Canonical{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        parseStop(req.Stop),
	}
	for _, m := range req.Messages {
		content := flattenContent(m.Content)
		if m.Role == "system" || m.Role == "developer" {
			body.System += content
			continue
		}
		body.Messages = append(body.Messages, ChatMessage{Role: m.Role, Content: content})
	}
	return body, nil
}

// parseStop accepts the protocol's string-or-array stop field.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

type oaCompatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

func (oaCompatAdapter) ParseResponse(data []byte) (*Result, error) {
	var resp oaCompatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	res := &Result{
		ID:         resp.ID,
		Model:      resp.Model,
		StopReason: "stop",
		RawUsage:   resp.Usage,
	}
	if len(resp.Choices) > 0 {
		res.Text = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason == "length" {
			res.StopReason = "length"
		}
	}
	return res, nil
}

func (oaCompatAdapter) RenderResponse(res *Result) any {
	return map[string]any{
		"id":      res.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   res.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": res.Text},
			"finish_reason": res.StopReason,
		}},
	}
}

func (oaCompatAdapter) ParseStreamPart(part string) []Event {
	data := sseData(part)
	if data == "" {
		return nil
	}
	if data == "[DONE]" {
		return []Event{{Type: EventStop}}
	}

	var chunk struct {
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil
	}

	var events []Event
	for _, choice := range chunk.Choices {
		if choice.Delta.Role != "" && choice.Delta.Content == "" {
			events = append(events, Event{Type: EventStart})
		}
		if choice.Delta.Content != "" {
			events = append(events, Event{Type: EventDelta, Text: choice.Delta.Content})
		}
	}
	return events
}

func (oaCompatAdapter) RenderStreamPart(ev Event, model string) (string, bool) {
	chunk := func(delta map[string]any, finish any) string {
		payload, _ := json.Marshal(map[string]any{
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		})
		return "data: " + string(payload)
	}

	switch ev.Type {
	case EventStart:
		return chunk(map[string]any{"role": "assistant"}, nil), true
	case EventDelta:
		return chunk(map[string]any{"content": ev.Text}, nil), true
	case EventStop:
		return chunk(map[string]any{}, "stop") + "\n\ndata: [DONE]", true
	}
	return "", false
}

type oaCompatUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (oaCompatAdapter) NormalizeUsage(raw json.RawMessage) domain.TokenUsage {
	var u oaCompatUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.TokenUsage{}
	}

	input := u.PromptTokens - u.PromptTokensDetails.CachedTokens
	if input < 0 {
		input = 0
	}
	output := u.CompletionTokens - u.CompletionTokensDetails.ReasoningTokens
	if output < 0 {
		output = 0
	}
	return domain.TokenUsage{
		InputTokens:     input,
		OutputTokens:    output,
		ReasoningTokens: u.CompletionTokensDetails.ReasoningTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

// oaCompatUsageParser keeps the last chunk that carried a usage object
// (the final chunk when include_usage is set).
type oaCompatUsageParser struct {
	usage json.RawMessage
}

func (oaCompatAdapter) NewUsageParser() UsageParser {
	return &oaCompatUsageParser{}
}

func (p *oaCompatUsageParser) Parse(record string) {
	data := sseData(record)
	if data == "" || data == "[DONE]" {
		return
	}
	var chunk struct {
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return
	}
	if len(chunk.Usage) > 0 && string(chunk.Usage) != "null" {
		p.usage = chunk.Usage
	}
}

func (p *oaCompatUsageParser) Retrieve() (json.RawMessage, bool) {
	return p.usage, p.usage != nil
}
