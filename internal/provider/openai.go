package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opencode-ai/gateway/internal/domain"
)

// openaiAdapter speaks the OpenAI Responses API.
type openaiAdapter struct{}

func (openaiAdapter) Format() domain.Format { return domain.FormatOpenAI }

func (openaiAdapter) ModifyURL(apiBase, model string, stream bool) string {
	return strings.TrimSuffix(apiBase, "/") + "/responses"
}

type openaiInputItem struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (openaiAdapter) ModifyBody(body *Canonical) any {
	input := make([]map[string]any, 0, len(body.Messages))
	for _, m := range body.Messages {
		input = append(input, map[string]any{"role": m.Role, "content": m.Content})
	}

	req := map[string]any{
		"model": body.Model,
		"input": input,
	}
	if body.System != "" {
		req["instructions"] = body.System
	}
	if body.MaxTokens > 0 {
		req["max_output_tokens"] = body.MaxTokens
	}
	if body.Temperature != nil {
		req["temperature"] = *body.Temperature
	}
	if body.TopP != nil {
		req["top_p"] = *body.TopP
	}
	if body.Stream {
		req["stream"] = true
	}
	return req
}

func (openaiAdapter) ModifyHeaders(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("Content-Type", "application/json")
}

func (openaiAdapter) ParseBody(data []byte) (*Canonical, error) {
	var req struct {
		Model           string          `json:"model"`
		Instructions    string          `json:"instructions"`
		Input           json.RawMessage `json:"input"`
		MaxOutputTokens int             `json:"max_output_tokens"`
		Stream          bool            `json:"stream"`
		Temperature     *float64        `json:"temperature"`
		TopP            *float64        `json:"top_p"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	body := &Canonical{
		Model:       req.Model,
		System:      req.Instructions,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	// input is either a bare string or a list of role/content items.
	var text string
	if err := json.Unmarshal(req.Input, &text); err == nil {
		body.Messages = append(body.Messages, ChatMessage{Role: "user", Content: text})
		return body, nil
	}
	var items []openaiInputItem
	if err := json.Unmarshal(req.Input, &items); err == nil {
		for _, item := range items {
			body.Messages = append(body.Messages, ChatMessage{
				Role:    item.Role,
				Content: flattenContent(item.Content),
			})
		}
	}
	return body, nil
}

type openaiResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage json.RawMessage `json:"usage"`
}

func (openaiAdapter) ParseResponse(data []byte) (*Result, error) {
	var resp openaiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				text.WriteString(c.Text)
			}
		}
	}

	stop := "stop"
	if resp.IncompleteDetails != nil && resp.IncompleteDetails.Reason == "max_output_tokens" {
		stop = "length"
	}

	return &Result{
		ID:         resp.ID,
		Model:      resp.Model,
		Text:       text.String(),
		StopReason: stop,
		RawUsage:   resp.Usage,
	}, nil
}

func (openaiAdapter) RenderResponse(res *Result) any {
	status := "completed"
	if res.StopReason == "length" {
		status = "incomplete"
	}
	return map[string]any{
		"id":     res.ID,
		"object": "response",
		"model":  res.Model,
		"status": status,
		"output": []map[string]any{{
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "output_text", "text": res.Text},
			},
		}},
	}
}

func (openaiAdapter) ParseStreamPart(part string) []Event {
	data := sseData(part)
	if data == "" || data == "[DONE]" {
		return nil
	}

	var event struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil
	}

	switch event.Type {
	case "response.created":
		return []Event{{Type: EventStart}}
	case "response.output_text.delta":
		return []Event{{Type: EventDelta, Text: event.Delta}}
	case "response.completed", "response.incomplete":
		return []Event{{Type: EventStop}}
	}
	return nil
}

func (openaiAdapter) RenderStreamPart(ev Event, model string) (string, bool) {
	switch ev.Type {
	case EventStart:
		payload, _ := json.Marshal(map[string]any{
			"type":     "response.created",
			"response": map[string]any{"model": model, "status": "in_progress"},
		})
		return "data: " + string(payload), true
	case EventDelta:
		payload, _ := json.Marshal(map[string]any{
			"type":  "response.output_text.delta",
			"delta": ev.Text,
		})
		return "data: " + string(payload), true
	case EventStop:
		payload, _ := json.Marshal(map[string]any{
			"type":     "response.completed",
			"response": map[string]any{"model": model, "status": "completed"},
		})
		return "data: " + string(payload), true
	}
	return "", false
}

type openaiUsage struct {
	InputTokens        int64 `json:"input_tokens"`
	OutputTokens       int64 `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokensDetails struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

// NormalizeUsage splits the aggregate counters: input_tokens includes
// cached reads and output_tokens includes reasoning, so both are carved
// out to avoid double billing.
func (openaiAdapter) NormalizeUsage(raw json.RawMessage) domain.TokenUsage {
	var u openaiUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.TokenUsage{}
	}

	input := u.InputTokens - u.InputTokensDetails.CachedTokens
	if input < 0 {
		input = 0
	}
	output := u.OutputTokens - u.OutputTokensDetails.ReasoningTokens
	if output < 0 {
		output = 0
	}

	return domain.TokenUsage{
		InputTokens:     input,
		OutputTokens:    output,
		ReasoningTokens: u.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: u.InputTokensDetails.CachedTokens,
	}
}

// openaiUsageParser pulls usage off the terminal response.completed event.
type openaiUsageParser struct {
	usage json.RawMessage
}

func (openaiAdapter) NewUsageParser() UsageParser {
	return &openaiUsageParser{}
}

func (p *openaiUsageParser) Parse(record string) {
	data := sseData(record)
	if data == "" || data == "[DONE]" {
		return
	}

	var event struct {
		Type     string `json:"type"`
		Response struct {
			Usage json.RawMessage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}
	if (event.Type == "response.completed" || event.Type == "response.incomplete") && len(event.Response.Usage) > 0 {
		p.usage = event.Response.Usage
	}
}

func (p *openaiUsageParser) Retrieve() (json.RawMessage, bool) {
	return p.usage, p.usage != nil
}
