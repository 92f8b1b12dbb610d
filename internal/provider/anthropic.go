package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opencode-ai/gateway/internal/domain"
)

const anthropicVersion = "2023-06-01"

type anthropicAdapter struct{}

func (anthropicAdapter) Format() domain.Format { return domain.FormatAnthropic }

func (anthropicAdapter) ModifyURL(apiBase, model string, stream bool) string {
	return strings.TrimSuffix(apiBase, "/") + "/messages"
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (anthropicAdapter) ModifyBody(body *Canonical) any {
	maxTokens := body.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	messages := make([]anthropicMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		content, _ := json.Marshal(m.Content)
		messages = append(messages, anthropicMessage{Role: m.Role, Content: content})
	}

	return anthropicRequest{
		Model:         body.Model,
		System:        body.System,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Stream:        body.Stream,
		Temperature:   body.Temperature,
		TopP:          body.TopP,
		StopSequences: body.Stop,
	}
}

func (anthropicAdapter) ModifyHeaders(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
	h.Set("Content-Type", "application/json")
}

func (a anthropicAdapter) ParseBody(data []byte) (*Canonical, error) {
	var req struct {
		Model       string             `json:"model"`
		System      json.RawMessage    `json:"system"`
		Messages    []anthropicMessage `json:"messages"`
		MaxTokens   int                `json:"max_tokens"`
		Stream      bool               `json:"stream"`
		Temperature *float64           `json:"temperature"`
		TopP        *float64           `json:"top_p"`
		Stop        []string           `json:"stop_sequences"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	body := &Canonical{
		Model:       req.Model,
		System:      flattenContent(req.System),
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ChatMessage{
			Role:    m.Role,
			Content: flattenContent(m.Content),
		})
	}
	return body, nil
}

// flattenContent accepts either a plain string or a block array and
// returns the concatenated text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage json.RawMessage `json:"usage"`
}

func (anthropicAdapter) ParseResponse(data []byte) (*Result, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	stop := "stop"
	if resp.StopReason == "max_tokens" {
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

func (anthropicAdapter) RenderResponse(res *Result) any {
	stopReason := "end_turn"
	if res.StopReason == "length" {
		stopReason = "max_tokens"
	}
	return map[string]any{
		"id":          res.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       res.Model,
		"content":     []map[string]any{{"type": "text", "text": res.Text}},
		"stop_reason": stopReason,
	}
}

func (anthropicAdapter) ParseStreamPart(part string) []Event {
	data := sseData(part)
	if data == "" {
		return nil
	}

	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil
	}

	switch event.Type {
	case "message_start":
		return []Event{{Type: EventStart}}
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			return []Event{{Type: EventDelta, Text: event.Delta.Text}}
		}
	case "message_stop":
		return []Event{{Type: EventStop}}
	}
	return nil
}

func (anthropicAdapter) RenderStreamPart(ev Event, model string) (string, bool) {
	switch ev.Type {
	case EventStart:
		payload, _ := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"type":    "message",
				"role":    "assistant",
				"model":   model,
				"content": []any{},
			},
		})
		return "event: message_start\ndata: " + string(payload), true
	case EventDelta:
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		})
		return "event: content_block_delta\ndata: " + string(payload), true
	case EventStop:
		return `event: message_stop` + "\n" + `data: {"type":"message_stop"}`, true
	}
	return "", false
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheCreation            struct {
		Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

func (anthropicAdapter) NormalizeUsage(raw json.RawMessage) domain.TokenUsage {
	var u anthropicUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.TokenUsage{}
	}

	usage := domain.TokenUsage{
		InputTokens:        u.InputTokens,
		OutputTokens:       u.OutputTokens,
		CacheReadTokens:    u.CacheReadInputTokens,
		CacheWrite5mTokens: u.CacheCreation.Ephemeral5m,
		CacheWrite1hTokens: u.CacheCreation.Ephemeral1h,
	}
	// Older responses report only the aggregate creation count; treat it
	// as the 5m class when the breakdown is absent.
	if usage.CacheWrite5mTokens == 0 && usage.CacheWrite1hTokens == 0 {
		usage.CacheWrite5mTokens = u.CacheCreationInputTokens
	}
	return usage
}

// anthropicUsageParser merges usage fields across message_start (input
// side) and message_delta (output side) records.
type anthropicUsageParser struct {
	merged map[string]json.RawMessage
	seen   bool
}

func (anthropicAdapter) NewUsageParser() UsageParser {
	return &anthropicUsageParser{merged: make(map[string]json.RawMessage)}
}

func (p *anthropicUsageParser) Parse(record string) {
	data := sseData(record)
	if data == "" {
		return
	}

	var event struct {
		Type    string `json:"type"`
		Message struct {
			Usage map[string]json.RawMessage `json:"usage"`
		} `json:"message"`
		Usage map[string]json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}

	var usage map[string]json.RawMessage
	switch event.Type {
	case "message_start":
		usage = event.Message.Usage
	case "message_delta":
		usage = event.Usage
	}
	for k, v := range usage {
		p.merged[k] = v
		p.seen = true
	}
}

func (p *anthropicUsageParser) Retrieve() (json.RawMessage, bool) {
	if !p.seen {
		return nil, false
	}
	raw, err := json.Marshal(p.merged)
	if err != nil {
		return nil, false
	}
	return raw, true
}
