package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opencode-ai/gateway/internal/domain"
)

type googleAdapter struct{}

func (googleAdapter) Format() domain.Format { return domain.FormatGoogle }

func (googleAdapter) ModifyURL(apiBase, model string, stream bool) string {
	base := strings.TrimSuffix(apiBase, "/") + "/models/" + model
	if stream {
		return base + ":streamGenerateContent?alt=sse"
	}
	return base + ":generateContent"
}

type googleContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func (c googleContent) text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func googleParts(text string) []map[string]any {
	return []map[string]any{{"text": text}}
}

func (googleAdapter) ModifyBody(body *Canonical) any {
	contents := make([]map[string]any, 0, len(body.Messages))
	for _, m := range body.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{"role": role, "parts": googleParts(m.Content)})
	}

	req := map[string]any{"contents": contents}
	if body.System != "" {
		req["systemInstruction"] = map[string]any{"parts": googleParts(body.System)}
	}

	config := map[string]any{}
	if body.MaxTokens > 0 {
		config["maxOutputTokens"] = body.MaxTokens
	}
	if body.Temperature != nil {
		config["temperature"] = *body.Temperature
	}
	if body.TopP != nil {
		config["topP"] = *body.TopP
	}
	if len(body.Stop) > 0 {
		config["stopSequences"] = body.Stop
	}
	if len(config) > 0 {
		req["generationConfig"] = config
	}
	return req
}

func (googleAdapter) ModifyHeaders(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
	h.Set("Content-Type", "application/json")
}

func (googleAdapter) ParseBody(data []byte) (*Canonical, error) {
	var req struct {
		Contents          []googleContent `json:"contents"`
		SystemInstruction *googleContent  `json:"systemInstruction"`
		GenerationConfig  struct {
			MaxOutputTokens int      `json:"maxOutputTokens"`
			Temperature     *float64 `json:"temperature"`
			TopP            *float64 `json:"topP"`
			StopSequences   []string `json:"stopSequences"`
		} `json:"generationConfig"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	body := &Canonical{
		MaxTokens:   req.GenerationConfig.MaxOutputTokens,
		Temperature: req.GenerationConfig.Temperature,
		TopP:        req.GenerationConfig.TopP,
		Stop:        req.GenerationConfig.StopSequences,
	}
	if req.SystemInstruction != nil {
		body.System = req.SystemInstruction.text()
	}
	for _, c := range req.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		body.Messages = append(body.Messages, ChatMessage{Role: role, Content: c.text()})
	}
	return body, nil
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	ModelVersion  string          `json:"modelVersion"`
	ResponseID    string          `json:"responseId"`
	UsageMetadata json.RawMessage `json:"usageMetadata"`
}

func (googleAdapter) ParseResponse(data []byte) (*Result, error) {
	var resp googleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}

	res := &Result{
		ID:         resp.ResponseID,
		Model:      resp.ModelVersion,
		StopReason: "stop",
		RawUsage:   resp.UsageMetadata,
	}
	if len(resp.Candidates) > 0 {
		res.Text = resp.Candidates[0].Content.text()
		if resp.Candidates[0].FinishReason == "MAX_TOKENS" {
			res.StopReason = "length"
		}
	}
	return res, nil
}

func (googleAdapter) RenderResponse(res *Result) any {
	finish := "STOP"
	if res.StopReason == "length" {
		finish = "MAX_TOKENS"
	}
	return map[string]any{
		"responseId":   res.ID,
		"modelVersion": res.Model,
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": googleParts(res.Text)},
			"finishReason": finish,
		}},
	}
}

// ParseStreamPart: google has no explicit start record; chunks carry text
// deltas and the last one a finishReason.
func (googleAdapter) ParseStreamPart(part string) []Event {
	data := sseData(part)
	if data == "" {
		return nil
	}

	var resp googleResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil
	}

	var events []Event
	for _, cand := range resp.Candidates {
		if text := cand.Content.text(); text != "" {
			events = append(events, Event{Type: EventDelta, Text: text})
		}
		if cand.FinishReason != "" {
			events = append(events, Event{Type: EventStop})
		}
	}
	return events
}

func (googleAdapter) RenderStreamPart(ev Event, model string) (string, bool) {
	switch ev.Type {
	case EventDelta:
		payload, _ := json.Marshal(map[string]any{
			"modelVersion": model,
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": googleParts(ev.Text)},
			}},
		})
		return "data: " + string(payload), true
	case EventStop:
		payload, _ := json.Marshal(map[string]any{
			"modelVersion": model,
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []any{}},
				"finishReason": "STOP",
			}},
		})
		return "data: " + string(payload), true
	}
	return "", false
}

type googleUsage struct {
	PromptTokenCount        int64 `json:"promptTokenCount"`
	CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
	CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
}

// NormalizeUsage: promptTokenCount includes cached content, carved out into
// the cache-read class.
func (googleAdapter) NormalizeUsage(raw json.RawMessage) domain.TokenUsage {
	var u googleUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.TokenUsage{}
	}

	input := u.PromptTokenCount - u.CachedContentTokenCount
	if input < 0 {
		input = 0
	}
	return domain.TokenUsage{
		InputTokens:     input,
		OutputTokens:    u.CandidatesTokenCount,
		ReasoningTokens: u.ThoughtsTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
	}
}

// googleUsageParser keeps the usageMetadata of the most recent chunk; the
// counts are cumulative so the last record wins.
type googleUsageParser struct {
	usage json.RawMessage
}

func (googleAdapter) NewUsageParser() UsageParser {
	return &googleUsageParser{}
}

func (p *googleUsageParser) Parse(record string) {
	data := sseData(record)
	if data == "" {
		return
	}
	var resp struct {
		UsageMetadata json.RawMessage `json:"usageMetadata"`
	}
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return
	}
	if len(resp.UsageMetadata) > 0 {
		p.usage = resp.UsageMetadata
	}
}

func (p *googleUsageParser) Retrieve() (json.RawMessage, bool) {
	return p.usage, p.usage != nil
}
