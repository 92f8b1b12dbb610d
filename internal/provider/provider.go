// Package provider implements the per-format adapters between the
// gateway's canonical request/response shape and each upstream wire
// protocol. The pipeline resolves an adapter once at provider-selection
// time; adding a protocol means implementing Adapter, nothing else.
package provider

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opencode-ai/gateway/internal/domain"
)

// ChatMessage is one turn in the canonical conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Canonical is the internal request shape every client protocol is parsed
// into and every upstream payload is built from.
type Canonical struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
}

// Result is the canonical non-streaming response. RawUsage keeps the
// upstream usage object untouched for NormalizeUsage.
type Result struct {
	ID         string
	Model      string
	Text       string
	StopReason string // "stop" or "length"
	RawUsage   json.RawMessage
}

// EventType classifies canonical stream events.
type EventType int

const (
	EventStart EventType = iota
	EventDelta
	EventStop
)

// Event is one canonical streaming increment.
type Event struct {
	Type EventType
	Text string
}

// UsageParser accumulates usage across streamed records. Retrieve returns
// the raw upstream usage object once the stream carried one.
type UsageParser interface {
	Parse(record string)
	Retrieve() (json.RawMessage, bool)
}

// Adapter is the per-format capability set.
type Adapter interface {
	Format() domain.Format

	// ModifyURL builds the upstream endpoint for this model and mode.
	ModifyURL(apiBase, model string, stream bool) string

	// ModifyBody renders the canonical request as the upstream payload.
	ModifyBody(body *Canonical) any

	// ModifyHeaders injects the protocol's auth headers.
	ModifyHeaders(h http.Header, apiKey string)

	// ParseBody parses an inbound client body into the canonical shape.
	ParseBody(data []byte) (*Canonical, error)

	// ParseResponse converts an upstream response body to canonical form.
	ParseResponse(data []byte) (*Result, error)

	// RenderResponse converts a canonical result into this protocol's
	// client-facing response payload.
	RenderResponse(res *Result) any

	// ParseStreamPart converts one upstream record into canonical events.
	ParseStreamPart(part string) []Event

	// RenderStreamPart converts a canonical event into one client-facing
	// record (without the separator). ok=false means nothing to emit.
	RenderStreamPart(ev Event, model string) (record string, ok bool)

	// NormalizeUsage maps the upstream usage object onto token classes.
	NormalizeUsage(raw json.RawMessage) domain.TokenUsage

	// NewUsageParser returns a fresh stateful parser for one stream.
	NewUsageParser() UsageParser
}

var adapters = map[domain.Format]Adapter{
	domain.FormatAnthropic: anthropicAdapter{},
	domain.FormatOpenAI:    openaiAdapter{},
	domain.FormatGoogle:    googleAdapter{},
	domain.FormatOACompat:  oaCompatAdapter{},
}

// ForFormat resolves the adapter for a wire format. Unknown formats fall
// back to the openai-compatible adapter, the least specific protocol.
func ForFormat(f domain.Format) Adapter {
	if a, ok := adapters[f]; ok {
		return a
	}
	return adapters[domain.FormatOACompat]
}

// ConvertStreamPart returns a converter from one upstream record to zero or
// more client records in the target format.
func ConvertStreamPart(from, to domain.Format, model string) func(part string) []string {
	src := ForFormat(from)
	dst := ForFormat(to)
	return func(part string) []string {
		var out []string
		for _, ev := range src.ParseStreamPart(part) {
			if record, ok := dst.RenderStreamPart(ev, model); ok {
				out = append(out, record)
			}
		}
		return out
	}
}

// sseData extracts the JSON payload of an SSE record, dropping event lines
// and joining multiple data lines.
func sseData(part string) string {
	var data []string
	for _, line := range strings.Split(part, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimSpace(rest))
		}
	}
	return strings.Join(data, "\n")
}
