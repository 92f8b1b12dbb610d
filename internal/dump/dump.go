// Package dump captures request/response exchanges onto an SQS queue for
// offline analysis. Publishing is best-effort and never blocks or fails a
// client request.
package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Capture is one recorded exchange. Request and Response hold the raw JSON
// bodies; Stream holds the concatenated stream records when the response
// was streamed.
type Capture struct {
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, capture Capture) error
}

type SQSDumper struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSDumper(ctx context.Context, region, queueURL string) (*SQSDumper, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSDumper{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func (d *SQSDumper) Publish(ctx context.Context, capture Capture) error {
	body, err := json.Marshal(capture)
	if err != nil {
		return fmt.Errorf("marshal capture: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Model": {
				DataType:    aws.String("String"),
				StringValue: aws.String(capture.Model),
			},
		},
	}
	if capture.RequestID != "" {
		input.MessageAttributes["RequestID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(capture.RequestID),
		}
	}

	_, err = d.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send capture: %w", err)
	}

	return nil
}

type InMemoryDumper struct {
	mu       sync.Mutex
	captures []Capture
}

func NewInMemoryDumper() *InMemoryDumper {
	return &InMemoryDumper{}
}

func (d *InMemoryDumper) Publish(ctx context.Context, capture Capture) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures = append(d.captures, capture)
	return nil
}

func (d *InMemoryDumper) Captures() []Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]Capture, len(d.captures))
	copy(result, d.captures)
	return result
}

// Collector accumulates one request's capture. A nil Collector is a no-op,
// used when no publisher is configured.
type Collector struct {
	publisher Publisher
	capture   Capture
	stream    strings.Builder
}

func NewCollector(publisher Publisher, requestID, sessionID, projectID string) *Collector {
	if publisher == nil {
		return nil
	}
	return &Collector{
		publisher: publisher,
		capture: Capture{
			RequestID: requestID,
			SessionID: sessionID,
			ProjectID: projectID,
		},
	}
}

func (c *Collector) ProvideModel(model, provider string) {
	if c == nil {
		return
	}
	c.capture.Model = model
	c.capture.Provider = provider
}

func (c *Collector) ProvideRequest(body []byte) {
	if c == nil {
		return
	}
	c.capture.Request = json.RawMessage(body)
}

func (c *Collector) ProvideResponse(body []byte) {
	if c == nil {
		return
	}
	c.capture.Response = json.RawMessage(body)
}

func (c *Collector) ProvideStream(record string) {
	if c == nil {
		return
	}
	c.stream.WriteString(record)
}

// Flush publishes the accumulated capture. Failures are logged, never
// propagated.
func (c *Collector) Flush(ctx context.Context) {
	if c == nil {
		return
	}
	c.capture.Stream = c.stream.String()
	c.capture.CreatedAt = time.Now()
	if err := c.publisher.Publish(ctx, c.capture); err != nil {
		slog.Warn("failed to publish request capture", "error", err, "request_id", c.capture.RequestID)
	}
}
