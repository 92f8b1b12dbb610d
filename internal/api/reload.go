package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookReloader triggers balance top-ups by calling the billing
// service's reload endpoint. The gateway never talks to the payment
// processor itself.
type WebhookReloader struct {
	url    string
	client *http.Client
}

func NewWebhookReloader(url string, client *http.Client) *WebhookReloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookReloader{url: url, client: client}
}

func (r *WebhookReloader) Reload(ctx context.Context, workspaceID string) error {
	body, err := json.Marshal(map[string]string{"workspace_id": workspaceID})
	if err != nil {
		return fmt.Errorf("marshal reload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build reload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("call reload endpoint: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload endpoint returned %d", resp.StatusCode)
	}
	return nil
}
