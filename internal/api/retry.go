package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/metrics"
	"github.com/opencode-ai/gateway/internal/provider"
	"github.com/opencode-ai/gateway/internal/router"
	"github.com/opencode-ai/gateway/internal/telemetry"
)

// forwardResult is what a terminal (successful or exhausted) attempt hands
// to the transcoding stage.
type forwardResult struct {
	sel     router.Selection
	adapter provider.Adapter
	auth    *domain.AuthContext
	reqBody []byte
	resp    *http.Response
	start   time.Time
}

// forward runs the Authenticate -> Select -> Validate -> Forward loop. On a
// retryable upstream failure it re-enters with the failed provider
// excluded; selection forces the fallback once the ceiling is reached, and
// the fallback attempt itself is never retried.
func (h *Handler) forward(ctx context.Context, req *pipelineRequest) (*forwardResult, error) {
	retry := domain.NewRetryState()

	for {
		auth, err := h.authenticate(ctx, req)
		if err != nil {
			return nil, err
		}

		sel, err := router.Select(h.catalog, req.model, auth, req.sessionID, req.isTrial, retry, req.stickyProvider)
		if err != nil {
			return nil, err
		}

		if err := validateBilling(auth, req.model); err != nil {
			return nil, err
		}
		if auth != nil && auth.IsDisabled {
			return nil, domain.ModelError("Model is disabled")
		}
		if auth.BYOK() {
			sel.APIKey = auth.ProviderCredentials
		}

		adapter := provider.ForFormat(sel.Format)
		reqBody, err := h.buildUpstreamBody(req, sel, adapter)
		if err != nil {
			return nil, err
		}

		reqURL := adapter.ModifyURL(sel.API, sel.Model, req.stream)
		slog.Debug("forwarding request", "url", reqURL, "provider", sel.ID, "retry", retry.RetryCount)

		start := time.Now()
		spanCtx, span := telemetry.StartSpan(ctx, "gateway.forward")
		telemetry.AddRequestAttributes(span, req.model.ID, sel.ID, req.requestID)

		upstream, err := http.NewRequestWithContext(spanCtx, http.MethodPost, reqURL, bytes.NewReader(reqBody))
		if err != nil {
			span.End()
			return nil, err
		}
		upstream.Header = buildUpstreamHeaders(req.header, adapter, sel)

		resp, err := h.client.Do(upstream)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			span.End()
			// Transport failure (including upstream timeout) counts as a
			// retryable non-200.
			if retriable(0, req.model, sel, retry) {
				slog.Warn("upstream transport failure, retrying", "provider", sel.ID, "error", err)
				metrics.RecordRetry(sel.ID)
				retry.Exclude(sel.ID)
				continue
			}
			return nil, err
		}
		span.End()

		if retriable(resp.StatusCode, req.model, sel, retry) {
			slog.Warn("upstream failure, trying another provider",
				"provider", sel.ID,
				"status", resp.StatusCode,
				"retry", retry.RetryCount,
			)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			metrics.RecordRetry(sel.ID)
			retry.Exclude(sel.ID)
			continue
		}

		return &forwardResult{
			sel:     sel,
			adapter: adapter,
			auth:    auth,
			reqBody: reqBody,
			resp:    resp,
			start:   start,
		}, nil
	}
}

// retriable decides whether a failed attempt may move to another provider.
// 404 is a model-side error, not a provider outage. Sticky models must not
// switch providers mid-session. Once the fallback itself failed there is
// nowhere left to go.
func retriable(status int, model domain.ModelInfo, sel router.Selection, retry *domain.RetryState) bool {
	if status == http.StatusOK {
		return false
	}
	if status == http.StatusNotFound {
		return false
	}
	if model.StickyProvider {
		return false
	}
	if model.FallbackProvider == "" || sel.ID == model.FallbackProvider {
		return false
	}
	return true
}

// authenticate resolves the caller. Missing or placeholder keys pass only
// for allowAnonymous models, yielding a nil context.
func (h *Handler) authenticate(ctx context.Context, req *pipelineRequest) (*domain.AuthContext, error) {
	if req.apiKey == "" || req.apiKey == "public" {
		if req.model.AllowAnonymous {
			return nil, nil
		}
		return nil, domain.AuthError("Missing API key.")
	}
	return h.store.Authenticate(ctx, req.apiKey, req.model.ID, req.model.BYOKProvider)
}

// buildUpstreamBody reuses the raw client bytes when client and provider
// speak the same protocol (no re-encoding), otherwise renders the
// canonical body through the adapter.
func (h *Handler) buildUpstreamBody(req *pipelineRequest, sel router.Selection, adapter provider.Adapter) ([]byte, error) {
	if sel.Format == req.format {
		if req.format == domain.FormatGoogle {
			// Model rides in the URL, body passes through untouched.
			return req.rawBody, nil
		}
		var body map[string]any
		if err := json.Unmarshal(req.rawBody, &body); err != nil {
			return nil, err
		}
		body["model"] = sel.Model
		return json.Marshal(body)
	}

	canonical := *req.canonical
	canonical.Model = sel.Model
	canonical.Stream = req.stream
	return json.Marshal(adapter.ModifyBody(&canonical))
}

// buildUpstreamHeaders copies the inbound headers, injects the provider's
// auth scheme, applies header aliases, and strips hop and gateway headers.
func buildUpstreamHeaders(inbound http.Header, adapter provider.Adapter, sel router.Selection) http.Header {
	headers := inbound.Clone()
	adapter.ModifyHeaders(headers, sel.APIKey)

	for target, source := range sel.HeaderMappings {
		if value := headers.Get(source); value != "" {
			headers.Set(target, value)
		}
	}

	headers.Del("host")
	headers.Del("content-length")
	headers.Del("x-opencode-request")
	headers.Del("x-opencode-session")
	headers.Del("x-opencode-project")
	headers.Del("x-opencode-client")

	return headers
}
