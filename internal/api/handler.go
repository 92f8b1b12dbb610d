// Package api is the HTTP surface of the gateway: one inbound route per
// supported wire protocol, all funneling into a shared
// authenticate/route/forward/transcode/settle pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencode-ai/gateway/internal/alerts"
	"github.com/opencode-ai/gateway/internal/catalog"
	"github.com/opencode-ai/gateway/internal/cost"
	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/dump"
	"github.com/opencode-ai/gateway/internal/kv"
	"github.com/opencode-ai/gateway/internal/metrics"
	"github.com/opencode-ai/gateway/internal/notifications"
	"github.com/opencode-ai/gateway/internal/provider"
	"github.com/opencode-ai/gateway/internal/ratelimit"
	"github.com/opencode-ai/gateway/internal/repository"
	"github.com/opencode-ai/gateway/internal/session"
	"github.com/opencode-ai/gateway/internal/telemetry"
)

// Reloader tops up a workspace balance once the advisory lock is held.
type Reloader interface {
	Reload(ctx context.Context, workspaceID string) error
}

// Options wires the handler's collaborators. Catalog, Store and KV are
// required; the rest degrade to no-ops when nil.
type Options struct {
	Catalog  *catalog.Catalog
	Store    repository.Store
	KV       kv.Store
	Client   *http.Client
	Reloader Reloader
	Dumper   dump.Publisher
	Monitor  *alerts.Monitor
	Notifier notifications.Notifier

	// ReloadThreshold is the balance (micro-cents) below which a reload is
	// attempted for workspaces without their own trigger. Defaults to $5.
	ReloadThreshold int64
}

type Handler struct {
	catalog         *catalog.Catalog
	store           repository.Store
	kv              kv.Store
	client          *http.Client
	reloader        Reloader
	dumper          dump.Publisher
	monitor         *alerts.Monitor
	notifier        notifications.Notifier
	reloadThreshold int64
	mux             *http.ServeMux
}

func New(opts Options) *Handler {
	h := &Handler{
		catalog:         opts.Catalog,
		store:           opts.Store,
		kv:              opts.KV,
		client:          opts.Client,
		reloader:        opts.Reloader,
		dumper:          opts.Dumper,
		monitor:         opts.Monitor,
		notifier:        opts.Notifier,
		reloadThreshold: opts.ReloadThreshold,
	}
	if h.client == nil {
		h.client = http.DefaultClient
	}
	if h.reloadThreshold == 0 {
		h.reloadThreshold = cost.MicroCents(500)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", h.formatHandler(domain.FormatOACompat))
	mux.HandleFunc("POST /v1/messages", h.formatHandler(domain.FormatAnthropic))
	mux.HandleFunc("POST /v1/responses", h.formatHandler(domain.FormatOpenAI))
	mux.HandleFunc("POST /v1beta/models/{action}", h.handleGoogle)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.handleHealth)
	h.mux = mux

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// pipelineRequest is the parsed inbound request handed through the
// pipeline stages.
type pipelineRequest struct {
	format         domain.Format
	model          domain.ModelInfo
	rawBody        []byte
	canonical      *provider.Canonical
	stream         bool
	apiKey         string
	ip             string
	sessionID      string
	requestID      string
	projectID      string
	clientID       string
	stickyProvider string
	isTrial        bool
	header         http.Header
}

// trackers are the KV tallies bumped after a successful response.
type trackers struct {
	rate  *ratelimit.Limiter
	trial *session.TrialLimiter
}

func (h *Handler) formatHandler(format domain.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		canonical, err := provider.ForFormat(format).ParseBody(body)
		if err != nil {
			writeGatewayError(w, domain.ModelError("Invalid request body"))
			return
		}

		h.handle(w, r, &pipelineRequest{
			format:    format,
			rawBody:   body,
			canonical: canonical,
			stream:    canonical.Stream,
			apiKey:    apiKeyFor(format, r),
		}, canonical.Model)
	}
}

// handleGoogle serves /v1beta/models/{model}:{generateContent|streamGenerateContent}.
// The model and streaming mode ride in the path, not the body.
func (h *Handler) handleGoogle(w http.ResponseWriter, r *http.Request) {
	modelID, action, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok {
		writeGatewayError(w, domain.ModelError("Invalid model path"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	canonical, err := provider.ForFormat(domain.FormatGoogle).ParseBody(body)
	if err != nil {
		writeGatewayError(w, domain.ModelError("Invalid request body"))
		return
	}

	h.handle(w, r, &pipelineRequest{
		format:    domain.FormatGoogle,
		rawBody:   body,
		canonical: canonical,
		stream:    action == "streamGenerateContent",
		apiKey:    apiKeyFor(domain.FormatGoogle, r),
	}, modelID)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, req *pipelineRequest, modelID string) {
	ctx := r.Context()

	model, err := h.catalog.Resolve(modelID, req.format)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	req.model = model
	req.header = r.Header
	req.ip = clientIP(r)
	req.sessionID = r.Header.Get("x-opencode-session")
	req.requestID = r.Header.Get("x-opencode-request")
	req.projectID = r.Header.Get("x-opencode-project")
	req.clientID = r.Header.Get("x-opencode-client")

	limiter := ratelimit.New(h.kv, model.ID, model.RateLimit, req.ip)
	if err := limiter.Check(ctx); err != nil {
		var gerr *domain.Error
		if errors.As(err, &gerr) && gerr.Kind == domain.KindRateLimitError {
			metrics.RecordRateLimitHit(model.ID)
		}
		writeGatewayError(w, err)
		return
	}

	trial := session.NewTrialLimiter(h.kv, model.Trial, req.ip, req.clientID)
	req.isTrial, err = trial.IsTrial(ctx)
	if err != nil {
		slog.Warn("trial lookup failed", "error", err)
	}

	sticky := session.NewStickyTracker(h.kv, model.StickyProvider, req.sessionID)
	req.stickyProvider, err = sticky.Get(ctx)
	if err != nil {
		slog.Warn("sticky lookup failed", "error", err)
	}

	fr, err := h.forward(ctx, req)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	defer fr.resp.Body.Close()

	if err := sticky.Set(ctx, fr.sel.ID); err != nil {
		slog.Warn("sticky pin failed", "error", err)
	}

	collector := dump.NewCollector(h.dumper, req.requestID, req.sessionID, req.projectID)
	collector.ProvideModel(model.ID, fr.sel.ID)
	collector.ProvideRequest(fr.reqBody)

	if fr.resp.StatusCode != http.StatusOK {
		h.relayFailure(w, req, fr, collector)
		return
	}

	tr := trackers{rate: limiter, trial: trial}
	if req.stream {
		h.streamResponse(w, r, req, fr, collector, tr)
	} else {
		h.bufferedResponse(w, r, req, fr, collector, tr)
	}
}

// relayFailure passes a terminal upstream failure through to the client.
// 404 is remapped to 400: the upstream's "model not found" must not look
// like a missing gateway route. No usage is accounted.
func (h *Handler) relayFailure(w http.ResponseWriter, req *pipelineRequest, fr *forwardResult, collector *dump.Collector) {
	status := fr.resp.StatusCode
	if status == http.StatusNotFound {
		status = http.StatusBadRequest
	}

	body, _ := io.ReadAll(fr.resp.Body)
	collector.ProvideResponse(body)
	collector.Flush(context.Background())

	slog.Warn("upstream request failed",
		"provider", fr.sel.ID,
		"model", req.model.ID,
		"status", fr.resp.StatusCode,
	)
	metrics.RecordRequest(workspaceLabel(fr.auth), fr.sel.ID, req.model.ID,
		http.StatusText(status), time.Since(fr.start).Seconds())

	copyResponseHeaders(w, fr.resp)
	w.WriteHeader(status)
	w.Write(body)
}

// settle is the post-response tail: KV tallies, the usage ledger, metrics
// and the low-balance reload check. Every step is best-effort; a failure
// here never affects the already-delivered response.
func (h *Handler) settle(ctx context.Context, req *pipelineRequest, fr *forwardResult, usage domain.TokenUsage, tr trackers, hasUsage bool) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.settle")
	defer span.End()
	telemetry.AddTokenAttributes(span, usage)

	if err := tr.rate.Track(ctx); err != nil {
		slog.Warn("rate limit tracking failed", "error", err)
	}
	if req.isTrial {
		if err := tr.trial.Track(ctx, usage); err != nil {
			slog.Warn("trial tracking failed", "error", err)
		}
	}

	workspace := workspaceLabel(fr.auth)
	metrics.RecordTokens(workspace, fr.sel.ID, req.model.ID, usage)
	metrics.RecordRequest(workspace, fr.sel.ID, req.model.ID, "OK", time.Since(fr.start).Seconds())

	if fr.auth == nil {
		return
	}
	telemetry.AddWorkspaceAttribute(span, fr.auth.WorkspaceID)

	// A response that carried no usage leaves no ledger row.
	if !hasUsage {
		return
	}

	// Free and BYOK traffic costs nothing but still gets a ledger row.
	var amount int64
	if !fr.auth.IsFree && !fr.auth.BYOK() {
		amount = cost.Calculate(req.model, usage)
	}
	telemetry.AddCostAttribute(span, amount)

	record := domain.UsageRecord{
		ID:          repository.NewRecordID(),
		WorkspaceID: fr.auth.WorkspaceID,
		Model:       req.model.ID,
		Provider:    fr.sel.ID,
		Usage:       usage,
		Cost:        amount,
		KeyID:       fr.auth.APIKeyID,
	}
	if err := h.store.CommitUsage(ctx, fr.auth, record); err != nil {
		telemetry.AddErrorAttribute(span, err)
		slog.Error("usage commit failed",
			"workspace_id", fr.auth.WorkspaceID,
			"record_id", record.ID,
			"trace_id", telemetry.TraceID(ctx),
			"error", err,
		)
		return
	}
	metrics.RecordCost(workspace, fr.sel.ID, req.model.ID, amount)

	billing := fr.auth.Billing
	billing.Balance -= amount
	billing.MonthlyUsage += amount
	h.monitor.Check(ctx, fr.auth.WorkspaceID, billing)

	h.maybeReload(ctx, fr.auth, billing.Balance)
}

// maybeReload triggers a balance top-up when the post-debit balance fell
// below the workspace's trigger. The store-side lock guarantees one
// concurrent attempt per workspace per minute.
func (h *Handler) maybeReload(ctx context.Context, auth *domain.AuthContext, balance int64) {
	if h.reloader == nil {
		return
	}
	// A reload charges the workspace's payment method. Only billable
	// traffic may initiate that; free and BYOK requests never touch it.
	if auth.IsFree || auth.BYOK() {
		return
	}

	threshold := auth.Billing.ReloadTrigger
	if threshold <= 0 {
		threshold = h.reloadThreshold
	}
	if balance >= threshold {
		return
	}

	held, err := h.store.AcquireReloadLock(ctx, auth.WorkspaceID, threshold)
	if err != nil {
		slog.Warn("reload lock failed", "workspace_id", auth.WorkspaceID, "error", err)
		return
	}
	if !held {
		return
	}

	if err := h.reloader.Reload(ctx, auth.WorkspaceID); err != nil {
		slog.Error("balance reload failed", "workspace_id", auth.WorkspaceID, "error", err)
		if h.notifier != nil {
			h.notifier.Send(ctx, notifications.Notification{
				Type:        notifications.NotificationReloadFailed,
				WorkspaceID: auth.WorkspaceID,
				Message:     "Automatic balance reload failed",
			})
		}
		return
	}
	slog.Info("balance reload triggered", "workspace_id", auth.WorkspaceID)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiKeyFor pulls the credential from the header each protocol uses.
func apiKeyFor(format domain.Format, r *http.Request) string {
	switch format {
	case domain.FormatAnthropic:
		return r.Header.Get("x-api-key")
	case domain.FormatGoogle:
		if key := r.Header.Get("x-goog-api-key"); key != "" {
			return key
		}
		return r.URL.Query().Get("key")
	default:
		return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
}

// clientIP prefers the x-real-ip set by the edge proxy.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("x-real-ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func workspaceLabel(auth *domain.AuthContext) string {
	if auth == nil {
		return "anonymous"
	}
	return auth.WorkspaceID
}

// copyResponseHeaders forwards only the allow-listed upstream headers so
// provider-identifying metadata never leaks to clients.
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, key := range []string{"Content-Type", "Cache-Control"} {
		if value := resp.Header.Get(key); value != "" {
			w.Header().Set(key, value)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeGatewayError renders the uniform error envelope. Gateway errors
// carry their own status and kind; anything else is an opaque 500.
func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "InternalError"
	message := "Internal server error"

	var gerr *domain.Error
	if errors.As(err, &gerr) {
		status = gerr.Status()
		kind = string(gerr.Kind)
		message = gerr.Message
	} else {
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    kind,
			"message": message,
		},
	})
}
