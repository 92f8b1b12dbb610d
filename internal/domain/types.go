package domain

import "time"

// Format identifies an upstream wire protocol. The set is closed: adding a
// protocol means adding a FormatAdapter, nothing else.
type Format string

const (
	FormatAnthropic Format = "anthropic"
	FormatOpenAI    Format = "openai"
	FormatGoogle    Format = "google"
	FormatOACompat  Format = "openai-compatible"
)

// CostTable holds per-token rates in USD, keyed by token class.
// Optional classes (cache read/write) are zero when unpriced.
type CostTable struct {
	Input        float64 `json:"input"`
	Output       float64 `json:"output"`
	CacheRead    float64 `json:"cacheRead,omitempty"`
	CacheWrite5m float64 `json:"cacheWrite5m,omitempty"`
	CacheWrite1h float64 `json:"cacheWrite1h,omitempty"`
}

// TrialPolicy routes trial traffic to a designated provider until the
// per-client token budget is exhausted.
type TrialPolicy struct {
	Provider  string `json:"provider"`
	MaxTokens int64  `json:"maxTokens"`
}

// ModelProviderRef is a model's reference to a provider, with the selection
// weight and the provider-side model name.
type ModelProviderRef struct {
	ID       string `json:"id"`
	Model    string `json:"model,omitempty"`
	Weight   int    `json:"weight,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// ModelInfo is one catalog entry. Immutable for the process lifetime.
type ModelInfo struct {
	ID               string             `json:"id"`
	Providers        []ModelProviderRef `json:"providers"`
	BYOKProvider     string             `json:"byokProvider,omitempty"`
	FallbackProvider string             `json:"fallbackProvider,omitempty"`
	StickyProvider   bool               `json:"stickyProvider,omitempty"`
	Trial            *TrialPolicy       `json:"trial,omitempty"`
	RateLimit        int                `json:"rateLimit,omitempty"`
	Cost             CostTable          `json:"cost"`
	Cost200K         *CostTable         `json:"cost200K,omitempty"`
	AllowAnonymous   bool               `json:"allowAnonymous,omitempty"`
	FormatFilter     Format             `json:"formatFilter,omitempty"`
}

// ProviderInfo is one upstream provider in the catalog.
type ProviderInfo struct {
	ID              string            `json:"id"`
	Format          Format            `json:"format"`
	API             string            `json:"api"`
	APIKey          string            `json:"-"`
	HeaderMappings  map[string]string `json:"headerMappings,omitempty"`
	StreamSeparator string            `json:"streamSeparator,omitempty"`
}

// Billing is the workspace billing row as read during authentication.
// Monetary values are micro-cents.
type Billing struct {
	Balance                 int64
	PaymentMethodID         string
	MonthlyLimit            int64
	MonthlyUsage            int64
	TimeMonthlyUsageUpdated time.Time
	ReloadTrigger           int64
}

// UserBilling is the per-user monthly spend state.
type UserBilling struct {
	ID                      string
	MonthlyLimit            int64
	MonthlyUsage            int64
	TimeMonthlyUsageUpdated time.Time
}

// AuthContext is the result of authenticating one request. Read fresh from
// the billing store every request, never cached. A nil *AuthContext means an
// anonymous request against an allowAnonymous model.
type AuthContext struct {
	APIKeyID            string
	WorkspaceID         string
	Billing             Billing
	User                UserBilling
	ProviderCredentials string
	IsFree              bool
	IsDisabled          bool
}

// BYOK reports whether the caller supplied their own provider credentials.
func (a *AuthContext) BYOK() bool {
	return a != nil && a.ProviderCredentials != ""
}

// RetryState is scoped to one client request and discarded afterwards.
type RetryState struct {
	ExcludeProviders map[string]bool
	RetryCount       int
}

func NewRetryState() *RetryState {
	return &RetryState{ExcludeProviders: make(map[string]bool)}
}

func (r *RetryState) Exclude(providerID string) {
	r.ExcludeProviders[providerID] = true
	r.RetryCount++
}

// TokenUsage is normalized usage across all upstream formats.
type TokenUsage struct {
	InputTokens        int64
	OutputTokens       int64
	ReasoningTokens    int64
	CacheReadTokens    int64
	CacheWrite5mTokens int64
	CacheWrite1hTokens int64
}

// Total is input plus output plus reasoning, the metric trial budgets track.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens
}

// UsageRecord is one append-only ledger row. Cost is micro-cents.
type UsageRecord struct {
	ID          string
	WorkspaceID string
	Model       string
	Provider    string
	Usage       TokenUsage
	Cost        int64
	KeyID       string
	CreatedAt   time.Time
}
