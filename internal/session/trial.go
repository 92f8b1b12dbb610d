// Package session holds the KV-backed per-client state consulted around a
// request: trial eligibility and sticky provider affinity.
package session

import (
	"context"
	"strconv"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/kv"
)

const trialTTL = 30 * 24 * time.Hour

// TrialLimiter tracks a free-tier token budget per (ip, client). A nil
// limiter is a no-op, returned when the model has no trial policy.
type TrialLimiter struct {
	store  kv.Store
	policy domain.TrialPolicy
	key    string
}

func NewTrialLimiter(store kv.Store, policy *domain.TrialPolicy, ip, client string) *TrialLimiter {
	if policy == nil {
		return nil
	}
	return &TrialLimiter{
		store:  store,
		policy: *policy,
		key:    "trial:" + ip + ":" + client,
	}
}

// IsTrial reports whether this client still has trial budget left.
func (t *TrialLimiter) IsTrial(ctx context.Context) (bool, error) {
	if t == nil {
		return false, nil
	}

	value, ok, err := t.store.Get(ctx, t.key)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	used, _ := strconv.ParseInt(value, 10, 64)
	return used < t.policy.MaxTokens, nil
}

// Track adds the request's tokens to the client's trial tally.
func (t *TrialLimiter) Track(ctx context.Context, usage domain.TokenUsage) error {
	if t == nil {
		return nil
	}

	value, _, err := t.store.Get(ctx, t.key)
	if err != nil {
		return err
	}
	used, _ := strconv.ParseInt(value, 10, 64)

	return t.store.Put(ctx, t.key, strconv.FormatInt(used+usage.Total(), 10), trialTTL)
}
