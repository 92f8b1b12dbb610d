package session

import (
	"context"
	"testing"

	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/kv"
)

func TestTrialLimiter_NilWithoutPolicy(t *testing.T) {
	l := NewTrialLimiter(kv.NewInMemoryStore(), nil, "1.2.3.4", "cli")
	if l != nil {
		t.Fatal("expected nil limiter without a trial policy")
	}

	isTrial, err := l.IsTrial(context.Background())
	if err != nil || isTrial {
		t.Errorf("nil limiter IsTrial = %v, %v", isTrial, err)
	}
}

func TestTrialLimiter_BudgetExhaustion(t *testing.T) {
	store := kv.NewInMemoryStore()
	policy := &domain.TrialPolicy{Provider: "trial-provider", MaxTokens: 100}
	ctx := context.Background()

	l := NewTrialLimiter(store, policy, "1.2.3.4", "cli")

	isTrial, err := l.IsTrial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !isTrial {
		t.Error("unused client should be in trial")
	}

	l.Track(ctx, domain.TokenUsage{InputTokens: 40, OutputTokens: 30})
	if isTrial, _ = l.IsTrial(ctx); !isTrial {
		t.Error("client below budget should still be in trial")
	}

	l.Track(ctx, domain.TokenUsage{InputTokens: 20, OutputTokens: 10})
	if isTrial, _ = l.IsTrial(ctx); isTrial {
		t.Error("client at budget should no longer be in trial")
	}
}

func TestTrialLimiter_IsolatedPerClient(t *testing.T) {
	store := kv.NewInMemoryStore()
	policy := &domain.TrialPolicy{Provider: "trial-provider", MaxTokens: 10}
	ctx := context.Background()

	a := NewTrialLimiter(store, policy, "1.2.3.4", "cli-a")
	a.Track(ctx, domain.TokenUsage{InputTokens: 10})

	if isTrial, _ := a.IsTrial(ctx); isTrial {
		t.Error("client a should be out of trial")
	}

	b := NewTrialLimiter(store, policy, "1.2.3.4", "cli-b")
	if isTrial, _ := b.IsTrial(ctx); !isTrial {
		t.Error("client b should still be in trial")
	}
}

func TestStickyTracker_NilCases(t *testing.T) {
	store := kv.NewInMemoryStore()

	if s := NewStickyTracker(store, false, "ses_123"); s != nil {
		t.Error("expected nil tracker for non-sticky model")
	}
	if s := NewStickyTracker(store, true, ""); s != nil {
		t.Error("expected nil tracker without a session id")
	}

	var s *StickyTracker
	if provider, err := s.Get(context.Background()); provider != "" || err != nil {
		t.Errorf("nil tracker Get = %q, %v", provider, err)
	}
	if err := s.Set(context.Background(), "p1"); err != nil {
		t.Errorf("nil tracker Set: %v", err)
	}
}

func TestStickyTracker_PinsProvider(t *testing.T) {
	store := kv.NewInMemoryStore()
	ctx := context.Background()

	s := NewStickyTracker(store, true, "ses_123")
	if provider, _ := s.Get(ctx); provider != "" {
		t.Errorf("fresh session pinned to %q", provider)
	}

	s.Set(ctx, "provider-a")
	if provider, _ := s.Get(ctx); provider != "provider-a" {
		t.Errorf("pinned provider = %q, want provider-a", provider)
	}

	other := NewStickyTracker(store, true, "ses_456")
	if provider, _ := other.Get(ctx); provider != "" {
		t.Errorf("other session pinned to %q", provider)
	}
}
