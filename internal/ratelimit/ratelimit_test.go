package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/kv"
)

func TestLimiter_NilWhenNoLimit(t *testing.T) {
	if l := New(kv.NewInMemoryStore(), "model-a", 0, "1.2.3.4"); l != nil {
		t.Error("expected nil limiter when limit is 0")
	}

	var l *Limiter
	ctx := context.Background()
	if err := l.Check(ctx); err != nil {
		t.Errorf("nil limiter Check: %v", err)
	}
	if err := l.Track(ctx); err != nil {
		t.Errorf("nil limiter Track: %v", err)
	}
}

func TestLimiter_AllowsBelowLimit(t *testing.T) {
	store := kv.NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l := New(store, "model-a", 3, "1.2.3.4")
		if err := l.Check(ctx); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
		if err := l.Track(ctx); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}

	l := New(store, "model-a", 3, "1.2.3.4")
	err := l.Check(ctx)
	var gerr *domain.Error
	if !errors.As(err, &gerr) || gerr.Kind != domain.KindRateLimitError {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestLimiter_CountsPreviousHourBucket(t *testing.T) {
	store := kv.NewInMemoryStore()
	ctx := context.Background()

	prevKey := bucketKey("1.2.3.4", "model-a", time.Now().Add(-time.Hour))
	store.Put(ctx, prevKey, "4", time.Hour)

	l := New(store, "model-a", 5, "1.2.3.4")
	l.Check(ctx)
	l.Track(ctx)

	l = New(store, "model-a", 5, "1.2.3.4")
	if err := l.Check(ctx); err == nil {
		t.Error("expected rejection: previous bucket counts toward the limit")
	}
}

func TestLimiter_IsolatedByIPAndModel(t *testing.T) {
	store := kv.NewInMemoryStore()
	ctx := context.Background()

	l := New(store, "model-a", 1, "1.2.3.4")
	l.Check(ctx)
	l.Track(ctx)

	if err := New(store, "model-a", 1, "1.2.3.4").Check(ctx); err == nil {
		t.Error("same ip and model should be limited")
	}
	if err := New(store, "model-a", 1, "5.6.7.8").Check(ctx); err != nil {
		t.Errorf("different ip should not be limited: %v", err)
	}
	if err := New(store, "model-b", 1, "1.2.3.4").Check(ctx); err != nil {
		t.Errorf("different model should not be limited: %v", err)
	}
}

func TestBucketKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 15, 42, 0, 0, time.UTC)
	got := bucketKey("1.2.3.4", "claude", at)
	want := "usage:1.2.3.4:claude:2026030715"
	if got != want {
		t.Errorf("bucketKey = %q, want %q", got, want)
	}
}

func TestLimiter_TrackIncrementsCurrentBucket(t *testing.T) {
	store := kv.NewInMemoryStore()
	ctx := context.Background()

	l := New(store, "model-a", 10, "1.2.3.4")
	l.Check(ctx)
	l.Track(ctx)

	value, ok, _ := store.Get(ctx, bucketKey("1.2.3.4", "model-a", time.Now()))
	if !ok {
		t.Fatal("expected current bucket to exist after Track")
	}
	if n, _ := strconv.Atoi(value); n != 1 {
		t.Errorf("bucket = %q, want 1", value)
	}
}
