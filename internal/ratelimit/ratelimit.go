// Package ratelimit enforces per (ip, model) request-per-hour limits.
// Two hour buckets (current and previous) approximate a sliding window
// without storing per-request timestamps.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/kv"
)

const bucketTTL = 3600 * time.Second

// Limiter counts requests for one (ip, model) pair. A nil Limiter is a
// no-op, returned when the model defines no rate limit.
type Limiter struct {
	store    kv.Store
	limit    int
	currKey  string
	prevKey  string
	currRate int
}

// New builds a limiter for the given model and client ip. Returns nil when
// limit is zero.
func New(store kv.Store, model string, limit int, ip string) *Limiter {
	if limit <= 0 {
		return nil
	}

	now := time.Now()
	return &Limiter{
		store:   store,
		limit:   limit,
		currKey: bucketKey(ip, model, now),
		prevKey: bucketKey(ip, model, now.Add(-time.Hour)),
	}
}

// Check reads both hour buckets and fails with RateLimitError when their
// sum has reached the limit. Must be called before Track.
func (l *Limiter) Check(ctx context.Context) error {
	if l == nil {
		return nil
	}

	values, err := l.store.GetMulti(ctx, l.currKey, l.prevKey)
	if err != nil {
		return err
	}

	currRate, _ := strconv.Atoi(values[l.currKey])
	prevRate, _ := strconv.Atoi(values[l.prevKey])
	l.currRate = currRate

	slog.Debug("rate limit", "curr", currRate, "prev", prevRate, "limit", l.limit)

	if currRate+prevRate >= l.limit {
		return domain.RateLimitError("Rate limit exceeded. Please try again later.")
	}
	return nil
}

// Track increments the current-hour bucket. Called only after a successful
// upstream response.
func (l *Limiter) Track(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.store.Put(ctx, l.currKey, strconv.Itoa(l.currRate+1), bucketTTL)
}

// bucketKey builds usage:{ip}:{model}:{YYYYMMDDHH} with the hour bucket in
// UTC, ten digits.
func bucketKey(ip, model string, t time.Time) string {
	return "usage:" + ip + ":" + model + ":" + t.UTC().Format("2006010215")
}
