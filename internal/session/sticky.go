package session

import (
	"context"
	"time"

	"github.com/opencode-ai/gateway/internal/kv"
)

const stickyTTL = 24 * time.Hour

// StickyTracker pins a provider to a session for providers whose backend
// state is session-affine. A nil tracker is a no-op, returned when the
// model is not marked sticky or the session id is empty.
type StickyTracker struct {
	store kv.Store
	key   string
}

func NewStickyTracker(store kv.Store, sticky bool, sessionID string) *StickyTracker {
	if !sticky || sessionID == "" {
		return nil
	}
	return &StickyTracker{store: store, key: "sticky:" + sessionID}
}

// Get returns the provider previously pinned to this session, if any.
func (s *StickyTracker) Get(ctx context.Context) (string, error) {
	if s == nil {
		return "", nil
	}
	value, _, err := s.store.Get(ctx, s.key)
	return value, err
}

// Set pins the chosen provider, refreshing the TTL.
func (s *StickyTracker) Set(ctx context.Context, providerID string) error {
	if s == nil {
		return nil
	}
	return s.store.Put(ctx, s.key, providerID, stickyTTL)
}
