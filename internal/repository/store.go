// Package repository is the relational billing store: API-key
// authentication, the transactional usage ledger, and the reload advisory
// lock. All serialization the pipeline needs is pushed down here.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencode-ai/gateway/internal/domain"
)

// Store is the billing-store surface the request pipeline consumes.
type Store interface {
	// Authenticate resolves an API key to its workspace, billing, user and
	// optional BYOK credential state in a single round trip. Fails with
	// AuthError when the key does not resolve.
	Authenticate(ctx context.Context, apiKey, modelID, byokProvider string) (*domain.AuthContext, error)

	// CommitUsage writes the ledger row and applies the balance debit and
	// workspace/user monthly-usage increments in one transaction. The
	// monthly tally resets instead of adding when its last update falls in
	// a different UTC month.
	CommitUsage(ctx context.Context, auth *domain.AuthContext, record domain.UsageRecord) error

	// AcquireReloadLock attempts the conditional-UPDATE advisory lock that
	// serializes balance reloads. True means this request holds the lock
	// and should trigger the reload.
	AcquireReloadLock(ctx context.Context, workspaceID string, threshold int64) (bool, error)
}

// NewRecordID mints a ledger row id.
func NewRecordID() string {
	return "usage_" + uuid.New().String()
}

// InMemoryStore implements Store for tests and single-node development.
type InMemoryStore struct {
	mu         sync.Mutex
	keys       map[string]*MemKey
	workspaces map[string]*MemWorkspace
	records    []domain.UsageRecord
	now        func() time.Time
}

type MemKey struct {
	ID          string
	WorkspaceID string
	UserID      string
	Deleted     bool
}

type MemWorkspace struct {
	Billing       domain.Billing
	Users         map[string]*domain.UserBilling
	Credentials   map[string]string
	DisabledModel map[string]bool
	IsFree        bool
	Reload        bool
	ReloadLockTil time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys:       make(map[string]*MemKey),
		workspaces: make(map[string]*MemWorkspace),
		now:        time.Now,
	}
}

// SetNow overrides the clock, for month-boundary tests.
func (s *InMemoryStore) SetNow(now func() time.Time) { s.now = now }

func (s *InMemoryStore) AddKey(apiKey string, key MemKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[apiKey] = &key
}

func (s *InMemoryStore) AddWorkspace(id string, ws MemWorkspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.Users == nil {
		ws.Users = make(map[string]*domain.UserBilling)
	}
	s.workspaces[id] = &ws
}

func (s *InMemoryStore) Workspace(id string) *MemWorkspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaces[id]
}

func (s *InMemoryStore) Records() []domain.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UsageRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *InMemoryStore) Authenticate(ctx context.Context, apiKey, modelID, byokProvider string) (*domain.AuthContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[apiKey]
	if !ok || key.Deleted {
		return nil, domain.AuthError("Invalid API key.")
	}
	ws := s.workspaces[key.WorkspaceID]
	if ws == nil {
		return nil, domain.AuthError("Invalid API key.")
	}

	auth := &domain.AuthContext{
		APIKeyID:    key.ID,
		WorkspaceID: key.WorkspaceID,
		Billing:     ws.Billing,
		IsFree:      ws.IsFree,
		IsDisabled:  ws.DisabledModel[modelID],
	}
	if user := ws.Users[key.UserID]; user != nil {
		auth.User = *user
	}
	if byokProvider != "" {
		auth.ProviderCredentials = ws.Credentials[byokProvider]
	}
	return auth, nil
}

func (s *InMemoryStore) CommitUsage(ctx context.Context, auth *domain.AuthContext, record domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record.CreatedAt = now
	s.records = append(s.records, record)

	ws := s.workspaces[auth.WorkspaceID]
	if ws == nil {
		return nil
	}

	ws.Billing.Balance -= record.Cost
	if sameMonth(ws.Billing.TimeMonthlyUsageUpdated, now) {
		ws.Billing.MonthlyUsage += record.Cost
	} else {
		ws.Billing.MonthlyUsage = record.Cost
	}
	ws.Billing.TimeMonthlyUsageUpdated = now

	if user := ws.Users[auth.User.ID]; user != nil {
		if sameMonth(user.TimeMonthlyUsageUpdated, now) {
			user.MonthlyUsage += record.Cost
		} else {
			user.MonthlyUsage = record.Cost
		}
		user.TimeMonthlyUsageUpdated = now
	}
	return nil
}

func (s *InMemoryStore) AcquireReloadLock(ctx context.Context, workspaceID string, threshold int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.workspaces[workspaceID]
	if ws == nil || !ws.Reload {
		return false, nil
	}
	now := s.now()
	if ws.Billing.Balance >= threshold || now.Before(ws.ReloadLockTil) {
		return false, nil
	}
	ws.ReloadLockTil = now.Add(time.Minute)
	return true, nil
}

func sameMonth(a, b time.Time) bool {
	return a.UTC().Year() == b.UTC().Year() && a.UTC().Month() == b.UTC().Month()
}
