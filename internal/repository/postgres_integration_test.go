//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/opencode-ai/gateway/internal/crypto"
	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/repository"

	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

type fixture struct {
	workspaceID string
	userID      string
	keyID       string
	apiKey      string
}

func createFixture(t *testing.T, db *sql.DB) fixture {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().Format("20060102150405")

	f := fixture{
		workspaceID: "ws-int-" + stamp,
		userID:      "usr-int-" + stamp,
		keyID:       "key-int-" + stamp,
		apiKey:      "sk-int-" + stamp,
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO workspaces (id) VALUES ($1)`, f.workspaceID); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO billing (workspace_id, balance, payment_method_id, monthly_usage, time_monthly_usage_updated, reload)
		VALUES ($1, 1000000, 'pm_test', 0, now(), false)
	`, f.workspaceID); err != nil {
		t.Fatalf("insert billing: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, workspace_id, monthly_usage, time_monthly_usage_updated)
		VALUES ($1, $2, 0, now())
	`, f.userID, f.workspaceID); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO keys (id, workspace_id, user_id, key_hash)
		VALUES ($1, $2, $3, $4)
	`, f.keyID, f.workspaceID, f.userID, crypto.HashAPIKey(f.apiKey)); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	t.Cleanup(func() {
		db.ExecContext(ctx, `DELETE FROM usage_records WHERE workspace_id = $1`, f.workspaceID)
		db.ExecContext(ctx, `DELETE FROM keys WHERE workspace_id = $1`, f.workspaceID)
		db.ExecContext(ctx, `DELETE FROM users WHERE workspace_id = $1`, f.workspaceID)
		db.ExecContext(ctx, `DELETE FROM billing WHERE workspace_id = $1`, f.workspaceID)
		db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, f.workspaceID)
	})

	return f
}

func TestPostgresStore_AuthenticateAndCommit(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	f := createFixture(t, db)
	encryptor, err := crypto.NewEncryptor("integration-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	store := repository.NewPostgresStore(db, encryptor, nil)
	ctx := context.Background()

	auth, err := store.Authenticate(ctx, f.apiKey, "claude-sonnet-4", "")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if auth.WorkspaceID != f.workspaceID {
		t.Errorf("workspace = %q, want %q", auth.WorkspaceID, f.workspaceID)
	}
	if auth.Billing.Balance != 1000000 {
		t.Errorf("balance = %d, want 1000000", auth.Billing.Balance)
	}
	if auth.IsDisabled {
		t.Error("model reported disabled without a disable row")
	}

	if _, err := store.Authenticate(ctx, "sk-wrong-key", "claude-sonnet-4", ""); err == nil {
		t.Error("expected auth error for unknown key")
	}

	record := domain.UsageRecord{
		ID:          repository.NewRecordID(),
		WorkspaceID: f.workspaceID,
		KeyID:       auth.APIKeyID,
		Model:       "claude-sonnet-4",
		Provider:    "anthropic",
		Usage:       domain.TokenUsage{InputTokens: 100, OutputTokens: 50},
		Cost:        2500,
	}
	if err := store.CommitUsage(ctx, auth, record); err != nil {
		t.Fatalf("CommitUsage failed: %v", err)
	}

	var balance, monthlyUsage int64
	err = db.QueryRowContext(ctx, `
		SELECT balance, monthly_usage FROM billing WHERE workspace_id = $1
	`, f.workspaceID).Scan(&balance, &monthlyUsage)
	if err != nil {
		t.Fatalf("read billing: %v", err)
	}
	if balance != 1000000-2500 {
		t.Errorf("balance after commit = %d, want %d", balance, 1000000-2500)
	}
	if monthlyUsage != 2500 {
		t.Errorf("monthly usage = %d, want 2500", monthlyUsage)
	}

	var rows int
	err = db.QueryRowContext(ctx, `
		SELECT count(*) FROM usage_records WHERE workspace_id = $1
	`, f.workspaceID).Scan(&rows)
	if err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if rows != 1 {
		t.Errorf("ledger rows = %d, want 1", rows)
	}
}

func TestPostgresStore_AcquireReloadLock(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	f := createFixture(t, db)
	encryptor, err := crypto.NewEncryptor("integration-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	store := repository.NewPostgresStore(db, encryptor, nil)
	ctx := context.Background()

	// reload disabled: never locks
	ok, err := store.AcquireReloadLock(ctx, f.workspaceID, 2000000)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("lock acquired with reload disabled")
	}

	if _, err := db.ExecContext(ctx, `
		UPDATE billing SET reload = true WHERE workspace_id = $1
	`, f.workspaceID); err != nil {
		t.Fatal(err)
	}

	// balance 1000000 is above a 500 threshold: no reload due
	ok, err = store.AcquireReloadLock(ctx, f.workspaceID, 500)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("lock acquired above threshold")
	}

	ok, err = store.AcquireReloadLock(ctx, f.workspaceID, 2000000)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected to acquire the lock")
	}

	// second attempt inside the lock window loses
	ok, err = store.AcquireReloadLock(ctx, f.workspaceID, 2000000)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("lock acquired twice inside the window")
	}
}
