package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencode-ai/gateway/internal/crypto"
	"github.com/opencode-ai/gateway/internal/domain"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db             *sql.DB
	encryptor      *crypto.Encryptor
	freeWorkspaces map[string]bool
}

func NewPostgresStore(db *sql.DB, encryptor *crypto.Encryptor, freeWorkspaces []string) *PostgresStore {
	free := make(map[string]bool, len(freeWorkspaces))
	for _, id := range freeWorkspaces {
		free[id] = true
	}
	return &PostgresStore{db: db, encryptor: encryptor, freeWorkspaces: free}
}

func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Authenticate performs the single joined lookup: key -> workspace ->
// billing -> user -> optional BYOK credentials -> optional per-workspace
// model disable flag. Exactly one round trip per request.
func (s *PostgresStore) Authenticate(ctx context.Context, apiKey, modelID, byokProvider string) (*domain.AuthContext, error) {
	query := `
		SELECT k.id, k.workspace_id,
		       b.balance, b.payment_method_id, b.monthly_limit, b.monthly_usage,
		       b.time_monthly_usage_updated, b.reload_trigger,
		       u.id, u.monthly_limit, u.monthly_usage, u.time_monthly_usage_updated,
		       p.credentials,
		       (m.workspace_id IS NOT NULL)
		FROM keys k
		INNER JOIN workspaces w ON w.id = k.workspace_id
		INNER JOIN billing b ON b.workspace_id = k.workspace_id
		INNER JOIN users u ON u.workspace_id = k.workspace_id AND u.id = k.user_id
		LEFT JOIN workspace_models m
		       ON m.workspace_id = k.workspace_id AND m.model = $2 AND m.disabled
		LEFT JOIN workspace_providers p
		       ON $3 <> '' AND p.workspace_id = k.workspace_id AND p.provider = $3
		WHERE k.key_hash = $1 AND k.time_deleted IS NULL
	`

	var auth domain.AuthContext
	var paymentMethodID, credentials sql.NullString
	var billingUpdated, userUpdated sql.NullTime
	var billingLimit, userLimit sql.NullInt64
	var reloadTrigger sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey), modelID, byokProvider).Scan(
		&auth.APIKeyID,
		&auth.WorkspaceID,
		&auth.Billing.Balance,
		&paymentMethodID,
		&billingLimit,
		&auth.Billing.MonthlyUsage,
		&billingUpdated,
		&reloadTrigger,
		&auth.User.ID,
		&userLimit,
		&auth.User.MonthlyUsage,
		&userUpdated,
		&credentials,
		&auth.IsDisabled,
	)
	if err == sql.ErrNoRows {
		return nil, domain.AuthError("Invalid API key.")
	}
	if err != nil {
		return nil, fmt.Errorf("query auth: %w", err)
	}

	auth.Billing.PaymentMethodID = paymentMethodID.String
	auth.Billing.MonthlyLimit = billingLimit.Int64
	auth.Billing.TimeMonthlyUsageUpdated = billingUpdated.Time
	auth.Billing.ReloadTrigger = reloadTrigger.Int64
	auth.User.MonthlyLimit = userLimit.Int64
	auth.User.TimeMonthlyUsageUpdated = userUpdated.Time
	auth.IsFree = s.freeWorkspaces[auth.WorkspaceID]

	if credentials.Valid && credentials.String != "" {
		plaintext, err := s.encryptor.Decrypt(credentials.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt provider credentials: %w", err)
		}
		auth.ProviderCredentials = plaintext
	}

	return &auth, nil
}

// CommitUsage writes the ledger row and applies the balance debit and
// monthly-usage increments in one transaction. The month reset is a CASE
// expression evaluated inside the same statement, so there is no
// read-then-write race on the month boundary.
func (s *PostgresStore) CommitUsage(ctx context.Context, auth *domain.AuthContext, record domain.UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, workspace_id, model, provider,
		       input_tokens, output_tokens, reasoning_tokens,
		       cache_read_tokens, cache_write_5m_tokens, cache_write_1h_tokens,
		       cost, key_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
	`,
		record.ID,
		record.WorkspaceID,
		record.Model,
		record.Provider,
		record.Usage.InputTokens,
		record.Usage.OutputTokens,
		record.Usage.ReasoningTokens,
		record.Usage.CacheReadTokens,
		record.Usage.CacheWrite5mTokens,
		record.Usage.CacheWrite1hTokens,
		record.Cost,
		record.KeyID,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE billing
		SET balance = balance - $1,
		    monthly_usage = CASE
		      WHEN date_trunc('month', time_monthly_usage_updated AT TIME ZONE 'utc') =
		           date_trunc('month', now() AT TIME ZONE 'utc')
		      THEN monthly_usage + $1
		      ELSE $1
		    END,
		    time_monthly_usage_updated = now()
		WHERE workspace_id = $2
	`, record.Cost, auth.WorkspaceID)
	if err != nil {
		return fmt.Errorf("update billing: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET monthly_usage = CASE
		      WHEN date_trunc('month', time_monthly_usage_updated AT TIME ZONE 'utc') =
		           date_trunc('month', now() AT TIME ZONE 'utc')
		      THEN monthly_usage + $1
		      ELSE $1
		    END,
		    time_monthly_usage_updated = now()
		WHERE workspace_id = $2 AND id = $3
	`, record.Cost, auth.WorkspaceID, auth.User.ID)
	if err != nil {
		return fmt.Errorf("update user usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}

	// Key touch is bookkeeping, deliberately outside the transaction.
	_, err = s.db.ExecContext(ctx, `
		UPDATE keys SET time_used = now() WHERE workspace_id = $1 AND id = $2
	`, auth.WorkspaceID, auth.APIKeyID)
	if err != nil {
		return fmt.Errorf("touch key: %w", err)
	}

	return nil
}

// AcquireReloadLock sets the advisory lock column one minute ahead, but
// only on rows where reload is enabled, the balance sits below the trigger
// threshold, and the lock is unset or expired. Zero rows matched means
// someone else holds the lock or no reload is due.
func (s *PostgresStore) AcquireReloadLock(ctx context.Context, workspaceID string, threshold int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE billing
		SET time_reload_locked_till = now() + interval '1 minute'
		WHERE workspace_id = $1
		  AND reload = true
		  AND balance < $2
		  AND (time_reload_locked_till IS NULL OR time_reload_locked_till < now())
	`, workspaceID, threshold)
	if err != nil {
		return false, fmt.Errorf("acquire reload lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reload lock rows: %w", err)
	}
	return rows > 0, nil
}
