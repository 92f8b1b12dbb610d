// Package alerts watches post-request billing state and raises operator
// notifications when a workspace runs low on balance or hits its monthly
// cap. All checks are best-effort side channels off the request path.
package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
	"github.com/opencode-ai/gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelLowBalance   AlertLevel = "low_balance"
	AlertLevelMonthlyLimit AlertLevel = "monthly_limit"
)

type Alert struct {
	WorkspaceID string
	Level       AlertLevel
	Balance     int64
	Limit       int64
	Usage       int64
	Timestamp   time.Time
}

// Monitor deduplicates per-workspace alerts: a level fires once and stays
// latched until the workspace drops back below it.
type Monitor struct {
	mu         sync.Mutex
	notifier   notifications.Notifier
	threshold  int64
	lastAlerts map[string]map[AlertLevel]bool
}

// NewMonitor builds a monitor that flags balances below threshold
// micro-cents. A nil notifier disables publishing; alerts still log.
func NewMonitor(notifier notifications.Notifier, threshold int64) *Monitor {
	return &Monitor{
		notifier:   notifier,
		threshold:  threshold,
		lastAlerts: make(map[string]map[AlertLevel]bool),
	}
}

// Check inspects the workspace billing state after a usage commit. Safe to
// call with a nil monitor.
func (m *Monitor) Check(ctx context.Context, workspaceID string, billing domain.Billing) {
	if m == nil {
		return
	}

	if billing.Balance < m.threshold {
		m.raise(ctx, Alert{
			WorkspaceID: workspaceID,
			Level:       AlertLevelLowBalance,
			Balance:     billing.Balance,
			Timestamp:   time.Now(),
		})
	} else {
		m.clear(workspaceID, AlertLevelLowBalance)
	}

	if billing.MonthlyLimit > 0 && billing.MonthlyUsage >= billing.MonthlyLimit {
		m.raise(ctx, Alert{
			WorkspaceID: workspaceID,
			Level:       AlertLevelMonthlyLimit,
			Limit:       billing.MonthlyLimit,
			Usage:       billing.MonthlyUsage,
			Timestamp:   time.Now(),
		})
	} else {
		m.clear(workspaceID, AlertLevelMonthlyLimit)
	}
}

func (m *Monitor) raise(ctx context.Context, alert Alert) {
	m.mu.Lock()
	levels := m.lastAlerts[alert.WorkspaceID]
	if levels == nil {
		levels = make(map[AlertLevel]bool)
		m.lastAlerts[alert.WorkspaceID] = levels
	}
	if levels[alert.Level] {
		m.mu.Unlock()
		return
	}
	levels[alert.Level] = true
	m.mu.Unlock()

	slog.Warn("billing alert",
		"workspace_id", alert.WorkspaceID,
		"level", alert.Level,
		"balance", alert.Balance,
		"limit", alert.Limit,
		"usage", alert.Usage,
	)

	if m.notifier == nil {
		return
	}

	notificationType := notifications.NotificationLowBalance
	if alert.Level == AlertLevelMonthlyLimit {
		notificationType = notifications.NotificationMonthlyLimit
	}
	err := m.notifier.Send(ctx, notifications.Notification{
		Type:        notificationType,
		WorkspaceID: alert.WorkspaceID,
		Message:     string(alert.Level),
		Data: map[string]interface{}{
			"balance": alert.Balance,
			"limit":   alert.Limit,
			"usage":   alert.Usage,
		},
	})
	if err != nil {
		slog.Warn("failed to send billing alert", "error", err, "workspace_id", alert.WorkspaceID)
	}
}

func (m *Monitor) clear(workspaceID string, level AlertLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if levels := m.lastAlerts[workspaceID]; levels != nil {
		delete(levels, level)
	}
}
