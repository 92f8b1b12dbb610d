package api

import (
	"fmt"
	"time"

	"github.com/opencode-ai/gateway/internal/domain"
)

// validateBilling enforces balance and spending caps before the upstream
// call. Anonymous, BYOK and free-workspace requests are exempt, as are
// models open to anonymous use.
func validateBilling(auth *domain.AuthContext, model domain.ModelInfo) error {
	if auth == nil {
		return nil
	}
	if auth.BYOK() {
		return nil
	}
	if auth.IsFree {
		return nil
	}
	if model.AllowAnonymous {
		return nil
	}

	billing := auth.Billing
	if billing.PaymentMethodID == "" {
		return domain.CreditsError(fmt.Sprintf(
			"No payment method. Add a payment method here: https://opencode.ai/workspace/%s/billing", auth.WorkspaceID))
	}
	if billing.Balance <= 0 {
		return domain.CreditsError(fmt.Sprintf(
			"Insufficient balance. Manage your billing here: https://opencode.ai/workspace/%s/billing", auth.WorkspaceID))
	}

	now := time.Now()
	if limitReached(billing.MonthlyLimit, billing.MonthlyUsage, billing.TimeMonthlyUsageUpdated, now) {
		return domain.MonthlyLimitError(fmt.Sprintf(
			"Your workspace has reached its monthly spending limit. Manage your limits here: https://opencode.ai/workspace/%s/billing", auth.WorkspaceID))
	}
	if limitReached(auth.User.MonthlyLimit, auth.User.MonthlyUsage, auth.User.TimeMonthlyUsageUpdated, now) {
		return domain.UserLimitError(fmt.Sprintf(
			"You have reached your monthly spending limit. Manage your limits here: https://opencode.ai/workspace/%s/members", auth.WorkspaceID))
	}

	return nil
}

// limitReached is true only when the tally is at the cap and was last
// updated in the current UTC month. A cap recorded in a past month does
// not block: accounting resets it on first use of the new month.
func limitReached(limit, usage int64, updated, now time.Time) bool {
	if limit <= 0 || usage < limit || updated.IsZero() {
		return false
	}
	return updated.UTC().Year() == now.UTC().Year() && updated.UTC().Month() == now.UTC().Month()
}
