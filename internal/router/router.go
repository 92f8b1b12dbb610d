// Package router picks the upstream provider for a request. Selection is
// deterministic for a given session id and provider set, so sessions get
// sticky-like stability without persisted state while load still follows
// the configured weights.
package router

import (
	"sort"

	"github.com/opencode-ai/gateway/internal/catalog"
	"github.com/opencode-ai/gateway/internal/domain"
)

// MaxRetries is the retry ceiling. Once a request has burned through it,
// the next selection is forced onto the model's fallback provider.
const MaxRetries = 3

// Selection is the chosen provider plus the model name to send upstream.
type Selection struct {
	domain.ProviderInfo
	Model string
}

// Select resolves the provider for this attempt. Precedence, first match
// wins: BYOK, trial, sticky, forced fallback at the retry ceiling, weighted
// deterministic pick over enabled non-excluded providers.
func Select(
	cat *catalog.Catalog,
	model domain.ModelInfo,
	auth *domain.AuthContext,
	sessionID string,
	isTrial bool,
	retry *domain.RetryState,
	stickyProvider string,
) (Selection, error) {
	ref := pickRef(model, auth, sessionID, isTrial, retry, stickyProvider)
	if ref == nil {
		return Selection{}, domain.ModelError("No provider available")
	}

	provider, err := cat.Provider(ref.ID)
	if err != nil {
		return Selection{}, err
	}

	upstreamModel := ref.Model
	if upstreamModel == "" {
		upstreamModel = model.ID
	}

	return Selection{ProviderInfo: provider, Model: upstreamModel}, nil
}

func pickRef(
	model domain.ModelInfo,
	auth *domain.AuthContext,
	sessionID string,
	isTrial bool,
	retry *domain.RetryState,
	stickyProvider string,
) *domain.ModelProviderRef {
	if auth.BYOK() {
		return findRef(model.Providers, model.BYOKProvider)
	}

	if isTrial && model.Trial != nil {
		return findRef(model.Providers, model.Trial.Provider)
	}

	if stickyProvider != "" {
		if ref := findRef(model.Providers, stickyProvider); ref != nil {
			return ref
		}
	}

	if retry.RetryCount == MaxRetries {
		return findRef(model.Providers, model.FallbackProvider)
	}

	// Weighted pick over cumulative weights: hash mod total indexes the
	// same slot a weight-replicated array would, without materializing it.
	type candidate struct {
		ref *domain.ModelProviderRef
		cum int
	}
	var pool []candidate
	total := 0
	for i := range model.Providers {
		ref := &model.Providers[i]
		if ref.Disabled || retry.ExcludeProviders[ref.ID] {
			continue
		}
		weight := ref.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
		pool = append(pool, candidate{ref: ref, cum: total})
	}
	if total == 0 {
		return nil
	}

	slot := int(sessionHash(sessionID) % uint32(total))
	idx := sort.Search(len(pool), func(i int) bool { return pool[i].cum > slot })
	return pool[idx].ref
}

func findRef(refs []domain.ModelProviderRef, id string) *domain.ModelProviderRef {
	if id == "" {
		return nil
	}
	for i := range refs {
		if refs[i].ID == id {
			return &refs[i]
		}
	}
	return nil
}

// sessionHash is a 32-bit rolling hash (h = h*31 + c) over the last four
// bytes of the session id, wrapped to unsigned.
func sessionHash(sessionID string) uint32 {
	start := len(sessionID) - 4
	if start < 0 {
		start = 0
	}
	var h int32
	for i := start; i < len(sessionID); i++ {
		h = h*31 + int32(sessionID[i])
	}
	return uint32(h)
}
