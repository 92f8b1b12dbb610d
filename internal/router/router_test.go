package router

import (
	"fmt"
	"testing"

	"github.com/opencode-ai/gateway/internal/catalog"
	"github.com/opencode-ai/gateway/internal/domain"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(`{
		"models": {},
		"providers": {
			"primary":   {"format": "anthropic", "api": "https://primary.example.com"},
			"secondary": {"format": "openai-compatible", "api": "https://secondary.example.com"},
			"fallback":  {"format": "openai-compatible", "api": "https://fallback.example.com"},
			"byok":      {"format": "anthropic", "api": "https://byok.example.com"},
			"trial":     {"format": "openai-compatible", "api": "https://trial.example.com"}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func testModel() domain.ModelInfo {
	return domain.ModelInfo{
		ID: "model-a",
		Providers: []domain.ModelProviderRef{
			{ID: "primary", Weight: 2},
			{ID: "secondary", Weight: 1},
			{ID: "fallback"},
			{ID: "byok"},
			{ID: "trial"},
		},
		BYOKProvider:     "byok",
		FallbackProvider: "fallback",
		Trial:            &domain.TrialPolicy{Provider: "trial", MaxTokens: 100},
	}
}

func TestSelect_Deterministic(t *testing.T) {
	cat := testCatalog(t)
	model := testModel()

	first, err := Select(cat, model, nil, "ses_abcd1234", false, domain.NewRetryState(), "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		sel, err := Select(cat, model, nil, "ses_abcd1234", false, domain.NewRetryState(), "")
		if err != nil {
			t.Fatal(err)
		}
		if sel.ID != first.ID {
			t.Fatalf("selection changed between identical calls: %s vs %s", sel.ID, first.ID)
		}
	}
}

func TestSelect_WeightsShapeDistribution(t *testing.T) {
	cat := testCatalog(t)
	model := domain.ModelInfo{
		ID: "model-a",
		Providers: []domain.ModelProviderRef{
			{ID: "primary", Weight: 3},
			{ID: "secondary", Weight: 1},
		},
	}

	const n = 400
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		session := fmt.Sprintf("ses_%04d", i)
		sel, err := Select(cat, model, nil, session, false, domain.NewRetryState(), "")
		if err != nil {
			t.Fatal(err)
		}
		counts[sel.ID]++
	}

	// Weight 3 of 4 should land near 75% of sessions.
	fraction := float64(counts["primary"]) / n
	if fraction < 0.65 || fraction > 0.85 {
		t.Errorf("weight 3 provider got %d/%d picks (%.2f), want ~0.75", counts["primary"], n, fraction)
	}
	if counts["secondary"] == 0 {
		t.Error("weight 1 provider never selected")
	}
}

func TestSelect_BYOKWinsOverEverything(t *testing.T) {
	cat := testCatalog(t)
	model := testModel()
	auth := &domain.AuthContext{WorkspaceID: "ws1", ProviderCredentials: "sk-user-key"}

	sel, err := Select(cat, model, auth, "ses_1", true, domain.NewRetryState(), "primary")
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "byok" {
		t.Errorf("selected %s, want byok", sel.ID)
	}
}

func TestSelect_TrialBeforeSticky(t *testing.T) {
	cat := testCatalog(t)
	model := testModel()

	sel, err := Select(cat, model, nil, "ses_1", true, domain.NewRetryState(), "primary")
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "trial" {
		t.Errorf("selected %s, want trial", sel.ID)
	}
}

func TestSelect_StickyProviderHonored(t *testing.T) {
	cat := testCatalog(t)
	model := testModel()

	sel, err := Select(cat, model, nil, "ses_1", false, domain.NewRetryState(), "secondary")
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "secondary" {
		t.Errorf("selected %s, want secondary", sel.ID)
	}
}

func TestSelect_ForcedFallbackAtRetryCeiling(t *testing.T) {
	cat := testCatalog(t)
	model := testModel()

	retry := domain.NewRetryState()
	retry.Exclude("primary")
	retry.Exclude("secondary")
	retry.Exclude("trial")
	if retry.RetryCount != MaxRetries {
		t.Fatalf("retry count = %d, want %d", retry.RetryCount, MaxRetries)
	}

	sel, err := Select(cat, model, nil, "ses_1", false, retry, "")
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "fallback" {
		t.Errorf("selected %s, want fallback", sel.ID)
	}
}

func TestSelect_ExcludedProvidersSkipped(t *testing.T) {
	cat := testCatalog(t)
	model := domain.ModelInfo{
		ID: "model-a",
		Providers: []domain.ModelProviderRef{
			{ID: "primary"},
			{ID: "secondary"},
		},
	}

	retry := domain.NewRetryState()
	retry.Exclude("primary")

	for _, session := range []string{"ses_1", "ses_2", "ses_3", "ses_4"} {
		sel, err := Select(cat, model, nil, session, false, retry, "")
		if err != nil {
			t.Fatal(err)
		}
		if sel.ID == "primary" {
			t.Fatal("excluded provider was selected")
		}
	}
}

func TestSelect_DisabledProvidersSkipped(t *testing.T) {
	cat := testCatalog(t)
	model := domain.ModelInfo{
		ID: "model-a",
		Providers: []domain.ModelProviderRef{
			{ID: "primary", Disabled: true},
			{ID: "secondary"},
		},
	}

	sel, err := Select(cat, model, nil, "ses_1", false, domain.NewRetryState(), "")
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "secondary" {
		t.Errorf("selected %s, want secondary", sel.ID)
	}
}

func TestSelect_NoProviderAvailable(t *testing.T) {
	cat := testCatalog(t)
	model := domain.ModelInfo{
		ID:        "model-a",
		Providers: []domain.ModelProviderRef{{ID: "primary", Disabled: true}},
	}

	_, err := Select(cat, model, nil, "ses_1", false, domain.NewRetryState(), "")
	if err == nil {
		t.Fatal("expected error when all providers are disabled")
	}
}

func TestSelect_UpstreamModelName(t *testing.T) {
	cat := testCatalog(t)

	model := domain.ModelInfo{
		ID:        "model-a",
		Providers: []domain.ModelProviderRef{{ID: "primary", Model: "provider-model-name"}},
	}
	sel, err := Select(cat, model, nil, "ses_1", false, domain.NewRetryState(), "")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Model != "provider-model-name" {
		t.Errorf("upstream model = %s, want provider-model-name", sel.Model)
	}

	model.Providers[0].Model = ""
	sel, _ = Select(cat, model, nil, "ses_1", false, domain.NewRetryState(), "")
	if sel.Model != "model-a" {
		t.Errorf("upstream model = %s, want model-a (catalog id)", sel.Model)
	}
}

func TestSessionHash(t *testing.T) {
	tests := []struct {
		session string
		want    uint32
	}{
		{"", 0},
		{"a", 97},
		{"ab", 97*31 + 98},
	}
	for _, tt := range tests {
		if got := sessionHash(tt.session); got != tt.want {
			t.Errorf("sessionHash(%q) = %d, want %d", tt.session, got, tt.want)
		}
	}

	// Only the last four bytes participate.
	if sessionHash("prefix-wxyz") != sessionHash("other-wxyz") {
		t.Error("hash should depend only on the trailing four bytes")
	}
}
