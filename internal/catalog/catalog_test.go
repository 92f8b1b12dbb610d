package catalog

import (
	"errors"
	"testing"

	"github.com/opencode-ai/gateway/internal/domain"
)

const testDoc = `{
	"models": {
		"claude-sonnet": {
			"providers": [{"id": "anthropic", "weight": 2}],
			"cost": {"input": 0.000003, "output": 0.000015}
		},
		"gpt-large": [
			{
				"formatFilter": "openai",
				"providers": [{"id": "openai"}],
				"cost": {"input": 0.000002, "output": 0.000008}
			},
			{
				"formatFilter": "openai-compatible",
				"providers": [{"id": "compat-host"}],
				"cost": {"input": 0.000001, "output": 0.000004}
			}
		]
	},
	"providers": {
		"anthropic": {
			"format": "anthropic",
			"api": "https://api.anthropic.com/v1",
			"streamSeparator": "\n\n"
		},
		"openai": {"format": "openai", "api": "https://api.openai.com/v1"},
		"compat-host": {"format": "openai-compatible", "api": "https://compat.example.com/v1"}
	}
}`

func TestParse_SingleModelMatchesAnyFormat(t *testing.T) {
	cat, err := Parse([]byte(testDoc))
	if err != nil {
		t.Fatal(err)
	}

	for _, format := range []domain.Format{domain.FormatAnthropic, domain.FormatOACompat, domain.FormatGoogle} {
		model, err := cat.Resolve("claude-sonnet", format)
		if err != nil {
			t.Fatalf("Resolve(claude-sonnet, %s): %v", format, err)
		}
		if model.ID != "claude-sonnet" {
			t.Errorf("model id = %s", model.ID)
		}
	}
}

func TestResolve_FormatVariants(t *testing.T) {
	cat, err := Parse([]byte(testDoc))
	if err != nil {
		t.Fatal(err)
	}

	model, err := cat.Resolve("gpt-large", domain.FormatOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if model.Providers[0].ID != "openai" {
		t.Errorf("openai variant routed to %s", model.Providers[0].ID)
	}

	model, err = cat.Resolve("gpt-large", domain.FormatOACompat)
	if err != nil {
		t.Fatal(err)
	}
	if model.Providers[0].ID != "compat-host" {
		t.Errorf("compat variant routed to %s", model.Providers[0].ID)
	}

	_, err = cat.Resolve("gpt-large", domain.FormatGoogle)
	var gerr *domain.Error
	if !errors.As(err, &gerr) || gerr.Kind != domain.KindModelError {
		t.Errorf("unfiltered format should yield ModelError, got %v", err)
	}
}

func TestResolve_UnknownModel(t *testing.T) {
	cat, _ := Parse([]byte(testDoc))

	_, err := cat.Resolve("no-such-model", domain.FormatOACompat)
	var gerr *domain.Error
	if !errors.As(err, &gerr) || gerr.Kind != domain.KindModelError {
		t.Fatalf("expected ModelError, got %v", err)
	}
	if gerr.Message != "Model no-such-model not supported" {
		t.Errorf("message = %q", gerr.Message)
	}
}

func TestProvider_DefaultsAndLookup(t *testing.T) {
	cat, _ := Parse([]byte(testDoc))

	provider, err := cat.Provider("openai")
	if err != nil {
		t.Fatal(err)
	}
	if provider.ID != "openai" {
		t.Errorf("id = %s", provider.ID)
	}
	if provider.StreamSeparator != "\n\n" {
		t.Errorf("separator default = %q", provider.StreamSeparator)
	}

	if _, err := cat.Provider("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestSetProviderKey(t *testing.T) {
	cat, _ := Parse([]byte(testDoc))

	cat.SetProviderKey("openai", "sk-test")
	provider, _ := cat.Provider("openai")
	if provider.APIKey != "sk-test" {
		t.Errorf("api key = %q", provider.APIKey)
	}

	// Unknown ids are ignored.
	cat.SetProviderKey("missing", "sk-other")
}

func TestProviderKeyNeverSerialized(t *testing.T) {
	cat, _ := Parse([]byte(testDoc))
	cat.SetProviderKey("openai", "sk-secret")

	provider, _ := cat.Provider("openai")
	if provider.APIKey != "sk-secret" {
		t.Fatal("key not set")
	}
	// The json tag on APIKey is "-": a catalog reload must not be able to
	// read keys from disk, they come from the secret store only.
	cat2, err := Parse([]byte(testDoc))
	if err != nil {
		t.Fatal(err)
	}
	fresh, _ := cat2.Provider("openai")
	if fresh.APIKey != "" {
		t.Errorf("api key leaked into parsed catalog: %q", fresh.APIKey)
	}
}
