// Package catalog is the read-only registry of models and providers. It is
// loaded once at startup and reloaded only by redeploying.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencode-ai/gateway/internal/domain"
)

type Catalog struct {
	models    map[string][]domain.ModelInfo
	providers map[string]domain.ProviderInfo
}

// document is the on-disk JSON shape. A model id may map to several
// variants that differ by formatFilter (format-specific pricing/routing).
type document struct {
	Models    map[string]json.RawMessage     `json:"models"`
	Providers map[string]domain.ProviderInfo `json:"providers"`
}

func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		models:    make(map[string][]domain.ModelInfo, len(doc.Models)),
		providers: make(map[string]domain.ProviderInfo, len(doc.Providers)),
	}

	for id, raw := range doc.Models {
		variants, err := parseVariants(raw)
		if err != nil {
			return nil, fmt.Errorf("parse model %s: %w", id, err)
		}
		for i := range variants {
			variants[i].ID = id
		}
		c.models[id] = variants
	}

	for id, provider := range doc.Providers {
		provider.ID = id
		if provider.StreamSeparator == "" {
			provider.StreamSeparator = "\n\n"
		}
		c.providers[id] = provider
	}

	return c, nil
}

// parseVariants accepts either a single model object or an array of
// format-filtered variants under one id.
func parseVariants(raw json.RawMessage) ([]domain.ModelInfo, error) {
	var variants []domain.ModelInfo
	if err := json.Unmarshal(raw, &variants); err == nil {
		return variants, nil
	}

	var single domain.ModelInfo
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []domain.ModelInfo{single}, nil
}

// Resolve returns the catalog entry for modelID whose formatFilter matches
// the negotiated client format. Entries without a filter match any format.
func (c *Catalog) Resolve(modelID string, format domain.Format) (domain.ModelInfo, error) {
	variants, ok := c.models[modelID]
	if !ok {
		return domain.ModelInfo{}, domain.ModelError(fmt.Sprintf("Model %s not supported", modelID))
	}

	if len(variants) == 1 && variants[0].FormatFilter == "" {
		return variants[0], nil
	}
	for _, v := range variants {
		if v.FormatFilter == format {
			return v, nil
		}
	}

	return domain.ModelInfo{}, domain.ModelError(fmt.Sprintf("Model %s not supported for format %s", modelID, format))
}

// Provider looks up a provider by id.
func (c *Catalog) Provider(id string) (domain.ProviderInfo, error) {
	provider, ok := c.providers[id]
	if !ok {
		return domain.ProviderInfo{}, domain.ModelError(fmt.Sprintf("Provider %s not supported", id))
	}
	return provider, nil
}

// SetProviderKey injects API-key material resolved at startup (from the
// secret store) into the provider table.
func (c *Catalog) SetProviderKey(id, apiKey string) {
	if provider, ok := c.providers[id]; ok {
		provider.APIKey = apiKey
		c.providers[id] = provider
	}
}
