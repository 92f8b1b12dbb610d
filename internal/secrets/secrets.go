// Package secrets resolves upstream provider API keys. The deployment
// stores them as one JSON object (provider id -> key) in AWS Secrets
// Manager; values are cached for a few minutes so rotated keys propagate
// without a restart.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source hands out the provider id -> API key map stored under a secret
// name.
type Source interface {
	ProviderKeys(ctx context.Context, name string) (map[string]string, error)
}

type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.Mutex
	cache  map[string]cacheEntry
	ttl    time.Duration
}

type cacheEntry struct {
	keys      map[string]string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cacheEntry),
		ttl:    5 * time.Minute,
	}, nil
}

func (s *AWSSecretsManager) ProviderKeys(ctx context.Context, name string) (map[string]string, error) {
	s.mu.Lock()
	if entry, ok := s.cache[name]; ok && time.Now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.keys, nil
	}
	s.mu.Unlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", name)
	}

	var keys map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &keys); err != nil {
		return nil, fmt.Errorf("parse secret %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = cacheEntry{keys: keys, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return keys, nil
}

// StaticSource serves fixed key material, for tests and local runs.
type StaticSource map[string]map[string]string

func (s StaticSource) ProviderKeys(ctx context.Context, name string) (map[string]string, error) {
	keys, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", name)
	}
	return keys, nil
}
