package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string
	CatalogPath string

	// EncryptionKey decrypts stored BYOK provider credentials.
	EncryptionKey string

	AWSRegion          string
	ProviderKeysSecret string
	DumpQueueURL       string
	AlertTopicARN      string
	OTLPEndpoint       string

	// FreeWorkspaces is a comma-separated allow-list of workspace ids whose
	// usage is never billed.
	FreeWorkspaces []string

	ReloadWebhookURL string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		CatalogPath:        getEnv("CATALOG_PATH", "catalog.json"),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		ProviderKeysSecret: getEnv("PROVIDER_KEYS_SECRET", ""),
		DumpQueueURL:       getEnv("DUMP_QUEUE_URL", ""),
		AlertTopicARN:      getEnv("ALERT_TOPIC_ARN", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ReloadWebhookURL:   getEnv("RELOAD_WEBHOOK_URL", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if raw := getEnv("FREE_WORKSPACES", ""); raw != "" {
		cfg.FreeWorkspaces = splitComma(raw)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func splitComma(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
