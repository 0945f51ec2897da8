// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package config loads the service's runtime configuration once, at
// construction time: a `.env` file (if present) via godotenv, layered
// under a YAML config file and environment overrides via viper.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/northbound/hivecore/internal/corekit"
)

// Detector is the GPUDetector consulted by Load when MAX_WORKERS is unset.
// Tests and deployments that want real GPU-aware sizing can swap in
// corekit.NvidiaSMIDetector{}; the default matches the no-GPU assumption a
// bare-metal or CPU-only deploy runs under.
var Detector corekit.GPUDetector = corekit.NoGPUDetector{}

// StoreConfig holds IndexStore connection parameters.
type StoreConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	TLSVerify  bool   `mapstructure:"tls_verify"`
	Index      string `mapstructure:"index"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"` // "openai" | "ollama"
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// Config is a one-time snapshot of the service's runtime configuration.
// No component reads the environment directly once this is loaded —
// config is passed down explicitly, never re-read on a hot path.
type Config struct {
	MaxWorkers      int             `mapstructure:"max_workers"`
	JobRetentionTTL time.Duration   `mapstructure:"job_retention_ttl"`
	WebhookBaseURL  string          `mapstructure:"webhook_base_url"`
	RedisAddr       string          `mapstructure:"redis_addr"`
	RedisDB         int             `mapstructure:"redis_db"`
	RedisPassword   string          `mapstructure:"redis_password"`
	SQLiteAuditPath string          `mapstructure:"sqlite_audit_path"`
	Store           StoreConfig     `mapstructure:"store"`
	Embedding       EmbeddingConfig `mapstructure:"embedding"`
}

// Load reads .env (if present), then a config file at configPath (if
// non-empty and present), then environment variables, in that order of
// increasing precedence, and returns the merged snapshot.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("job_retention_ttl", "24h")
	v.SetDefault("webhook_base_url", "")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("sqlite_audit_path", "./hivecore-audit.db")
	v.SetDefault("store.host", "127.0.0.1")
	v.SetDefault("store.port", 9200)
	v.SetDefault("store.tls_verify", true)
	v.SetDefault("store.index", "chunks")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("HIVECORE")
	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = corekit.DefaultMaxWorkers(Detector)
	}
	if cfg.JobRetentionTTL <= 0 {
		cfg.JobRetentionTTL = 24 * time.Hour
	}

	return &cfg, nil
}

// bindEnv wires the documented bare (unprefixed) environment variable
// names used across deploys alongside viper's HIVECORE_-prefixed
// AutomaticEnv lookups, since several of these names are shared with
// other services in the same stack (REDIS_ADDR, MAX_WORKERS).
func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"max_workers":            "MAX_WORKERS",
		"job_retention_ttl":      "JOB_RETENTION_TTL",
		"webhook_base_url":       "WEBHOOK_BASE_URL",
		"redis_addr":             "REDIS_ADDR",
		"redis_db":               "REDIS_DB",
		"redis_password":         "REDIS_PASSWORD",
		"sqlite_audit_path":      "SQLITE_AUDIT_PATH",
		"store.host":             "STORE_HOST",
		"store.port":             "STORE_PORT",
		"store.username":         "STORE_USERNAME",
		"store.password":         "STORE_PASSWORD",
		"store.tls_verify":       "STORE_TLS_VERIFY",
		"store.index":            "STORE_INDEX",
		"embedding.provider":     "EMBEDDING_PROVIDER",
		"embedding.model":        "EMBEDDING_MODEL",
		"embedding.api_key":      "EMBEDDING_API_KEY",
		"embedding.base_url":     "EMBEDDING_BASE_URL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// StoreURL formats the configured store host/port/TLS setting into a
// base URL suitable for store.New.
func (c *Config) StoreURL() string {
	scheme := "http"
	if c.Store.TLSVerify {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Store.Host, c.Store.Port)
}
