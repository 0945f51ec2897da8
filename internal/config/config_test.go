// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound/hivecore/internal/corekit"
)

type fakeGPUDetector struct{ present bool }

func (f fakeGPUDetector) DetectGPU() bool { return f.present }

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.MaxWorkers)
	assert.Equal(t, 24*time.Hour, cfg.JobRetentionTTL)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
}

func TestLoad_Defaults_GPUPresentCapsWorkers(t *testing.T) {
	prev := Detector
	Detector = fakeGPUDetector{present: true}
	defer func() { Detector = prev }()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, corekit.DefaultMaxWorkers(fakeGPUDetector{present: true}), cfg.MaxWorkers)
	assert.LessOrEqual(t, cfg.MaxWorkers, 4)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_WORKERS", "16")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
}

func TestLoad_ConfigFileIsLowerPrecedenceThanEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_workers: 8\nstore:\n  host: file-host\n"), 0o644))

	t.Setenv("MAX_WORKERS", "32")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.MaxWorkers)
	assert.Equal(t, "file-host", cfg.Store.Host)
}

func TestStoreURL_TLSVerifyControlsScheme(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Host: "search.internal", Port: 9200, TLSVerify: true}}
	assert.Equal(t, "https://search.internal:9200", cfg.StoreURL())

	cfg.Store.TLSVerify = false
	assert.Equal(t, "http://search.internal:9200", cfg.StoreURL())
}
