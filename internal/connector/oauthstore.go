// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/northbound/hivecore/internal/obslog"
)

// OAuthStore persists per-connection OAuth2 tokens to disk and refreshes
// them under a distributed lock, so that concurrent callers racing to use
// the same expired token produce exactly one refresh network exchange.
//
// The on-disk side follows the registry's own write-temp-then-rename
// discipline; the distributed-lock side reuses the existing Redis client
// wiring (internal/config/redis.go), repurposed here as a SETNX-based
// mutex instead of a cache.
type OAuthStore struct {
	redis      *redis.Client
	mu         sync.Mutex // in-process lock used when redis is nil
	lockTTL    time.Duration
	lockWait   time.Duration
	lockRetry  time.Duration
}

// NewOAuthStore builds a store backed by an already-connected Redis client.
// A nil client degrades to an in-process-only lock (single refresh still
// happens exactly once per process, just not across processes).
func NewOAuthStore(client *redis.Client) *OAuthStore {
	return &OAuthStore{
		redis:     client,
		lockTTL:   15 * time.Second,
		lockWait:  10 * time.Second,
		lockRetry: 100 * time.Millisecond,
	}
}

// Load reads a token from tokenFile. A missing file is not an error; it
// signals the connection has never been authenticated.
func (s *OAuthStore) Load(tokenFile string) (*oauth2.Token, bool, error) {
	data, err := os.ReadFile(tokenFile)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("connector: read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, false, fmt.Errorf("connector: parse token file: %w", err)
	}
	return &tok, true, nil
}

// Save writes tok to tokenFile via temp-file + rename.
func (s *OAuthStore) Save(tokenFile string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("connector: marshal token: %w", err)
	}
	dir := filepath.Dir(tokenFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("connector: create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*.json.tmp")
	if err != nil {
		return fmt.Errorf("connector: create temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("connector: write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, tokenFile); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("connector: rename temp token file: %w", err)
	}
	return nil
}

// RefreshLocked runs refresh() while holding a distributed lock keyed on
// tokenFile, re-checking the on-disk token after acquiring the lock in case
// another process already refreshed it (the "exactly one network exchange"
// invariant for concurrent refreshers).
func (s *OAuthStore) RefreshLocked(ctx context.Context, tokenFile string, current *oauth2.Token, refresh func(*oauth2.Token) (*oauth2.Token, error)) (*oauth2.Token, error) {
	if s.redis == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if onDisk, ok, err := s.Load(tokenFile); err == nil && ok && onDisk.Valid() {
			return onDisk, nil
		}
		return s.refreshAndSave(tokenFile, current, refresh)
	}

	lockKey := "hivecore:oauth-refresh:" + tokenFile
	token := uuid.NewString()

	deadline := time.Now().Add(s.lockWait)
	for {
		ok, err := s.redis.SetNX(ctx, lockKey, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("connector: acquire refresh lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connector: timed out waiting for refresh lock %s", lockKey)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.lockRetry):
		}
	}
	defer func() {
		// Best-effort release; only clears the lock if we still own it.
		val, err := s.redis.Get(ctx, lockKey).Result()
		if err == nil && val == token {
			s.redis.Del(ctx, lockKey)
		}
	}()

	// Another holder may have refreshed and saved while we waited.
	onDisk, ok, err := s.Load(tokenFile)
	if err == nil && ok && onDisk.Valid() {
		return onDisk, nil
	}
	if err != nil {
		obslog.Warnf("connector: re-reading token file before refresh: %v", err)
	}

	return s.refreshAndSave(tokenFile, current, refresh)
}

func (s *OAuthStore) refreshAndSave(tokenFile string, current *oauth2.Token, refresh func(*oauth2.Token) (*oauth2.Token, error)) (*oauth2.Token, error) {
	next, err := refresh(current)
	if err != nil {
		return nil, fmt.Errorf("connector: refresh token: %w", err)
	}
	if err := s.Save(tokenFile, next); err != nil {
		return nil, err
	}
	return next, nil
}
