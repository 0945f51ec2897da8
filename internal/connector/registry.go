// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connection is one persisted connector configuration: the variant, its
// selection scope, OAuth token file path, and webhook channel state.
type Connection struct {
	ConnectionID      string    `json:"connection_id"`
	ConnectorType     string    `json:"connector_type"`
	Name              string    `json:"name"`
	UserID            string    `json:"user_id,omitempty"`
	Selection         Selection `json:"selection"`
	TokenFile         string    `json:"token_file"`
	WebhookChannelID  string    `json:"webhook_channel_id,omitempty"`
	WebhookResourceID string    `json:"webhook_resource_id,omitempty"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	LastSync          time.Time `json:"last_sync,omitempty"`
}

type registryFile struct {
	Connections []Connection `json:"connections"`
}

// Registry persists Connection records to a single JSON file, mutated only
// via write-temp-then-rename so a crash mid-write never corrupts it.
//
// Grounded on the original connection_manager.py's connections.json
// persistence, adapted from async/aiofiles to a synchronous mutex-guarded
// Go store.
type Registry struct {
	mu   sync.Mutex
	path string
	byID map[string]*Connection
}

// NewRegistry loads (or initializes) the registry backed by path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, byID: map[string]*Connection{}}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("connector: read registry: %w", err)
	}
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("connector: parse registry: %w", err)
	}
	for i := range f.Connections {
		c := f.Connections[i]
		r.byID[c.ConnectionID] = &c
	}
	return nil
}

// save writes the full connection set via temp-file + rename. Caller must
// hold r.mu.
func (r *Registry) save() error {
	f := registryFile{Connections: make([]Connection, 0, len(r.byID))}
	for _, c := range r.byID {
		f.Connections = append(f.Connections, *c)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("connector: marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json.tmp")
	if err != nil {
		return fmt.Errorf("connector: create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("connector: write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("connector: close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("connector: rename temp registry file: %w", err)
	}
	return nil
}

// Create adds a new connection and persists it.
func (r *Registry) Create(connectorType, name, userID string, sel Selection, tokenFile string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Connection{
		ConnectionID: uuid.NewString(),
		ConnectorType: connectorType,
		Name:          name,
		UserID:        userID,
		Selection:     sel,
		TokenFile:     tokenFile,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}
	r.byID[c.ConnectionID] = &c
	if err := r.save(); err != nil {
		delete(r.byID, c.ConnectionID)
		return Connection{}, err
	}
	return c, nil
}

// Get returns a copy of a connection by id.
func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// FindByChannelID finds the active connection whose webhook channel id
// matches. Inactive connections are skipped rather than erroring, since
// this is the expected shape during channel auto-expiry.
func (r *Registry) FindByChannelID(channelID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		if c.IsActive && c.WebhookChannelID == channelID {
			return *c, true
		}
	}
	return Connection{}, false
}

// List returns connections, optionally filtered by user and/or connector type.
func (r *Registry) List(userID, connectorType string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Connection, 0, len(r.byID))
	for _, c := range r.byID {
		if userID != "" && c.UserID != userID {
			continue
		}
		if connectorType != "" && c.ConnectorType != connectorType {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// Update mutates fields via fn and persists the result.
func (r *Registry) Update(connectionID string, fn func(*Connection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connectionID]
	if !ok {
		return fmt.Errorf("connector: connection %s not found", connectionID)
	}
	before := *c
	fn(c)
	if err := r.save(); err != nil {
		*c = before
		return err
	}
	return nil
}

// UpdateLastSync stamps LastSync to now and persists it.
func (r *Registry) UpdateLastSync(connectionID string) error {
	return r.Update(connectionID, func(c *Connection) { c.LastSync = time.Now() })
}

// Delete removes a connection and persists the removal. It does not attempt
// webhook cleanup; callers should call Connector.CleanupSubscription first
// if the connection has an active channel.
func (r *Registry) Delete(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[connectionID]
	if !ok {
		return fmt.Errorf("connector: connection %s not found", connectionID)
	}
	delete(r.byID, connectionID)
	if err := r.save(); err != nil {
		r.byID[connectionID] = c
		return err
	}
	return nil
}
