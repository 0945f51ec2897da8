// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package connector implements the variant connectors (Google Drive,
// OneDrive, SharePoint) and the registry/token-store infrastructure they
// share.
package connector

import (
	"context"
	"time"
)

// File is one remote file as seen through a connector's ListFiles/
// GetFileContent contract.
type File struct {
	ID           string
	Name         string
	MimeType     string
	ModifiedTime time.Time
	CreatedTime  time.Time
	SourceURL    string
	Permissions  []string
	Owners       []string
}

// Content is a downloaded file body plus the provenance metadata the
// ingestion pipeline needs to stamp onto its chunks.
type Content struct {
	Bytes        []byte
	Filename     string
	MimeType     string
	SourceURL    string
	ACL          ACL
	CreatedTime  time.Time
	ModifiedTime time.Time
	Metadata     map[string]string
}

// ACL mirrors ingest.ACL; kept distinct so this package has no import-time
// dependency on internal/ingest.
type ACL struct {
	AllowedUsers     []string
	AllowedGroups    []string
	UserPermissions  map[string]string
	GroupPermissions map[string]string
}

// ListPage is one page of ListFiles results.
type ListPage struct {
	Files         []File
	NextPageToken string
}

// Selection is the per-connection scope a variant constrains ListFiles to.
type Selection struct {
	FileIDs           []string
	FolderIDs         []string
	Recursive         bool
	IncludeMimeTypes  []string
	ExcludeMimeTypes  []string
}

// Connector is the common contract every provider variant implements
//.
type Connector interface {
	// Variant names the provider ("google_drive", "onedrive", "sharepoint").
	Variant() string

	// Authenticate loads/refreshes tokens. No variant expands selected
	// folders here, even when Selection.Recursive is set.
	Authenticate(ctx context.Context) (bool, error)

	// ListFiles returns one page of files within the connection's scope.
	ListFiles(ctx context.Context, pageToken string, limit int) (ListPage, error)

	// GetFileContent downloads a single file's bytes and metadata.
	GetFileContent(ctx context.Context, fileID string) (Content, error)

	// SetupSubscription registers a push channel and returns its
	// provider-assigned subscription id.
	SetupSubscription(ctx context.Context, webhookURL string) (string, error)

	// HandleWebhook resolves a provider payload to the file ids it
	// concerns. Google Drive filters them to this connector's selection
	// and MIME scope; the Graph variants (OneDrive, SharePoint) return
	// them unfiltered.
	HandleWebhook(payload []byte, headers map[string]string) ([]string, error)

	// CleanupSubscription best-effort tears down a push channel.
	CleanupSubscription(ctx context.Context, subscriptionID string) error

	// ChannelID extracts a provider channel/subscription id from an
	// inbound webhook's headers/body, or "" if absent (used by
	// WebhookRouter's channel-resolution step before a Connection is
	// known, so it must not require authentication).
	ChannelID(headers map[string]string, body []byte) string

	// ValidationResponse returns a handshake body/ok=true if method+headers
	// match this provider's subscription-validation handshake.
	ValidationResponse(method string, headers map[string]string, query map[string]string) ([]byte, bool)
}
