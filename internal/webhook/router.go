// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package webhook implements WebhookRouter, the provider-agnostic front
// door for connector push notifications.
package webhook

import (
	"bytes"
	"context"
	"fmt"

	"github.com/northbound/hivecore/internal/audit"
	"github.com/northbound/hivecore/internal/connector"
	"github.com/northbound/hivecore/internal/ingest"
	"github.com/northbound/hivecore/internal/obslog"
	"github.com/northbound/hivecore/internal/taskengine"
)

// Outcome is what HandleWebhook reports back to the HTTP layer.
type Outcome struct {
	ValidationBody []byte // non-nil: respond with this body verbatim, skip everything else
	TaskID         string
	AffectedFiles  int
	LoggedOnly     bool
	Ignored        string // reason code: "no_channel_id", "unknown_channel"
}

// ConnectorFactory builds a live Connector for a persisted Connection. It is
// supplied by the caller because OAuth client configuration (client id/
// secret, redirect URL) is deployment-specific, not something this package
// should own.
type ConnectorFactory func(conn connector.Connection) (connector.Connector, error)

// Router dispatches inbound webhook calls to the right connector, resolves
// affected files, and submits an ingestion job for them.
type Router struct {
	Connections *connector.Registry
	Engine      *taskengine.Engine
	Pipeline    *ingest.Pipeline
	NewConnector ConnectorFactory

	// Audit, if set, receives one entry per file ingested through a
	// webhook dispatch. Nil is valid and simply skips auditing.
	Audit *audit.Store
}

// HandleWebhook implements the five-step dispatch: validation handshake
// -> channel resolution -> connection lookup -> dispatch -> ingest
// submission.
func (r *Router) HandleWebhook(ctx context.Context, provider, method string, headers map[string]string, query map[string]string, body []byte) (Outcome, error) {
	probe, err := r.NewConnector(connector.Connection{ConnectorType: provider})
	if err != nil {
		return Outcome{}, fmt.Errorf("webhook: no connector for provider %q: %w", provider, err)
	}

	if respBody, ok := probe.ValidationResponse(method, headers, query); ok {
		return Outcome{ValidationBody: respBody}, nil
	}

	channelID := probe.ChannelID(headers, body)
	if channelID == "" {
		return Outcome{Ignored: "no_channel_id"}, nil
	}

	conn, ok := r.Connections.FindByChannelID(channelID)
	if !ok {
		// Expected during auto-expiry; not an error.
		return Outcome{Ignored: "unknown_channel"}, nil
	}

	live, err := r.NewConnector(conn)
	if err != nil {
		return Outcome{}, fmt.Errorf("webhook: build connector for connection %s: %w", conn.ConnectionID, err)
	}

	affected, err := live.HandleWebhook(body, headers)
	if err != nil {
		return Outcome{}, fmt.Errorf("webhook: dispatch to %s: %w", conn.ConnectorType, err)
	}
	if len(affected) == 0 {
		return Outcome{LoggedOnly: true}, nil
	}

	processor := r.ingestProcessor(conn, live)
	taskID := r.Engine.CreateCustomTask(ctx, conn.UserID, affected, processor)

	return Outcome{TaskID: taskID, AffectedFiles: len(affected)}, nil
}

// ingestProcessor builds a TaskEngine ItemProcessor that pulls one file's
// content via the connector and runs it through the ingestion pipeline,
// stamping connector_type to this connection's variant.
func (r *Router) ingestProcessor(conn connector.Connection, live connector.Connector) taskengine.ItemProcessor {
	return func(ctx context.Context, fileID string) (interface{}, error) {
		content, err := live.GetFileContent(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("webhook: fetch %s: %w", fileID, err)
		}

		identity := ingest.Identity{OwnerUserID: conn.UserID}
		prov := ingest.Provenance{
			ConnectorType: conn.ConnectorType,
			SourceURL:     content.SourceURL,
			CreatedTime:   content.CreatedTime.Format(timeLayout),
			ModifiedTime:  content.ModifiedTime.Format(timeLayout),
			ACL: &ingest.ACL{
				AllowedUsers:     content.ACL.AllowedUsers,
				AllowedGroups:    content.ACL.AllowedGroups,
				UserPermissions:  content.ACL.UserPermissions,
				GroupPermissions: content.ACL.GroupPermissions,
			},
		}
		src := ingest.Source{
			Bytes:       bytes.NewReader(content.Bytes),
			DisplayName: content.Filename,
		}

		out, err := r.Pipeline.Ingest(ctx, src, identity, prov)
		if err != nil {
			return nil, err
		}
		obslog.Infof("webhook: ingested %s (%s) via %s: %s", fileID, content.Filename, conn.ConnectorType, out.Status)
		if r.Audit != nil {
			details := fmt.Sprintf("file=%s connector=%s status=%s", content.Filename, conn.ConnectorType, out.Status)
			if err := r.Audit.Log(conn.UserID, audit.ActionIngest, details); err != nil {
				obslog.Warnf("webhook: audit log failed: %v", err)
			}
		}
		return out, nil
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
