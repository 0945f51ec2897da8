// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// OneDriveConnector implements Connector against a user's personal
// OneDrive via Microsoft Graph's /me/drive resource.
type OneDriveConnector struct {
	conn  *Connection
	graph *graphClient
}

// NewOneDriveConnector builds a connector bound to conn's persisted
// selection and token file.
func NewOneDriveConnector(conn *Connection, oauthCfg *oauth2.Config, store *OAuthStore) *OneDriveConnector {
	return &OneDriveConnector{conn: conn, graph: newGraphClient(conn, oauthCfg, store)}
}

func (c *OneDriveConnector) Variant() string { return "onedrive" }

func (c *OneDriveConnector) Authenticate(ctx context.Context) (bool, error) {
	return c.graph.authenticate(ctx)
}

func (c *OneDriveConnector) ListFiles(ctx context.Context, pageToken string, limit int) (ListPage, error) {
	if len(c.conn.Selection.FileIDs) > 0 {
		page := ListPage{}
		for _, id := range c.conn.Selection.FileIDs {
			item, err := c.graph.getItem(ctx, fmt.Sprintf("/me/drive/items/%s", id))
			if err != nil || item.File == nil {
				continue
			}
			if !mimeAllowed(item.File.MimeType, c.conn.Selection.IncludeMimeTypes, c.conn.Selection.ExcludeMimeTypes) {
				continue
			}
			page.Files = append(page.Files, File{
				ID: item.ID, Name: item.Name, MimeType: item.File.MimeType,
				SourceURL:    item.WebURL,
				CreatedTime:  parseRFC3339(item.CreatedDateTime),
				ModifiedTime: parseRFC3339(item.LastModifiedDateTime),
			})
		}
		return page, nil
	}

	resource := "/me/drive/root/children"
	if len(c.conn.Selection.FolderIDs) == 1 {
		resource = fmt.Sprintf("/me/drive/items/%s/children", c.conn.Selection.FolderIDs[0])
	}
	return c.graph.listChildren(ctx, resource, pageToken, limit)
}

func (c *OneDriveConnector) GetFileContent(ctx context.Context, fileID string) (Content, error) {
	return c.graph.getFileContent(ctx, fmt.Sprintf("/me/drive/items/%s", fileID), fileID)
}

func (c *OneDriveConnector) SetupSubscription(ctx context.Context, webhookURL string) (string, error) {
	return c.graph.setupSubscription(ctx, "/me/drive/root", webhookURL)
}

func (c *OneDriveConnector) CleanupSubscription(ctx context.Context, subscriptionID string) error {
	return c.graph.cleanupSubscription(ctx, subscriptionID)
}

// ChannelID returns the subscription id of a Graph change notification,
// which arrives in the body, not a header.
func (c *OneDriveConnector) ChannelID(headers map[string]string, body []byte) string {
	return graphSubscriptionIDFromBody(body)
}

// ValidationResponse answers Graph's subscription-creation handshake: a
// plain-text echo of the validationToken query parameter.
func (c *OneDriveConnector) ValidationResponse(method string, headers map[string]string, query map[string]string) ([]byte, bool) {
	if tok, ok := query["validationToken"]; ok {
		return []byte(tok), true
	}
	return nil, false
}

// HandleWebhook resolves a Graph change notification to affected file ids:
// every resourceData.id in the envelope, with no selection-scope or MIME
// filtering applied.
func (c *OneDriveConnector) HandleWebhook(payload []byte, headers map[string]string) ([]string, error) {
	return graphAffectedFileIDs(payload)
}
