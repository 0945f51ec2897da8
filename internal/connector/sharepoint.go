// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
)

// SharePointConnector implements Connector against a SharePoint document
// library via Microsoft Graph's /sites/{site-id}/drive resource. It shares
// all wire plumbing with OneDriveConnector through graphClient; the only
// difference is the site-scoped resource path.
type SharePointConnector struct {
	conn   *Connection
	graph  *graphClient
	siteID string
}

// NewSharePointConnector builds a connector bound to conn's persisted
// selection, token file, and target site. siteID is taken only from the
// parameter; Selection carries no site id.
func NewSharePointConnector(conn *Connection, oauthCfg *oauth2.Config, store *OAuthStore, siteID string) *SharePointConnector {
	return &SharePointConnector{conn: conn, graph: newGraphClient(conn, oauthCfg, store), siteID: siteID}
}

func (c *SharePointConnector) Variant() string { return "sharepoint" }

func (c *SharePointConnector) Authenticate(ctx context.Context) (bool, error) {
	return c.graph.authenticate(ctx)
}

func (c *SharePointConnector) drivePath() string {
	return fmt.Sprintf("/sites/%s/drive", c.siteID)
}

func (c *SharePointConnector) ListFiles(ctx context.Context, pageToken string, limit int) (ListPage, error) {
	if len(c.conn.Selection.FileIDs) > 0 {
		page := ListPage{}
		for _, id := range c.conn.Selection.FileIDs {
			item, err := c.graph.getItem(ctx, fmt.Sprintf("%s/items/%s", c.drivePath(), id))
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

	resource := c.drivePath() + "/root/children"
	if len(c.conn.Selection.FolderIDs) == 1 {
		resource = fmt.Sprintf("%s/items/%s/children", c.drivePath(), c.conn.Selection.FolderIDs[0])
	}
	return c.graph.listChildren(ctx, resource, pageToken, limit)
}

func (c *SharePointConnector) GetFileContent(ctx context.Context, fileID string) (Content, error) {
	return c.graph.getFileContent(ctx, fmt.Sprintf("%s/items/%s", c.drivePath(), fileID), fileID)
}

func (c *SharePointConnector) SetupSubscription(ctx context.Context, webhookURL string) (string, error) {
	return c.graph.setupSubscription(ctx, c.drivePath()+"/root", webhookURL)
}

func (c *SharePointConnector) CleanupSubscription(ctx context.Context, subscriptionID string) error {
	return c.graph.cleanupSubscription(ctx, subscriptionID)
}

func (c *SharePointConnector) ChannelID(headers map[string]string, body []byte) string {
	return graphSubscriptionIDFromBody(body)
}

func (c *SharePointConnector) ValidationResponse(method string, headers map[string]string, query map[string]string) ([]byte, bool) {
	if tok, ok := query["validationToken"]; ok {
		return []byte(tok), true
	}
	return nil, false
}

func (c *SharePointConnector) HandleWebhook(payload []byte, headers map[string]string) ([]string, error) {
	return graphAffectedFileIDs(payload)
}

type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		Resource       string `json:"resource"`
		ResourceData   struct {
			ID string `json:"id"`
		} `json:"resourceData"`
	} `json:"value"`
}

// graphSubscriptionIDFromBody pulls the subscription id out of a Graph
// change-notification envelope, used by WebhookRouter's channel-resolution
// step before a Connection is looked up.
func graphSubscriptionIDFromBody(body []byte) string {
	var n graphNotification
	if err := json.Unmarshal(body, &n); err != nil || len(n.Value) == 0 {
		return ""
	}
	return n.Value[0].SubscriptionID
}

// graphAffectedFileIDs extracts the resourceData.id of every notification
// in the envelope.
func graphAffectedFileIDs(body []byte) ([]string, error) {
	var n graphNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("connector: parse graph notification: %w", err)
	}
	ids := make([]string, 0, len(n.Value))
	for _, v := range n.Value {
		if v.ResourceData.ID != "" {
			ids = append(ids, v.ResourceData.ID)
		}
	}
	return ids, nil
}
