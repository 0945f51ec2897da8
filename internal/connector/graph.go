// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/northbound/hivecore/internal/obslog"
)

var graphAPIBase = "https://graph.microsoft.com/v1.0"

// graphClient is the Microsoft Graph REST plumbing shared by the OneDrive
// and SharePoint variants: both ride the same token store, the same
// driveItem shape, and the same subscriptions endpoint, differing only in
// which resource path they list from.
type graphClient struct {
	conn       *Connection
	oauthCfg   *oauth2.Config
	oauth      *OAuthStore
	httpClient *http.Client
}

func newGraphClient(conn *Connection, oauthCfg *oauth2.Config, store *OAuthStore) *graphClient {
	return &graphClient{
		conn:       conn,
		oauthCfg:   oauthCfg,
		oauth:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *graphClient) authenticate(ctx context.Context) (bool, error) {
	tok, ok, err := g.oauth.Load(g.conn.TokenFile)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("connector: %s: no token file for connection %s", g.conn.ConnectorType, g.conn.ConnectionID)
	}
	if tok.Valid() {
		return true, nil
	}
	_, err = g.oauth.RefreshLocked(ctx, g.conn.TokenFile, tok, func(cur *oauth2.Token) (*oauth2.Token, error) {
		return g.oauthCfg.TokenSource(ctx, cur).Token()
	})
	if err != nil {
		return false, fmt.Errorf("connector: %s: refresh: %w", g.conn.ConnectorType, err)
	}
	return true, nil
}

func (g *graphClient) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, ok, err := g.oauth.Load(g.conn.TokenFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("connector: %s: not authenticated", g.conn.ConnectorType)
	}
	return g.oauthCfg.TokenSource(ctx, tok), nil
}

type graphDriveItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	WebURL               string `json:"webUrl"`
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	Size                 int64  `json:"size"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
}

type graphDriveItemList struct {
	Value         []graphDriveItem `json:"value"`
	NextLink      string           `json:"@odata.nextLink"`
}

func (g *graphClient) listChildren(ctx context.Context, resourcePath, pageToken string, limit int) (ListPage, error) {
	ts, err := g.tokenSource(ctx)
	if err != nil {
		return ListPage{}, err
	}

	reqURL := fmt.Sprintf("%s%s?$top=%d", graphAPIBase, resourcePath, limit)
	if pageToken != "" {
		reqURL += "&$skiptoken=" + url.QueryEscape(pageToken)
	}

	var list graphDriveItemList
	if err := g.getJSON(ctx, ts, reqURL, &list); err != nil {
		return ListPage{}, err
	}

	page := ListPage{}
	if list.NextLink != "" {
		if parsed, err := url.Parse(list.NextLink); err == nil {
			page.NextPageToken = parsed.Query().Get("$skiptoken")
		}
	}
	for _, item := range list.Value {
		if item.File == nil {
			continue // folders are traversed, not listed as documents
		}
		mime := item.File.MimeType
		if !mimeAllowed(mime, g.conn.Selection.IncludeMimeTypes, g.conn.Selection.ExcludeMimeTypes) {
			continue
		}
		page.Files = append(page.Files, File{
			ID:           item.ID,
			Name:         item.Name,
			MimeType:     mime,
			SourceURL:    item.WebURL,
			CreatedTime:  parseRFC3339(item.CreatedDateTime),
			ModifiedTime: parseRFC3339(item.LastModifiedDateTime),
		})
	}
	return page, nil
}

func (g *graphClient) getItem(ctx context.Context, itemPath string) (graphDriveItem, error) {
	ts, err := g.tokenSource(ctx)
	if err != nil {
		return graphDriveItem{}, err
	}
	var item graphDriveItem
	err = g.getJSON(ctx, ts, graphAPIBase+itemPath, &item)
	return item, err
}

func (g *graphClient) getFileContent(ctx context.Context, itemPath, fileID string) (Content, error) {
	meta, err := g.getItem(ctx, itemPath)
	if err != nil {
		return Content{}, fmt.Errorf("connector: metadata: %w", err)
	}
	if meta.Size > maxRegularFileBytes {
		return Content{}, &ErrFileTooLarge{FileID: fileID, SizeByte: meta.Size, LimitByte: maxRegularFileBytes}
	}

	ts, err := g.tokenSource(ctx)
	if err != nil {
		return Content{}, err
	}

	mime := "application/octet-stream"
	if meta.File != nil {
		mime = meta.File.MimeType
	}

	timeout := downloadTimeout(meta.Size)
	var body []byte
	err = retryChunks(3, func(attempt int) error {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		b, dlErr := g.download(dctx, ts, graphAPIBase+itemPath+"/content")
		if dlErr != nil {
			return dlErr
		}
		body = b
		return nil
	})
	if err != nil {
		return Content{}, fmt.Errorf("connector: download: %w", err)
	}

	return Content{
		Bytes:        body,
		Filename:     meta.Name,
		MimeType:     mime,
		SourceURL:    meta.WebURL,
		ACL:          ACL{},
		CreatedTime:  parseRFC3339(meta.CreatedDateTime),
		ModifiedTime: parseRFC3339(meta.LastModifiedDateTime),
		Metadata:     map[string]string{"graph_item_id": meta.ID},
	}, nil
}

func (g *graphClient) setupSubscription(ctx context.Context, resource, webhookURL string) (string, error) {
	ts, err := g.tokenSource(ctx)
	if err != nil {
		return "", err
	}
	expiration := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	clientState := uuidLike()
	payload := map[string]interface{}{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    webhookURL,
		"resource":           resource,
		"expirationDateTime": expiration,
		"clientState":        clientState,
	}
	body, _ := json.Marshal(payload)

	var resp struct {
		ID string `json:"id"`
	}
	if err := g.postJSON(ctx, ts, graphAPIBase+"/subscriptions", body, &resp); err != nil {
		return "", fmt.Errorf("connector: setup subscription: %w", err)
	}
	g.conn.WebhookChannelID = resp.ID
	g.conn.WebhookResourceID = resp.ID
	return resp.ID, nil
}

func (g *graphClient) cleanupSubscription(ctx context.Context, subscriptionID string) error {
	ts, err := g.tokenSource(ctx)
	if err != nil {
		return nil // best-effort
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, graphAPIBase+"/subscriptions/"+subscriptionID, nil)
	if err != nil {
		return nil
	}
	if err := g.doJSON(ts, req, nil); err != nil {
		obslog.Warnf("connector: cleanup subscription %s: %v", subscriptionID, err)
	}
	return nil
}

func (g *graphClient) getJSON(ctx context.Context, ts oauth2.TokenSource, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	return g.doJSON(ts, req, out)
}

func (g *graphClient) postJSON(ctx context.Context, ts oauth2.TokenSource, reqURL string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.doJSON(ts, req, out)
}

func (g *graphClient) doJSON(ts oauth2.TokenSource, req *http.Request, out interface{}) error {
	tok, err := ts.Token()
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph API %s: %s: %s", req.URL.Path, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *graphClient) download(ctx context.Context, ts oauth2.TokenSource, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("graph download %s: %s", resp.Status, string(b))
	}
	return io.ReadAll(resp.Body)
}
