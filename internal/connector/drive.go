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
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/northbound/hivecore/internal/obslog"
)

var driveAPIBase = "https://www.googleapis.com/drive/v3"

// GoogleDriveConnector implements Connector against the Google Drive v3
// REST API, grounded on the original GoogleDriveConnector's list/export/
// watch calls (drive files().list/get/export_media, files().watch).
type GoogleDriveConnector struct {
	conn       *Connection
	oauthCfg   *oauth2.Config
	oauth      *OAuthStore
	tokenFile  string
	httpClient *http.Client
}

// NewGoogleDriveConnector builds a connector bound to conn's persisted
// selection and token file.
func NewGoogleDriveConnector(conn *Connection, oauthCfg *oauth2.Config, store *OAuthStore) *GoogleDriveConnector {
	return &GoogleDriveConnector{
		conn:       conn,
		oauthCfg:   oauthCfg,
		oauth:      store,
		tokenFile:  conn.TokenFile,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GoogleDriveConnector) Variant() string { return "google_drive" }

func (c *GoogleDriveConnector) Authenticate(ctx context.Context) (bool, error) {
	tok, ok, err := c.oauth.Load(c.tokenFile)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("connector: google_drive: no token file for connection %s", c.conn.ConnectionID)
	}
	if tok.Valid() {
		return true, nil
	}
	refreshed, err := c.oauth.RefreshLocked(ctx, c.tokenFile, tok, func(cur *oauth2.Token) (*oauth2.Token, error) {
		src := c.oauthCfg.TokenSource(ctx, cur)
		return src.Token()
	})
	if err != nil {
		return false, fmt.Errorf("connector: google_drive: refresh: %w", err)
	}
	_ = refreshed
	return true, nil
}

func (c *GoogleDriveConnector) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, ok, err := c.oauth.Load(c.tokenFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("connector: google_drive: not authenticated")
	}
	return c.oauthCfg.TokenSource(ctx, tok), nil
}

type driveFileList struct {
	NextPageToken string           `json:"nextPageToken"`
	Files         []driveFileEntry `json:"files"`
}

type driveFileEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	ModifiedTime string   `json:"modifiedTime"`
	CreatedTime  string   `json:"createdTime"`
	WebViewLink  string   `json:"webViewLink"`
	Size         string   `json:"size"`
	Owners       []struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"owners"`
	Permissions []struct {
		EmailAddress string `json:"emailAddress"`
		Role         string `json:"role"`
	} `json:"permissions"`
}

func (c *GoogleDriveConnector) ListFiles(ctx context.Context, pageToken string, limit int) (ListPage, error) {
	if len(c.conn.Selection.FileIDs) > 0 {
		return c.listByFileIDs(ctx)
	}

	ts, err := c.tokenSource(ctx)
	if err != nil {
		return ListPage{}, err
	}
	query := "trashed = false"
	if len(c.conn.Selection.FolderIDs) > 0 {
		query = fmt.Sprintf("(%s) and trashed = false", orParentsQuery(c.conn.Selection.FolderIDs))
	}

	url := fmt.Sprintf("%s/files?q=%s&pageSize=%d&pageToken=%s&fields=nextPageToken,files(id,name,mimeType,modifiedTime,createdTime,webViewLink,size,owners,permissions)",
		driveAPIBase, queryEscape(query), limit, queryEscape(pageToken))

	var list driveFileList
	if err := c.getJSON(ctx, ts, url, &list); err != nil {
		return ListPage{}, err
	}

	page := ListPage{NextPageToken: list.NextPageToken}
	for _, f := range list.Files {
		if !mimeAllowed(f.MimeType, c.conn.Selection.IncludeMimeTypes, c.conn.Selection.ExcludeMimeTypes) {
			continue
		}
		page.Files = append(page.Files, toFile(f))
	}
	return page, nil
}

func (c *GoogleDriveConnector) listByFileIDs(ctx context.Context) (ListPage, error) {
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return ListPage{}, err
	}
	page := ListPage{}
	for _, id := range c.conn.Selection.FileIDs {
		url := fmt.Sprintf("%s/files/%s?fields=id,name,mimeType,modifiedTime,createdTime,webViewLink,size,owners,permissions", driveAPIBase, id)
		var f driveFileEntry
		if err := c.getJSON(ctx, ts, url, &f); err != nil {
			obslog.Warnf("connector: google_drive: metadata fetch failed for %s: %v", id, err)
			continue
		}
		if !mimeAllowed(f.MimeType, c.conn.Selection.IncludeMimeTypes, c.conn.Selection.ExcludeMimeTypes) {
			continue
		}
		page.Files = append(page.Files, toFile(f))
	}
	return page, nil
}

func toFile(f driveFileEntry) File {
	owners := make([]string, 0, len(f.Owners))
	for _, o := range f.Owners {
		owners = append(owners, o.EmailAddress)
	}
	perms := make([]string, 0, len(f.Permissions))
	for _, p := range f.Permissions {
		perms = append(perms, p.EmailAddress+":"+p.Role)
	}
	return File{
		ID:           f.ID,
		Name:         f.Name,
		MimeType:     f.MimeType,
		ModifiedTime: parseRFC3339(f.ModifiedTime),
		CreatedTime:  parseRFC3339(f.CreatedTime),
		SourceURL:    f.WebViewLink,
		Permissions:  perms,
		Owners:       owners,
	}
}

func (c *GoogleDriveConnector) GetFileContent(ctx context.Context, fileID string) (Content, error) {
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return Content{}, err
	}

	var meta driveFileEntry
	metaURL := fmt.Sprintf("%s/files/%s?fields=id,name,mimeType,modifiedTime,createdTime,webViewLink,size,owners,permissions", driveAPIBase, fileID)
	if err := c.getJSON(ctx, ts, metaURL, &meta); err != nil {
		return Content{}, fmt.Errorf("connector: google_drive: metadata: %w", err)
	}

	var sizeBytes int64
	fmt.Sscanf(meta.Size, "%d", &sizeBytes)
	native := isGoogleNative(meta.MimeType)
	limit := int64(maxRegularFileBytes)
	if native {
		limit = maxNativeExportBytes
	}
	if sizeBytes > limit {
		return Content{}, &ErrFileTooLarge{FileID: fileID, SizeByte: sizeBytes, LimitByte: limit}
	}

	downloadURL := fmt.Sprintf("%s/files/%s?alt=media", driveAPIBase, fileID)
	outMime := meta.MimeType
	if native {
		downloadURL = fmt.Sprintf("%s/files/%s/export?mimeType=application/pdf", driveAPIBase, fileID)
		outMime = "application/pdf"
	}

	timeout := downloadTimeout(sizeBytes)
	var body []byte
	err = retryChunks(3, func(attempt int) error {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		b, dlErr := c.download(dctx, ts, downloadURL)
		if dlErr != nil {
			return dlErr
		}
		body = b
		return nil
	})
	if err != nil {
		return Content{}, fmt.Errorf("connector: google_drive: download: %w", err)
	}

	owners := make([]string, 0, len(meta.Owners))
	for _, o := range meta.Owners {
		owners = append(owners, o.EmailAddress)
	}
	acl := ACL{AllowedUsers: owners, UserPermissions: map[string]string{}}
	for _, p := range meta.Permissions {
		acl.AllowedUsers = append(acl.AllowedUsers, p.EmailAddress)
		acl.UserPermissions[p.EmailAddress] = p.Role
	}

	return Content{
		Bytes:        body,
		Filename:     meta.Name,
		MimeType:     outMime,
		SourceURL:    meta.WebViewLink,
		ACL:          acl,
		CreatedTime:  parseRFC3339(meta.CreatedTime),
		ModifiedTime: parseRFC3339(meta.ModifiedTime),
		Metadata:     map[string]string{"drive_file_id": fileID},
	}, nil
}

// SetupSubscription registers a Drive push channel (changes.watch) with a
// 24-hour TTL, matching the platform's maximum channel lifetime.
func (c *GoogleDriveConnector) SetupSubscription(ctx context.Context, webhookURL string) (string, error) {
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return "", err
	}
	channelID := uuidLike()
	expiration := time.Now().Add(24 * time.Hour).UnixMilli()

	payload := map[string]interface{}{
		"id":         channelID,
		"type":       "web_hook",
		"address":    webhookURL,
		"expiration": expiration,
	}
	body, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/changes/watch", driveAPIBase)
	var resp struct {
		ResourceID string `json:"resourceId"`
	}
	if err := c.postJSON(ctx, ts, url, body, &resp); err != nil {
		return "", fmt.Errorf("connector: google_drive: setup subscription: %w", err)
	}
	c.conn.WebhookChannelID = channelID
	c.conn.WebhookResourceID = resp.ResourceID
	return channelID, nil
}

// ChannelID reads the X-Goog-Channel-Id header Drive attaches to every
// notification for a given channel.
func (c *GoogleDriveConnector) ChannelID(headers map[string]string, body []byte) string {
	return headerLookup(headers, "X-Goog-Channel-Id")
}

// ValidationResponse: Drive has no explicit handshake step beyond the
// "sync" state notification, which carries no affected files and is
// acknowledged with 200 and no body.
func (c *GoogleDriveConnector) ValidationResponse(method string, headers map[string]string, query map[string]string) ([]byte, bool) {
	if headerLookup(headers, "X-Goog-Resource-State") == "sync" {
		return []byte(""), true
	}
	return nil, false
}

// changesListResponse is the subset of changes().list this connector needs
// to resolve a webhook notification to affected file ids.
type changesListResponse struct {
	Changes []struct {
		FileID string `json:"fileId"`
		File   struct {
			ID       string   `json:"id"`
			Name     string   `json:"name"`
			MimeType string   `json:"mimeType"`
			Trashed  bool     `json:"trashed"`
			Parents  []string `json:"parents"`
		} `json:"file"`
	} `json:"changes"`
}

// HandleWebhook resolves a Drive change notification to affected file ids.
// Drive's push notifications carry no file list, only a resource state and
// (for "change"/"exists"/"not_exists" states) a resource URI embedding the
// page token to replay against changes.list — the page token is the only
// way to learn which files actually changed.
func (c *GoogleDriveConnector) HandleWebhook(payload []byte, headers map[string]string) ([]string, error) {
	state := headerLookup(headers, "X-Goog-Resource-State")
	if state != "change" && state != "exists" && state != "not_exists" {
		return nil, nil
	}
	resourceID := headerLookup(headers, "X-Goog-Resource-Id")
	if resourceID != c.conn.WebhookResourceID {
		return nil, nil
	}

	pageToken := pageTokenFromResourceURI(headerLookup(headers, "X-Goog-Resource-Uri"))
	if pageToken == "" {
		obslog.Warnf("connector: google_drive: webhook carried no page token, cannot resolve changes")
		return nil, nil
	}

	ctx := context.Background()
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/changes?pageToken=%s&fields=%s", driveAPIBase, queryEscape(pageToken),
		queryEscape("changes(fileId,file(id,name,mimeType,trashed,parents))"))
	var resp changesListResponse
	if err := c.getJSON(ctx, ts, url, &resp); err != nil {
		return nil, fmt.Errorf("connector: google_drive: changes.list: %w", err)
	}

	var affected []string
	for _, change := range resp.Changes {
		if change.FileID == "" || change.File.Trashed {
			continue
		}
		if !mimeAllowed(change.File.MimeType, c.conn.Selection.IncludeMimeTypes, c.conn.Selection.ExcludeMimeTypes) {
			continue
		}
		if !c.inSelectionScope(change.FileID, change.File.Parents) {
			continue
		}
		affected = append(affected, change.FileID)
	}
	return affected, nil
}

// inSelectionScope mirrors ListFiles' own scoping rules (explicit file ids
// take precedence, then folder parents, else unscoped) so a webhook
// notification and a manual list never disagree about what this connection
// covers.
func (c *GoogleDriveConnector) inSelectionScope(fileID string, parents []string) bool {
	sel := c.conn.Selection
	if len(sel.FileIDs) > 0 {
		for _, id := range sel.FileIDs {
			if id == fileID {
				return true
			}
		}
		return false
	}
	if len(sel.FolderIDs) > 0 {
		for _, parent := range parents {
			for _, folder := range sel.FolderIDs {
				if parent == folder {
					return true
				}
			}
		}
		return false
	}
	return true
}

// pageTokenFromResourceURI extracts pageToken from a resource URI like
// "https://www.googleapis.com/drive/v3/changes?alt=json&pageToken=4337807".
func pageTokenFromResourceURI(resourceURI string) string {
	if resourceURI == "" {
		return ""
	}
	u, err := url.Parse(resourceURI)
	if err != nil {
		return ""
	}
	return u.Query().Get("pageToken")
}

func (c *GoogleDriveConnector) CleanupSubscription(ctx context.Context, subscriptionID string) error {
	if c.conn.WebhookResourceID == "" {
		return nil
	}
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return nil // best-effort
	}
	payload := map[string]interface{}{
		"id":         subscriptionID,
		"resourceId": c.conn.WebhookResourceID,
	}
	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/channels/stop", driveAPIBase)
	if err := c.postJSON(ctx, ts, url, body, nil); err != nil {
		obslog.Warnf("connector: google_drive: cleanup subscription %s: %v", subscriptionID, err)
	}
	return nil
}

func (c *GoogleDriveConnector) getJSON(ctx context.Context, ts oauth2.TokenSource, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.doJSON(ts, req, out)
}

func (c *GoogleDriveConnector) postJSON(ctx context.Context, ts oauth2.TokenSource, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(ts, req, out)
}

func (c *GoogleDriveConnector) doJSON(ts oauth2.TokenSource, req *http.Request, out interface{}) error {
	tok, err := ts.Token()
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("drive API %s: %s: %s", req.URL.Path, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *GoogleDriveConnector) download(ctx context.Context, ts oauth2.TokenSource, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("drive download %s: %s", resp.Status, string(b))
	}
	return io.ReadAll(resp.Body)
}

func orParentsQuery(folderIDs []string) string {
	q := ""
	for i, id := range folderIDs {
		if i > 0 {
			q += " or "
		}
		q += fmt.Sprintf("'%s' in parents", id)
	}
	return q
}

func queryEscape(s string) string {
	return url.QueryEscape(s)
}

func headerLookup(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func parseRFC3339(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func uuidLike() string {
	return uuid.NewString()
}
