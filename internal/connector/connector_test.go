// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestRegistry_CreateGetListDelete(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "connections.json"))
	require.NoError(t, err)

	c, err := reg.Create("google_drive", "My Drive", "user1", Selection{Recursive: true}, filepath.Join(dir, "tok.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ConnectionID)
	assert.True(t, c.IsActive)

	got, ok := reg.Get(c.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "My Drive", got.Name)

	list := reg.List("user1", "")
	require.Len(t, list, 1)

	require.NoError(t, reg.Update(c.ConnectionID, func(conn *Connection) {
		conn.WebhookChannelID = "chan-1"
	}))
	found, ok := reg.FindByChannelID("chan-1")
	require.True(t, ok)
	assert.Equal(t, c.ConnectionID, found.ConnectionID)

	require.NoError(t, reg.Delete(c.ConnectionID))
	_, ok = reg.Get(c.ConnectionID)
	assert.False(t, ok)
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.json")

	reg, err := NewRegistry(path)
	require.NoError(t, err)
	c, err := reg.Create("onedrive", "Work OneDrive", "user2", Selection{}, "tok.json")
	require.NoError(t, err)

	reloaded, err := NewRegistry(path)
	require.NoError(t, err)
	got, ok := reloaded.Get(c.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "Work OneDrive", got.Name)
}

func TestRegistry_FindByChannelID_SkipsInactive(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "connections.json"))
	require.NoError(t, err)

	c, err := reg.Create("sharepoint", "Team Site", "user1", Selection{}, "tok.json")
	require.NoError(t, err)
	require.NoError(t, reg.Update(c.ConnectionID, func(conn *Connection) {
		conn.WebhookChannelID = "chan-2"
		conn.IsActive = false
	}))

	_, ok := reg.FindByChannelID("chan-2")
	assert.False(t, ok)
}

func TestOAuthStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tok.json")
	store := NewOAuthStore(nil)

	tok := &oauth2.Token{AccessToken: "abc", RefreshToken: "def", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(path, tok))

	loaded, ok, err := store.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", loaded.AccessToken)
}

func TestOAuthStore_Load_MissingFileIsNotError(t *testing.T) {
	store := NewOAuthStore(nil)
	tok, ok, err := store.Load("/nonexistent/path/tok.json")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, tok)
}

func TestOAuthStore_RefreshLocked_NilRedisRefreshesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tok.json")
	store := NewOAuthStore(nil)

	calls := 0
	refresh := func(cur *oauth2.Token) (*oauth2.Token, error) {
		calls++
		return &oauth2.Token{AccessToken: "refreshed", Expiry: time.Now().Add(time.Hour)}, nil
	}

	tok, err := store.RefreshLocked(context.Background(), path, &oauth2.Token{}, refresh)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tok.AccessToken)
	assert.Equal(t, 1, calls)

	onDisk, ok, err := store.Load(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "refreshed", onDisk.AccessToken)
}

func TestMimeAllowed(t *testing.T) {
	assert.True(t, mimeAllowed("application/pdf", nil, nil))
	assert.False(t, mimeAllowed("application/zip", nil, nil))
	assert.True(t, mimeAllowed("application/zip", []string{"application/zip"}, nil))
	assert.False(t, mimeAllowed("application/pdf", nil, []string{"application/pdf"}))
}

func TestDownloadTimeout_Clamped(t *testing.T) {
	assert.Equal(t, 60*time.Second, downloadTimeout(1024))           // floor
	assert.Equal(t, 300*time.Second, downloadTimeout(100*1024*1024)) // ceiling
	assert.Equal(t, 100*time.Second, downloadTimeout(10*1024*1024))  // 10s * 10MiB
}

func TestIsGoogleNative(t *testing.T) {
	assert.True(t, isGoogleNative("application/vnd.google-apps.document"))
	assert.False(t, isGoogleNative("application/pdf"))
}

func TestRetryChunks_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := retryChunks(3, func(attempt int) error {
		attempts++
		if attempt < 2 {
			return assertErr("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestGraphAffectedFileIDs(t *testing.T) {
	body := []byte(`{"value":[{"subscriptionId":"sub-1","resourceData":{"id":"file-1"}},{"subscriptionId":"sub-1","resourceData":{"id":"file-2"}}]}`)
	ids, err := graphAffectedFileIDs(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"file-1", "file-2"}, ids)
}

func TestGraphSubscriptionIDFromBody(t *testing.T) {
	body := []byte(`{"value":[{"subscriptionId":"sub-42"}]}`)
	assert.Equal(t, "sub-42", graphSubscriptionIDFromBody(body))
	assert.Equal(t, "", graphSubscriptionIDFromBody([]byte("not json")))
}

func TestOneDriveConnector_ValidationResponse(t *testing.T) {
	c := &OneDriveConnector{}
	body, ok := c.ValidationResponse("POST", nil, map[string]string{"validationToken": "tok-123"})
	require.True(t, ok)
	assert.Equal(t, []byte("tok-123"), body)

	_, ok = c.ValidationResponse("POST", nil, map[string]string{})
	assert.False(t, ok)
}

func TestGoogleDriveConnector_ListFiles_ByFileIDs(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "tok.json")
	store := NewOAuthStore(nil)
	require.NoError(t, store.Save(tokenFile, &oauth2.Token{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(driveFileEntry{
			ID: "f1", Name: "report.pdf", MimeType: "application/pdf", Size: "100",
		})
	}))
	defer srv.Close()

	prevBase := driveAPIBase
	driveAPIBase = srv.URL
	defer func() { driveAPIBase = prevBase }()

	conn := &Connection{ConnectionID: "c1", TokenFile: tokenFile, Selection: Selection{FileIDs: []string{"f1"}}}
	oauthCfg := &oauth2.Config{}
	c := NewGoogleDriveConnector(conn, oauthCfg, store)

	page, err := c.ListFiles(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, page.Files, 1)
	assert.Equal(t, "report.pdf", page.Files[0].Name)
}

func TestGoogleDriveConnector_HandleWebhook_ResolvesAffectedFiles(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "tok.json")
	store := NewOAuthStore(nil)
	require.NoError(t, store.Save(tokenFile, &oauth2.Token{AccessToken: "x", Expiry: time.Now().Add(time.Hour)}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4337807", r.URL.Query().Get("pageToken"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"changes": []map[string]interface{}{
				{"fileId": "f1", "file": map[string]interface{}{"id": "f1", "mimeType": "application/pdf", "trashed": false}},
				{"fileId": "f2", "file": map[string]interface{}{"id": "f2", "mimeType": "application/pdf", "trashed": true}},
				{"fileId": "f3", "file": map[string]interface{}{"id": "f3", "mimeType": "image/png", "trashed": false}},
			},
		})
	}))
	defer srv.Close()

	prevBase := driveAPIBase
	driveAPIBase = srv.URL
	defer func() { driveAPIBase = prevBase }()

	conn := &Connection{
		ConnectionID:      "c1",
		TokenFile:         tokenFile,
		WebhookResourceID: "res-1",
		Selection:         Selection{FileIDs: []string{"f1", "f2", "f3"}},
	}
	c := NewGoogleDriveConnector(conn, &oauth2.Config{}, store)

	headers := map[string]string{
		"X-Goog-Resource-State": "change",
		"X-Goog-Resource-Id":    "res-1",
		"X-Goog-Resource-Uri":   srv.URL + "/changes?alt=json&pageToken=4337807",
	}
	affected, err := c.HandleWebhook(nil, headers)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, affected)
}

func TestGoogleDriveConnector_HandleWebhook_IgnoresSyncAndUnknownChannel(t *testing.T) {
	conn := &Connection{ConnectionID: "c1", WebhookResourceID: "res-1"}
	c := NewGoogleDriveConnector(conn, &oauth2.Config{}, NewOAuthStore(nil))

	affected, err := c.HandleWebhook(nil, map[string]string{"X-Goog-Resource-State": "sync"})
	require.NoError(t, err)
	assert.Nil(t, affected)

	affected, err = c.HandleWebhook(nil, map[string]string{
		"X-Goog-Resource-State": "change",
		"X-Goog-Resource-Id":    "some-other-resource",
	})
	require.NoError(t, err)
	assert.Nil(t, affected)
}
