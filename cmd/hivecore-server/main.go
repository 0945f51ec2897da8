// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// hivecore-server wires the ingestion/search core to a deliberately thin
// HTTP shim. Authentication, JWT minting, and routing policy are transport
// concerns owned by whatever sits in front of this process in a real
// deployment; this binary trusts identity headers set by that layer rather
// than reimplementing them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/northbound/hivecore/internal/audit"
	"github.com/northbound/hivecore/internal/config"
	"github.com/northbound/hivecore/internal/connector"
	"github.com/northbound/hivecore/internal/embedding"
	"github.com/northbound/hivecore/internal/fields"
	"github.com/northbound/hivecore/internal/ingest"
	"github.com/northbound/hivecore/internal/localsource"
	"github.com/northbound/hivecore/internal/obslog"
	"github.com/northbound/hivecore/internal/parser"
	"github.com/northbound/hivecore/internal/search"
	"github.com/northbound/hivecore/internal/store"
	"github.com/northbound/hivecore/internal/taskengine"
	"github.com/northbound/hivecore/internal/webhook"
)

var (
	httpPort   = flag.Int("http-port", 8081, "HTTP listen port")
	configPath = flag.String("config", "", "optional YAML config file path")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obslog.Errorf("config load: %v", err)
		os.Exit(1)
	}

	storeClient := store.New(cfg.StoreURL(), store.Option{
		Username: cfg.Store.Username,
		Password: cfg.Store.Password,
	})

	embedder, err := embedding.NewEmbedder(cfg.Embedding.Provider, map[string]string{
		"api_key":  cfg.Embedding.APIKey,
		"model":    cfg.Embedding.Model,
		"base_url": cfg.Embedding.BaseURL,
	})
	if err != nil {
		obslog.Errorf("embedder init: %v", err)
		os.Exit(1)
	}

	registry := fields.New(cfg.Store.Index, store.DefaultVectorMethod())

	pipeline := &ingest.Pipeline{
		Store:          storeClient,
		Registry:       registry,
		Parser:         parser.New(),
		Embedder:       embedder,
		Index:          cfg.Store.Index,
		MaxBatchTokens: 8000,
	}

	auditStore, err := audit.Open(cfg.SQLiteAuditPath)
	if err != nil {
		obslog.Errorf("audit store open: %v", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	engine := taskengine.New(taskengine.Option{
		MaxWorkers:   cfg.MaxWorkers,
		RetentionTTL: cfg.JobRetentionTTL,
	})
	defer engine.Close()

	connRegistry, err := connector.NewRegistry(connectionsFilePath())
	if err != nil {
		obslog.Errorf("connector registry open: %v", err)
		os.Exit(1)
	}

	oauthStore, err := newOAuthStore(cfg)
	if err != nil {
		obslog.Warnf("oauth store unavailable, connector refresh disabled: %v", err)
	}

	router := &webhook.Router{
		Connections:  connRegistry,
		Engine:       engine,
		Pipeline:     pipeline,
		NewConnector: connectorFactory(oauthStore),
		Audit:        auditStore,
	}

	hybrid := &search.Hybrid{
		Store:    storeClient,
		Embedder: embedder,
		Index:    cfg.Store.Index,
		Audit:    auditStore,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if paths := localPaths(); len(paths) > 0 {
		src := &localsource.Source{Pipeline: pipeline, Paths: paths, Audit: auditStore}
		go func() {
			if err := src.Watch(ctx); err != nil && err != context.Canceled {
				obslog.Warnf("local source watch stopped: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", handleHealth)
	mux.HandleFunc("/api/v1/search", handleSearch(hybrid))
	mux.HandleFunc("/api/v1/webhook/", handleWebhook(router))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: mux,
	}

	go func() {
		obslog.Infof("hivecore-server listening on %d", *httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.Errorf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func connectionsFilePath() string {
	if p := os.Getenv("CONNECTIONS_FILE"); p != "" {
		return p
	}
	return "./connections.json"
}

func localPaths() []string {
	raw := os.Getenv("LOCAL_PATHS")
	if raw == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func newOAuthStore(cfg *config.Config) (*connector.OAuthStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := config.NewRedisClient(ctx)
	if err != nil {
		return nil, err
	}
	return connector.NewOAuthStore(client), nil
}

// connectorFactory builds a live Connector for a connection's variant,
// reading each provider's OAuth client configuration directly from the
// environment at bootstrap time (not part of the Config snapshot, since it
// varies per connector variant rather than per deploy).
func connectorFactory(oauthStore *connector.OAuthStore) webhook.ConnectorFactory {
	return func(conn connector.Connection) (connector.Connector, error) {
		switch conn.ConnectorType {
		case "google_drive":
			return connector.NewGoogleDriveConnector(&conn, oauthConfig("GOOGLE"), oauthStore), nil
		case "onedrive":
			return connector.NewOneDriveConnector(&conn, oauthConfig("MICROSOFT"), oauthStore), nil
		case "sharepoint":
			return connector.NewSharePointConnector(&conn, oauthConfig("MICROSOFT"), oauthStore, os.Getenv("SHAREPOINT_SITE_ID")), nil
		default:
			return nil, fmt.Errorf("unknown connector type %q", conn.ConnectorType)
		}
	}
}

func oauthConfig(prefix string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		RedirectURL:  os.Getenv(prefix + "_REDIRECT_URL"),
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "up"})
}

type searchRequest struct {
	Query         string                 `json:"query"`
	Filters       map[string]interface{} `json:"filters"`
	Limit         int                    `json:"limit"`
	NumCandidates int                    `json:"num_candidates"`
}

func handleSearch(hybrid *search.Hybrid) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		identity := identityFromRequest(r)
		resp, err := hybrid.Search(r.Context(), req.Query, identity, search.Options{
			Filters:       req.Filters,
			Limit:         req.Limit,
			NumCandidates: req.NumCandidates,
		})
		if err != nil {
			writeCoreError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleWebhook(router *webhook.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := strings.TrimPrefix(r.URL.Path, "/api/v1/webhook/")
		if provider == "" {
			http.Error(w, "missing provider in path", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
			return
		}

		headers := map[string]string{}
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}
		query := map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		out, err := router.HandleWebhook(r.Context(), provider, r.Method, headers, query, body)
		if err != nil {
			obslog.Warnf("webhook dispatch failed: %v", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		if out.ValidationBody != nil {
			w.Write(out.ValidationBody)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func identityFromRequest(r *http.Request) search.Identity {
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	return search.Identity{
		UserID:   r.Header.Get("X-User-Id"),
		JWTToken: token,
	}
}

func writeCoreError(w http.ResponseWriter, err error) {
	obslog.Warnf("search failed: %v", err)
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func waitForShutdown(httpServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		obslog.Errorf("http shutdown: %v", err)
	}
}
