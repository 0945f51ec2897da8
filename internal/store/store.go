// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package store is a thin REST client for an OpenSearch-compatible search
// engine, talking to an HTTP API with no vendored SDK: net/http +
// encoding/json, one exported method per remote operation, context-carried
// timeouts, fmt.Errorf wrapping throughout (see internal/embedding/openai.go
// and ollama.go for the same idiom against a different API).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VectorMethod describes the kNN algorithm backing a vector field.
type VectorMethod struct {
	Name       string            `json:"name"`
	Engine     string            `json:"engine"`
	SpaceType  string            `json:"space_type"`
	Parameters map[string]int    `json:"parameters"`
}

// DefaultVectorMethod is the deploy default vector index method: OpenSearch's
// disk-backed ANN engine with cosine-free L2 space.
func DefaultVectorMethod() VectorMethod {
	return VectorMethod{
		Name:      "disk_ann",
		Engine:    "jvector",
		SpaceType: "l2",
		Parameters: map[string]int{
			"ef_construction": 100,
			"m":               16,
		},
	}
}

// VectorFieldMapping builds the property body for a single knn_vector field.
func VectorFieldMapping(dim int, method VectorMethod) map[string]interface{} {
	return map[string]interface{}{
		"type":      "knn_vector",
		"dimension": dim,
		"method": map[string]interface{}{
			"name":       method.Name,
			"engine":     method.Engine,
			"space_type": method.SpaceType,
			"parameters": method.Parameters,
		},
	}
}

// IndexCreateBody builds the settings+mappings body for creating a new
// chunk index with kNN enabled.
func IndexCreateBody() map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"index.knn": true,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"document_id":          map[string]interface{}{"type": "keyword"},
				"ordinal":              map[string]interface{}{"type": "integer"},
				"page":                 map[string]interface{}{"type": "integer"},
				"text":                 map[string]interface{}{"type": "text"},
				"mimetype":             map[string]interface{}{"type": "keyword"},
				"filename":             map[string]interface{}{"type": "text"},
				"embedding_model":      map[string]interface{}{"type": "keyword"},
				"embedding_dimensions": map[string]interface{}{"type": "integer"},
				"owner":                map[string]interface{}{"type": "keyword"},
				"allowed_users":        map[string]interface{}{"type": "keyword"},
				"allowed_groups":       map[string]interface{}{"type": "keyword"},
				"user_permissions":     map[string]interface{}{"type": "object"},
				"group_permissions":    map[string]interface{}{"type": "object"},
				"connector_type":       map[string]interface{}{"type": "keyword"},
				"source_url":           map[string]interface{}{"type": "keyword"},
				"created_time":         map[string]interface{}{"type": "date"},
				"modified_time":        map[string]interface{}{"type": "date"},
				"indexed_time":         map[string]interface{}{"type": "date"},
				"file_size":            map[string]interface{}{"type": "long"},
			},
		},
	}
}

// Client describes the search-store operations the rest of the module
// depends on. EmbeddingFieldRegistry and HybridSearch depend only on this
// interface (not on each other); IngestionPipeline depends on it and on the
// Registry, keeping the dependency graph one-way: Pipeline -> Registry -> Store.
type Client interface {
	IndicesExists(ctx context.Context, index string) (bool, error)
	IndicesCreate(ctx context.Context, index string, body map[string]interface{}) error
	IndicesPutMapping(ctx context.Context, index string, body map[string]interface{}) error
	IndicesGetMapping(ctx context.Context, index string) (map[string]interface{}, error)

	Index(ctx context.Context, index, id string, body map[string]interface{}) error
	Bulk(ctx context.Context, actions []BulkAction) (*BulkResponse, error)
	Exists(ctx context.Context, index, id string) (bool, error)
	Update(ctx context.Context, index, id string, doc map[string]interface{}) error
	Delete(ctx context.Context, index, id string) error
	Get(ctx context.Context, index, id string) (map[string]interface{}, error)
	Search(ctx context.Context, index string, body map[string]interface{}) (*SearchResponse, error)
	Count(ctx context.Context, index string) (int64, error)
}

// BulkAction is one line-pair of the bulk API (action + optional source).
type BulkAction struct {
	Op     string // "index", "update", "delete"
	Index  string
	ID     string
	Source map[string]interface{}
}

// BulkResponse reports whether any item in a bulk call failed.
type BulkResponse struct {
	HasErrors bool
	Items     []map[string]interface{}
}

// SearchResponse is the subset of an OpenSearch search response this module
// consumes: hits and bucket aggregations.
type SearchResponse struct {
	TotalHits    int64                             `json:"-"`
	Hits         []Hit                             `json:"-"`
	Aggregations map[string]AggregationResult      `json:"-"`
	Raw          map[string]interface{}            `json:"-"`
}

// Hit is a single scored document.
type Hit struct {
	ID     string
	Score  float64
	Source map[string]interface{}
}

// AggregationResult is a terms aggregation's buckets, key -> doc count.
type AggregationResult struct {
	Buckets map[string]int64
}

// HTTPClient is a REST-backed Client implementation against a single
// OpenSearch-compatible endpoint, with HTTP basic auth optional.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// Option configures an HTTPClient.
type Option struct {
	Username string
	Password string
	Timeout  time.Duration
}

// New constructs a store client against baseURL (e.g. "https://search.internal:9200").
func New(baseURL string, opt Option) *HTTPClient {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: opt.Username,
		password: opt.Password,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("store: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("store: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: request failed: %w", err)
	}
	return resp, nil
}

func readJSON(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode response: %w", err)
	}
	return nil
}

func errBody(resp *http.Response) string {
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return string(raw)
}

// IndicesExists reports whether an index exists.
func (c *HTTPClient) IndicesExists(ctx context.Context, index string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/"+index, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// IndicesCreate creates an index with the given settings/mappings body.
func (c *HTTPClient) IndicesCreate(ctx context.Context, index string, body map[string]interface{}) error {
	resp, err := c.do(ctx, http.MethodPut, "/"+index, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: create index %q: status %d: %s", index, resp.StatusCode, errBody(resp))
	}
	return readJSON(resp, nil)
}

// IndicesPutMapping updates the mapping for an existing index.
func (c *HTTPClient) IndicesPutMapping(ctx context.Context, index string, body map[string]interface{}) error {
	resp, err := c.do(ctx, http.MethodPut, "/"+index+"/_mapping", body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: put mapping %q: status %d: %s", index, resp.StatusCode, errBody(resp))
	}
	return readJSON(resp, nil)
}

// IndicesGetMapping fetches the current mapping document.
func (c *HTTPClient) IndicesGetMapping(ctx context.Context, index string) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+index+"/_mapping", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store: get mapping %q: status %d: %s", index, resp.StatusCode, errBody(resp))
	}
	var out map[string]interface{}
	if err := readJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Index writes a single document by id, replacing any existing one.
func (c *HTTPClient) Index(ctx context.Context, index, id string, body map[string]interface{}) error {
	resp, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/%s/_doc/%s", index, id), body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: index %q/%q: status %d: %s", index, id, resp.StatusCode, errBody(resp))
	}
	return readJSON(resp, nil)
}

// Bulk chunks actions at ~1 MiB of NDJSON per request and issues them
// sequentially against the _bulk endpoint.
func (c *HTTPClient) Bulk(ctx context.Context, actions []BulkAction) (*BulkResponse, error) {
	const chunkBytes = 1 << 20

	agg := &BulkResponse{}
	var buf bytes.Buffer

	for _, a := range actions {
		var action map[string]interface{}
		switch a.Op {
		case "delete":
			action = map[string]interface{}{"delete": map[string]interface{}{"_index": a.Index, "_id": a.ID}}
		case "update":
			action = map[string]interface{}{"update": map[string]interface{}{"_index": a.Index, "_id": a.ID}}
		default:
			action = map[string]interface{}{"index": map[string]interface{}{"_index": a.Index, "_id": a.ID}}
		}
		line, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("store: marshal bulk action: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')

		if a.Op != "delete" && a.Source != nil {
			var src interface{} = a.Source
			if a.Op == "update" {
				src = map[string]interface{}{"doc": a.Source}
			}
			srcLine, err := json.Marshal(src)
			if err != nil {
				return nil, fmt.Errorf("store: marshal bulk source: %w", err)
			}
			buf.Write(srcLine)
			buf.WriteByte('\n')
		}

		if buf.Len() >= chunkBytes {
			if err := c.bulkSend(ctx, &buf, agg); err != nil {
				return nil, err
			}
		}
	}
	if buf.Len() > 0 {
		if err := c.bulkSend(ctx, &buf, agg); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

func (c *HTTPClient) bulkSend(ctx context.Context, buf *bytes.Buffer, agg *BulkResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_bulk", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("store: build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store: bulk request failed: %w", err)
	}
	defer resp.Body.Close()
	buf.Reset()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: bulk: status %d: %s", resp.StatusCode, errBody(resp))
	}

	var out struct {
		Errors bool                     `json:"errors"`
		Items  []map[string]interface{} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("store: decode bulk response: %w", err)
	}
	agg.HasErrors = agg.HasErrors || out.Errors
	agg.Items = append(agg.Items, out.Items...)
	return nil
}

// Exists reports whether a document id is present in the index.
func (c *HTTPClient) Exists(ctx context.Context, index, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, fmt.Sprintf("/%s/_doc/%s", index, id), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Update applies a partial document update.
func (c *HTTPClient) Update(ctx context.Context, index, id string, doc map[string]interface{}) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/_update/%s", index, id), map[string]interface{}{"doc": doc})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: update %q/%q: status %d: %s", index, id, resp.StatusCode, errBody(resp))
	}
	return readJSON(resp, nil)
}

// Delete removes a document by id.
func (c *HTTPClient) Delete(ctx context.Context, index, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/_doc/%s", index, id), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("store: delete %q/%q: status %d: %s", index, id, resp.StatusCode, errBody(resp))
	}
	return readJSON(resp, nil)
}

// Get fetches a single document's source by id.
func (c *HTTPClient) Get(ctx context.Context, index, id string) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/_doc/%s", index, id), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store: get %q/%q: status %d: %s", index, id, resp.StatusCode, errBody(resp))
	}
	var out struct {
		Source map[string]interface{} `json:"_source"`
	}
	if err := readJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Source, nil
}

// Search executes a query body and parses hits plus bucket aggregations.
func (c *HTTPClient) Search(ctx context.Context, index string, body map[string]interface{}) (*SearchResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/"+index+"/_search", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store: search %q: status %d: %s", index, resp.StatusCode, errBody(resp))
	}

	var raw map[string]interface{}
	if err := readJSON(resp, &raw); err != nil {
		return nil, err
	}
	return parseSearchResponse(raw), nil
}

func parseSearchResponse(raw map[string]interface{}) *SearchResponse {
	out := &SearchResponse{Raw: raw, Aggregations: map[string]AggregationResult{}}

	if hitsObj, ok := raw["hits"].(map[string]interface{}); ok {
		if total, ok := hitsObj["total"].(map[string]interface{}); ok {
			if v, ok := total["value"].(float64); ok {
				out.TotalHits = int64(v)
			}
		}
		if hitList, ok := hitsObj["hits"].([]interface{}); ok {
			for _, h := range hitList {
				hm, ok := h.(map[string]interface{})
				if !ok {
					continue
				}
				hit := Hit{}
				if id, ok := hm["_id"].(string); ok {
					hit.ID = id
				}
				if score, ok := hm["_score"].(float64); ok {
					hit.Score = score
				}
				if src, ok := hm["_source"].(map[string]interface{}); ok {
					hit.Source = src
				}
				out.Hits = append(out.Hits, hit)
			}
		}
	}

	if aggsObj, ok := raw["aggregations"].(map[string]interface{}); ok {
		for name, v := range aggsObj {
			aggMap, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			buckets, ok := aggMap["buckets"].([]interface{})
			if !ok {
				continue
			}
			result := AggregationResult{Buckets: map[string]int64{}}
			for _, b := range buckets {
				bm, ok := b.(map[string]interface{})
				if !ok {
					continue
				}
				key := fmt.Sprintf("%v", bm["key"])
				count, _ := bm["doc_count"].(float64)
				result.Buckets[key] = int64(count)
			}
			out.Aggregations[name] = result
		}
	}

	return out
}

// Count returns the number of documents in index.
func (c *HTTPClient) Count(ctx context.Context, index string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+index+"/_count", nil)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("store: count %q: status %d: %s", index, resp.StatusCode, errBody(resp))
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := readJSON(resp, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// IsAlreadyExists reports whether err looks like an idempotent
// "field/mapping already present" response, which callers like
// EmbeddingFieldRegistry.Ensure treat as success rather than failure.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") ||
		strings.Contains(msg, "exists") ||
		strings.Contains(msg, "mapper_parsing_exception")
}
