// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package search implements HybridSearch: filter coercion, per-model
// embedding fan-out, field validation against the live mapping, and the
// dis_max + multi_match query assembly.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/northbound/hivecore/internal/audit"
	"github.com/northbound/hivecore/internal/corekit"
	"github.com/northbound/hivecore/internal/embedding"
	"github.com/northbound/hivecore/internal/fields"
	"github.com/northbound/hivecore/internal/obslog"
	"github.com/northbound/hivecore/internal/store"
)

// ImpossibleValue is the sentinel term value that matches nothing — used
// to encode "empty selection hides all" for semantic-map filters.
const ImpossibleValue = "__IMPOSSIBLE_VALUE__"

// legacyVectorField is the pre-dynamic-field name Search falls back to
// when a query against a model-specific field fails with an
// unknown-field error.
const legacyVectorField = "chunk_embedding"

// Identity is the caller's authentication claim. An empty UserID means
// no anonymous search is permitted.
type Identity struct {
	UserID   string
	JWTToken string
}

// Options configures one Search call.
type Options struct {
	Filters        map[string]interface{}
	Limit          int
	ScoreThreshold float64
	NumCandidates  int
}

// Result is one hit reshaped for callers: the chunk body minus its text,
// with text promoted to PageContent.
type Result struct {
	PageContent string
	Metadata    map[string]interface{}
	Score       float64
}

// Response is Search's return value.
type Response struct {
	Results      []Result
	Aggregations map[string]store.AggregationResult
}

// Hybrid implements the Search operation.
type Hybrid struct {
	Store    store.Client
	Embedder embedding.Embedder
	Index    string

	// Audit, if set, receives one entry per completed search. Nil is
	// valid and simply skips auditing.
	Audit *audit.Store
}

// modelDiscoveryAggSize is the bucket size for the embedding_model
// discovery aggregation (spec: "up to 10 buckets").
const modelDiscoveryAggSize = 10

// Search implements the seven-step hybrid retrieval algorithm.
func (h *Hybrid) Search(ctx context.Context, queryText string, identity Identity, opts Options) (Response, error) {
	if identity.UserID == "" {
		return Response{}, corekit.New(corekit.UnauthenticatedKind, "search: no authenticated user")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	numCandidates := opts.NumCandidates
	if numCandidates == 0 {
		numCandidates = 1000
	}

	filterClauses, filterErr := coerceFilters(opts.Filters)
	if filterErr != nil {
		return Response{}, corekit.Wrap(corekit.InvalidInputKind, "search: coerce filters", filterErr)
	}

	models, err := h.discoverModels(ctx, filterClauses)
	if err != nil {
		return Response{}, err
	}

	vectors, err := h.embedQuery(ctx, queryText, models)
	if err != nil {
		return Response{}, err
	}

	candidates, err := h.validateFields(ctx, vectors)
	if err != nil {
		return Response{}, err
	}
	if len(candidates) == 0 {
		obslog.Infof("search: no candidate vector fields present in mapping, returning empty result")
		return Response{Results: nil, Aggregations: map[string]store.AggregationResult{}}, nil
	}

	body := assembleQuery(queryText, filterClauses, candidates, limit, opts.ScoreThreshold, numCandidates)
	resp, err := h.executeWithFallback(ctx, body, candidates, filterClauses, queryText, limit, opts.ScoreThreshold, numCandidates)
	if err != nil {
		return Response{}, corekit.Wrap(corekit.StoreErrorKind, "search: execute", err)
	}

	out := shapeResponse(resp)
	h.logAudit(identity.UserID, queryText, len(out.Results))
	return out, nil
}

func (h *Hybrid) logAudit(userID, queryText string, resultCount int) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.Log(userID, audit.ActionSearch, fmt.Sprintf("query=%q results=%d", queryText, resultCount)); err != nil {
		obslog.Warnf("search: audit log failed: %v", err)
	}
}

// modelVector pairs a discovered model name with its query embedding and
// target field.
type modelVector struct {
	model  string
	field  string
	vector []float32
}

// coerceFilters implements the two supported filter shapes.
func coerceFilters(filters map[string]interface{}) ([]map[string]interface{}, error) {
	if filters == nil {
		return nil, nil
	}

	if raw, ok := filters["filter"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("filter: expected a list under \"filter\"")
		}
		out := make([]map[string]interface{}, 0, len(list))
		for _, item := range list {
			clause, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if term, ok := clause["term"].(map[string]interface{}); ok && isImpossibleTerm(term) {
				continue
			}
			out = append(out, clause)
		}
		return out, nil
	}

	fieldMap := map[string]string{
		"data_sources":   "filename",
		"document_types": "mimetype",
		"owners":         "owner",
	}

	out := make([]map[string]interface{}, 0, len(filters))
	for key, raw := range filters {
		field, ok := fieldMap[key]
		if !ok {
			field = key
		}
		values := toStringSlice(raw)
		switch len(values) {
		case 0:
			out = append(out, map[string]interface{}{"term": map[string]interface{}{field: ImpossibleValue}})
		case 1:
			out = append(out, map[string]interface{}{"term": map[string]interface{}{field: values[0]}})
		default:
			out = append(out, map[string]interface{}{"terms": map[string]interface{}{field: values}})
		}
	}
	return out, nil
}

func isImpossibleTerm(term map[string]interface{}) bool {
	for _, v := range term {
		if s, ok := v.(string); ok && s == ImpossibleValue {
			return true
		}
	}
	return false
}

func toStringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// discoverModels aggregates embedding_model restricted by the user's
// filters, falling back to the currently configured model if the
// corpus (post-filter) is empty.
func (h *Hybrid) discoverModels(ctx context.Context, filterClauses []map[string]interface{}) ([]string, error) {
	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filterClauses) > 0 {
		query = map[string]interface{}{"bool": map[string]interface{}{"filter": filterClauses}}
	}
	body := map[string]interface{}{
		"size":  0,
		"query": query,
		"aggs": map[string]interface{}{
			"models": map[string]interface{}{
				"terms": map[string]interface{}{"field": "embedding_model", "size": modelDiscoveryAggSize},
			},
		},
	}

	resp, err := h.Store.Search(ctx, h.Index, body)
	if err != nil {
		obslog.Warnf("search: model discovery query failed, falling back to configured model: %v", err)
		return []string{h.Embedder.Name()}, nil
	}

	agg, ok := resp.Aggregations["models"]
	if !ok || len(agg.Buckets) == 0 {
		return []string{h.Embedder.Name()}, nil
	}
	models := make([]string, 0, len(agg.Buckets))
	for model := range agg.Buckets {
		models = append(models, model)
	}
	return models, nil
}

// embedQuery embeds queryText once per discovered model, in parallel.
// If every embed call fails, the whole search fails EMBEDDING_UNAVAILABLE.
func (h *Hybrid) embedQuery(ctx context.Context, queryText string, models []string) ([]modelVector, error) {
	type result struct {
		mv  modelVector
		err error
	}
	results := make([]result, len(models))

	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			vectors, err := h.Embedder.Embed(ctx, []string{queryText})
			if err != nil {
				results[i] = result{err: fmt.Errorf("embed for model %s: %w", model, err)}
				return
			}
			results[i] = result{mv: modelVector{model: model, field: fields.FieldFor(model), vector: vectors[0]}}
		}(i, model)
	}
	wg.Wait()

	out := make([]modelVector, 0, len(models))
	var lastErr error
	for _, r := range results {
		if r.err != nil {
			lastErr = r.err
			obslog.Warnf("search: %v", r.err)
			continue
		}
		out = append(out, r.mv)
	}
	if len(out) == 0 {
		return nil, corekit.Wrap(corekit.EmbeddingUnavailableKind, "search: all query embeddings failed", lastErr)
	}
	return out, nil
}

// validateFields drops any model whose field is not a knn_vector in the
// live mapping.
func (h *Hybrid) validateFields(ctx context.Context, vectors []modelVector) ([]modelVector, error) {
	mapping, err := h.Store.IndicesGetMapping(ctx, h.Index)
	if err != nil {
		obslog.Warnf("search: fetch mapping failed, treating as no candidates: %v", err)
		return nil, nil
	}

	out := make([]modelVector, 0, len(vectors))
	for _, mv := range vectors {
		if fields.FieldIsVector(mapping, h.Index, mv.field) {
			out = append(out, mv)
		}
	}
	return out, nil
}

// assembleQuery builds the canonical dis_max + multi_match query body.
func assembleQuery(queryText string, filterClauses []map[string]interface{}, candidates []modelVector, limit int, scoreThreshold float64, numCandidates int) map[string]interface{} {
	knnQueries := make([]map[string]interface{}, 0, len(candidates))
	existsShoulds := make([]map[string]interface{}, 0, len(candidates))
	for _, mv := range candidates {
		knn := map[string]interface{}{"vector": mv.vector, "k": 50}
		if numCandidates > 0 {
			knn["num_candidates"] = numCandidates
		}
		knnQueries = append(knnQueries, map[string]interface{}{"knn": map[string]interface{}{mv.field: knn}})
		existsShoulds = append(existsShoulds, map[string]interface{}{"exists": map[string]interface{}{"field": mv.field}})
	}

	should := []map[string]interface{}{
		{
			"dis_max": map[string]interface{}{
				"tie_breaker": 0.0,
				"boost":       0.7,
				"queries":     knnQueries,
			},
		},
		{
			"multi_match": map[string]interface{}{
				"query":     queryText,
				"fields":    []string{"text^2", "filename^1.5"},
				"type":      "best_fields",
				"fuzziness": "AUTO",
				"boost":     0.3,
			},
		},
	}

	filter := append([]map[string]interface{}{}, filterClauses...)
	filter = append(filter, map[string]interface{}{
		"bool": map[string]interface{}{
			"should":               existsShoulds,
			"minimum_should_match": 1,
		},
	})

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"should":               should,
				"filter":               filter,
				"minimum_should_match": 1,
			},
		},
		"aggs": map[string]interface{}{
			"data_sources":     map[string]interface{}{"terms": map[string]interface{}{"field": "filename", "size": 20}},
			"document_types":   map[string]interface{}{"terms": map[string]interface{}{"field": "mimetype", "size": 10}},
			"owners":           map[string]interface{}{"terms": map[string]interface{}{"field": "owner", "size": 10}},
			"embedding_models": map[string]interface{}{"terms": map[string]interface{}{"field": "embedding_model", "size": 10}},
		},
		"_source": []string{"filename", "mimetype", "page", "text", "source_url", "owner", "embedding_model", "allowed_users", "allowed_groups"},
		"size":    limit,
	}
	if scoreThreshold > 0 {
		body["min_score"] = scoreThreshold
	}
	return body
}

// executeWithFallback runs the three-state fallback: normal -> no-candidates
// (num_candidates omitted) -> legacy field.
func (h *Hybrid) executeWithFallback(ctx context.Context, body map[string]interface{}, candidates []modelVector, filterClauses []map[string]interface{}, queryText string, limit int, scoreThreshold float64, numCandidates int) (*store.SearchResponse, error) {
	resp, err := h.Store.Search(ctx, h.Index, body)
	if err == nil {
		return resp, nil
	}
	if !strings.Contains(err.Error(), "num_candidates") {
		return h.retryLegacyField(ctx, err, candidates, filterClauses, queryText, limit, scoreThreshold)
	}

	noCandidatesBody := assembleQuery(queryText, filterClauses, candidates, limit, scoreThreshold, 0)
	resp, err2 := h.Store.Search(ctx, h.Index, noCandidatesBody)
	if err2 == nil {
		return resp, nil
	}
	return h.retryLegacyField(ctx, err2, candidates, filterClauses, queryText, limit, scoreThreshold)
}

func (h *Hybrid) retryLegacyField(ctx context.Context, cause error, candidates []modelVector, filterClauses []map[string]interface{}, queryText string, limit int, scoreThreshold float64) (*store.SearchResponse, error) {
	if !strings.Contains(cause.Error(), "knn_vector") && !strings.Contains(cause.Error(), "no mapping found") {
		return nil, cause
	}
	if len(candidates) == 0 {
		return nil, cause
	}

	legacy := []modelVector{{model: candidates[0].model, field: legacyVectorField, vector: candidates[0].vector}}
	body := assembleQuery(queryText, filterClauses, legacy, limit, scoreThreshold, 0)
	resp, err := h.Store.Search(ctx, h.Index, body)
	if err != nil {
		return nil, fmt.Errorf("legacy field fallback: %w (original: %v)", err, cause)
	}
	obslog.Warnf("search: fell back to legacy vector field %q after mapping error: %v", legacyVectorField, cause)
	return resp, nil
}

// shapeResponse reshapes raw hits into the caller-facing Result list.
func shapeResponse(resp *store.SearchResponse) Response {
	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		metadata := make(map[string]interface{}, len(hit.Source))
		text := ""
		for k, v := range hit.Source {
			if k == "text" {
				if s, ok := v.(string); ok {
					text = s
				}
				continue
			}
			metadata[k] = v
		}
		results = append(results, Result{PageContent: text, Metadata: metadata, Score: hit.Score})
	}
	return Response{Results: results, Aggregations: resp.Aggregations}
}
