// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package search

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound/hivecore/internal/audit"
	"github.com/northbound/hivecore/internal/embedding"
	"github.com/northbound/hivecore/internal/fields"
	"github.com/northbound/hivecore/internal/store"
)

type fakeStore struct {
	store.Client
	mapping     map[string]interface{}
	searchFn    func(body map[string]interface{}) (*store.SearchResponse, error)
	searchCalls []map[string]interface{}
}

func (f *fakeStore) IndicesGetMapping(ctx context.Context, index string) (map[string]interface{}, error) {
	return f.mapping, nil
}

func (f *fakeStore) Search(ctx context.Context, index string, body map[string]interface{}) (*store.SearchResponse, error) {
	f.searchCalls = append(f.searchCalls, body)
	return f.searchFn(body)
}

func mappingWithFields(indexName string, fieldNames ...string) map[string]interface{} {
	props := map[string]interface{}{}
	for _, fn := range fieldNames {
		props[fn] = map[string]interface{}{"type": "knn_vector"}
	}
	return map[string]interface{}{
		indexName: map[string]interface{}{
			"mappings": map[string]interface{}{"properties": props},
		},
	}
}

func newHybrid(st store.Client, embedder embedding.Embedder) *Hybrid {
	return &Hybrid{Store: st, Embedder: embedder, Index: "chunks"}
}

func TestSearch_Unauthenticated(t *testing.T) {
	st := &fakeStore{}
	h := newHybrid(st, embedding.NewMockEmbedder("m1", 4))

	_, err := h.Search(context.Background(), "hello", Identity{}, Options{})
	require.Error(t, err)
}

func TestSearch_TwoModels_DisMaxAndAggregations(t *testing.T) {
	field1 := fields.FieldFor("m1")
	field2 := fields.FieldFor("m2")
	mapping := mappingWithFields("chunks", field1, field2)

	st := &fakeStore{
		mapping: mapping,
		searchFn: func(body map[string]interface{}) (*store.SearchResponse, error) {
			if _, ok := body["aggs"].(map[string]interface{})["models"]; ok {
				return &store.SearchResponse{
					Aggregations: map[string]store.AggregationResult{
						"models": {Buckets: map[string]int64{"m1": 3, "m2": 2}},
					},
				}, nil
			}
			return &store.SearchResponse{
				Hits: []store.Hit{
					{ID: "1", Score: 1.5, Source: map[string]interface{}{"text": "hello world", "filename": "a.txt"}},
				},
				Aggregations: map[string]store.AggregationResult{
					"embedding_models": {Buckets: map[string]int64{"m1": 3, "m2": 2}},
				},
			}, nil
		},
	}

	h := newHybrid(st, embedding.NewMockEmbedder("m1", 4))
	resp, err := h.Search(context.Background(), "hello", Identity{UserID: "u1"}, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "hello world", resp.Results[0].PageContent)
	assert.Equal(t, "a.txt", resp.Results[0].Metadata["filename"])
	assert.Equal(t, 1.5, resp.Results[0].Score)

	var finalBody map[string]interface{}
	for _, b := range st.searchCalls {
		if _, isAgg := b["aggs"].(map[string]interface{})["models"]; !isAgg {
			finalBody = b
		}
	}
	require.NotNil(t, finalBody)
	boolQuery := finalBody["query"].(map[string]interface{})["bool"].(map[string]interface{})
	should := boolQuery["should"].([]map[string]interface{})
	require.Len(t, should, 2)
	disMax := should[0]["dis_max"].(map[string]interface{})
	queries := disMax["queries"].([]map[string]interface{})
	assert.Len(t, queries, 2)
}

func TestCoerceFilters_SemanticMap_EmptyListIsImpossibleValue(t *testing.T) {
	clauses, err := coerceFilters(map[string]interface{}{
		"document_types": []interface{}{"application/pdf", "text/plain"},
		"data_sources":   []interface{}{},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 2)

	var sawTerms, sawImpossible bool
	for _, c := range clauses {
		if terms, ok := c["terms"].(map[string]interface{}); ok {
			assert.Equal(t, []string{"application/pdf", "text/plain"}, terms["mimetype"])
			sawTerms = true
		}
		if term, ok := c["term"].(map[string]interface{}); ok {
			assert.Equal(t, ImpossibleValue, term["filename"])
			sawImpossible = true
		}
	}
	assert.True(t, sawTerms)
	assert.True(t, sawImpossible)
}

func TestCoerceFilters_ExplicitForm_DropsImpossibleSentinel(t *testing.T) {
	clauses, err := coerceFilters(map[string]interface{}{
		"filter": []interface{}{
			map[string]interface{}{"term": map[string]interface{}{"owner": "alice"}},
			map[string]interface{}{"term": map[string]interface{}{"filename": ImpossibleValue}},
		},
	})
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	term := clauses[0]["term"].(map[string]interface{})
	assert.Equal(t, "alice", term["owner"])
}

func TestSearch_MissingMappingField_ReturnsEmptyWithoutError(t *testing.T) {
	st := &fakeStore{
		mapping: mappingWithFields("chunks"),
		searchFn: func(body map[string]interface{}) (*store.SearchResponse, error) {
			return &store.SearchResponse{}, nil
		},
	}
	h := newHybrid(st, embedding.NewMockEmbedder("m1", 4))

	resp, err := h.Search(context.Background(), "hello", Identity{UserID: "u1"}, Options{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Aggregations)
}

func TestSearch_FallsBackWhenNumCandidatesUnsupported(t *testing.T) {
	field1 := fields.FieldFor("m1")
	mapping := mappingWithFields("chunks", field1)

	attempt := 0
	st := &fakeStore{
		mapping: mapping,
		searchFn: func(body map[string]interface{}) (*store.SearchResponse, error) {
			if aggsBlock, ok := body["aggs"].(map[string]interface{}); ok {
				if _, isModelAgg := aggsBlock["models"]; isModelAgg {
					return &store.SearchResponse{Aggregations: map[string]store.AggregationResult{
						"models": {Buckets: map[string]int64{"m1": 1}},
					}}, nil
				}
			}
			attempt++
			if attempt == 1 {
				return nil, fmt.Errorf("illegal_argument_exception: num_candidates must be greater than k")
			}
			return &store.SearchResponse{Hits: []store.Hit{{ID: "1", Score: 1.0, Source: map[string]interface{}{"text": "ok"}}}}, nil
		},
	}

	h := newHybrid(st, embedding.NewMockEmbedder("m1", 4))
	resp, err := h.Search(context.Background(), "hello", Identity{UserID: "u1"}, Options{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 2, attempt)
}

func TestSearch_EmbeddingFailure_AllModelsFail(t *testing.T) {
	st := &fakeStore{
		mapping: mappingWithFields("chunks"),
		searchFn: func(body map[string]interface{}) (*store.SearchResponse, error) {
			return &store.SearchResponse{}, nil
		},
	}
	h := newHybrid(st, &failingEmbedder{})

	_, err := h.Search(context.Background(), "hello", Identity{UserID: "u1"}, Options{})
	require.Error(t, err)
}

func TestSearch_LogsAuditEntryOnSuccess(t *testing.T) {
	field1 := fields.FieldFor("m1")
	st := &fakeStore{
		mapping: mappingWithFields("chunks", field1),
		searchFn: func(body map[string]interface{}) (*store.SearchResponse, error) {
			if aggsBlock, ok := body["aggs"].(map[string]interface{}); ok {
				if _, isModelAgg := aggsBlock["models"]; isModelAgg {
					return &store.SearchResponse{Aggregations: map[string]store.AggregationResult{
						"models": {Buckets: map[string]int64{"m1": 1}},
					}}, nil
				}
			}
			return &store.SearchResponse{Hits: []store.Hit{{ID: "1", Score: 1.0, Source: map[string]interface{}{"text": "ok"}}}}, nil
		},
	}

	auditStore, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	h := newHybrid(st, embedding.NewMockEmbedder("m1", 4))
	h.Audit = auditStore

	_, err = h.Search(context.Background(), "hello", Identity{UserID: "u1"}, Options{})
	require.NoError(t, err)

	entries, err := auditStore.GetRecent(10, audit.ActionSearch, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

type failingEmbedder struct{}

func (f *failingEmbedder) Name() string { return "broken-model" }
func (f *failingEmbedder) Dim() int     { return 4 }
func (f *failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("upstream unavailable")
}
