// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package fields

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound/hivecore/internal/store"
)

type stubClient struct {
	store.Client
	putMappingErr error
	lastBody      map[string]interface{}
}

func (s *stubClient) IndicesPutMapping(ctx context.Context, index string, body map[string]interface{}) error {
	s.lastBody = body
	return s.putMappingErr
}

func TestEnsure_Success(t *testing.T) {
	r := New("chunks", store.DefaultVectorMethod())
	c := &stubClient{}

	field, err := r.Ensure(context.Background(), c, "text-embedding-3-small", 1536)
	require.NoError(t, err)
	assert.Equal(t, "chunk_embedding_text_embedding_3_small", field)

	props := c.lastBody["properties"].(map[string]interface{})
	vecField := props[field].(map[string]interface{})
	assert.Equal(t, "knn_vector", vecField["type"])
	assert.Equal(t, 1536, vecField["dimension"])
}

func TestEnsure_AlreadyExistsIsSuccess(t *testing.T) {
	r := New("chunks", store.DefaultVectorMethod())
	c := &stubClient{putMappingErr: errors.New("mapper_parsing_exception: field already exists")}

	field, err := r.Ensure(context.Background(), c, "nomic-embed-text", 768)
	require.NoError(t, err)
	assert.Equal(t, "chunk_embedding_nomic_embed_text", field)
}

func TestEnsure_OtherErrorsPropagate(t *testing.T) {
	r := New("chunks", store.DefaultVectorMethod())
	c := &stubClient{putMappingErr: errors.New("connection refused")}

	_, err := r.Ensure(context.Background(), c, "nomic-embed-text", 768)
	assert.Error(t, err)
}

func TestFieldIsVector(t *testing.T) {
	mapping := map[string]interface{}{
		"chunks": map[string]interface{}{
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"chunk_embedding_nomic_embed_text": map[string]interface{}{"type": "knn_vector"},
					"text":                              map[string]interface{}{"type": "text"},
				},
			},
		},
	}

	assert.True(t, FieldIsVector(mapping, "chunks", "chunk_embedding_nomic_embed_text"))
	assert.False(t, FieldIsVector(mapping, "chunks", "text"))
	assert.False(t, FieldIsVector(mapping, "chunks", "missing_field"))
}
