// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "text_embedding_3_large", Normalize("text-embedding-3-large"))
	assert.Equal(t, "nomic_embed_text", Normalize("nomic-embed-text"))
	assert.Equal(t, "all_minilm_l6_v2", Normalize("All-MiniLM-L6-v2"))
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, m := range []string{"text-embedding-3-large", "nomic-embed-text", "already_normal"} {
		once := Normalize(m)
		twice := Normalize(once)
		assert.Equal(t, once, twice)
	}
}

func TestFieldFor(t *testing.T) {
	assert.Equal(t, "chunk_embedding_text_embedding_3_small", FieldFor("text-embedding-3-small"))
}

func TestNewEmbedder_Mock(t *testing.T) {
	e, err := NewEmbedder("mock", map[string]string{"dimension": "16"})
	require.NoError(t, err)
	assert.Equal(t, 16, e.Dim())

	vecs, err := e.Embed(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 16)
}

func TestNewEmbedder_MockDeterministic(t *testing.T) {
	e, err := NewEmbedder("mock", map[string]string{"dimension": "8"})
	require.NoError(t, err)

	v1, err := e.Embed(context.Background(), []string{"same text"})
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), []string{"same text"})
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestNewEmbedder_OpenAIRequiresKey(t *testing.T) {
	_, err := NewEmbedder("openai", map[string]string{})
	assert.Error(t, err)
}

func TestNewEmbedder_Unknown(t *testing.T) {
	_, err := NewEmbedder("bogus", nil)
	assert.Error(t, err)
}

func TestDimFor(t *testing.T) {
	assert.Equal(t, 3072, dimFor("text-embedding-3-large"))
	assert.Equal(t, 1536, dimFor("text-embedding-3-small"))
	assert.Equal(t, 1536, dimFor("unknown-model"))
}
