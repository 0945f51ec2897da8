// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package embedding

import (
	"context"
	"fmt"
	"strings"
)

// Embedder generates vector embeddings from text. Construction-time
// wiring picks the concrete provider; there is no runtime introspection
// of "does this client support model/model_name".
type Embedder interface {
	// Name returns the model identifier this embedder produces vectors for.
	Name() string
	// Dim returns the fixed output dimensionality for this model.
	Dim() int
	// Embed embeds a batch of texts in one call.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Normalize converts an embedding model name into a URL-safe, collision
// resistant suffix: lowercase, runs of separators collapsed to a single
// underscore, trimmed. Idempotent: Normalize(Normalize(m)) == Normalize(m).
func Normalize(modelName string) string {
	out := strings.ToLower(modelName)
	var b strings.Builder
	lastWasSep := false
	for _, r := range out {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastWasSep = false
			continue
		}
		if !lastWasSep {
			b.WriteByte('_')
			lastWasSep = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// FieldFor returns the dynamic vector field name for a model, matching
// internal/fields.Registry.FieldFor (kept here too so embedding-only
// callers need not import the fields package).
func FieldFor(modelName string) string {
	return "chunk_embedding_" + Normalize(modelName)
}

// NewEmbedder builds a concrete embedder. Supported types: "openai",
// "ollama", "mock" (for testing).
func NewEmbedder(embedderType string, config map[string]string) (Embedder, error) {
	switch embedderType {
	case "openai":
		apiKey := config["api_key"]
		if apiKey == "" {
			return nil, fmt.Errorf("embedding: openai api_key is required")
		}
		model := config["model"]
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIEmbedder(apiKey, model), nil
	case "ollama":
		baseURL := config["base_url"]
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := config["model"]
		if model == "" {
			model = "nomic-embed-text"
		}
		dim := 768
		if d, ok := config["dimension"]; ok {
			fmt.Sscanf(d, "%d", &dim)
		}
		return NewOllamaEmbedder(baseURL, model, dim), nil
	case "mock":
		dim := 384
		if d, ok := config["dimension"]; ok {
			fmt.Sscanf(d, "%d", &dim)
		}
		model := config["model"]
		if model == "" {
			model = "mock-embedder"
		}
		return NewMockEmbedder(model, dim), nil
	default:
		return nil, fmt.Errorf("embedding: unknown embedder type %q", embedderType)
	}
}

// dimFor reports the known output dimensionality for common OpenAI
// models, defaulting to 1536 for unrecognised identifiers.
func dimFor(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}
