// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package fields

import (
	"context"
	"fmt"

	"github.com/northbound/hivecore/internal/embedding"
	"github.com/northbound/hivecore/internal/obslog"
	"github.com/northbound/hivecore/internal/store"
)

// Registry resolves embedding model names to dynamic vector field names and
// ensures those fields exist in the search index's mapping.
type Registry struct {
	index  string
	method store.VectorMethod
}

// New constructs a Registry targeting the given index, using the default
// vector method (disk_ann/jvector/l2) unless overridden.
func New(index string, method store.VectorMethod) *Registry {
	return &Registry{index: index, method: method}
}

// FieldFor returns the dynamic vector field name for a model. Identical to
// embedding.FieldFor; kept here so store-facing callers need not import the
// embedding package just for field naming.
func FieldFor(modelName string) string {
	return embedding.FieldFor(modelName)
}

// Ensure idempotently declares FieldFor(model) as a knn_vector field with
// the given dimension, plus keyword embedding_model and integer
// embedding_dimensions tracking fields. "Field already exists" / "mapper
// parsing" errors from the store are treated as success; other errors
// propagate.
func (r *Registry) Ensure(ctx context.Context, client store.Client, model string, dim int) (string, error) {
	field := FieldFor(model)

	obslog.Infof("fields: ensuring %s exists for model %s (dim=%d)", field, model, dim)

	body := map[string]interface{}{
		"properties": map[string]interface{}{
			field:                  store.VectorFieldMapping(dim, r.method),
			"embedding_model":      map[string]interface{}{"type": "keyword"},
			"embedding_dimensions": map[string]interface{}{"type": "integer"},
		},
	}

	err := client.IndicesPutMapping(ctx, r.index, body)
	if err == nil {
		obslog.Infof("fields: ensured %s for model %s", field, model)
		return field, nil
	}
	if store.IsAlreadyExists(err) {
		obslog.Debugf("fields: %s already exists for model %s (expected)", field, model)
		return field, nil
	}
	return "", fmt.Errorf("fields: ensure %s: %w", field, err)
}

// FieldIsVector inspects a get-mapping response and reports whether field is
// declared as a knn_vector, used by HybridSearch to drop stale model
// candidates.
func FieldIsVector(mapping map[string]interface{}, index, field string) bool {
	idx, ok := mapping[index].(map[string]interface{})
	if !ok {
		return false
	}
	mappings, ok := idx["mappings"].(map[string]interface{})
	if !ok {
		return false
	}
	props, ok := mappings["properties"].(map[string]interface{})
	if !ok {
		return false
	}
	prop, ok := props[field].(map[string]interface{})
	if !ok {
		return false
	}
	t, _ := prop["type"].(string)
	return t == "knn_vector"
}
