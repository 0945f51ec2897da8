// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package localsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbound/hivecore/internal/audit"
	"github.com/northbound/hivecore/internal/embedding"
	"github.com/northbound/hivecore/internal/fields"
	"github.com/northbound/hivecore/internal/ingest"
	"github.com/northbound/hivecore/internal/parser"
	"github.com/northbound/hivecore/internal/store"
)

type stubStore struct {
	store.Client
	indexed map[string]map[string]interface{}
}

func (s *stubStore) Exists(ctx context.Context, index, id string) (bool, error) {
	_, ok := s.indexed[id]
	return ok, nil
}
func (s *stubStore) Index(ctx context.Context, index, id string, body map[string]interface{}) error {
	s.indexed[id] = body
	return nil
}
func (s *stubStore) IndicesPutMapping(ctx context.Context, index string, body map[string]interface{}) error {
	return nil
}

func newTestPipeline(st *stubStore) *ingest.Pipeline {
	return &ingest.Pipeline{
		Store:          st,
		Registry:       fields.New("chunks", store.DefaultVectorMethod()),
		Parser:         parser.New(),
		Embedder:       embedding.NewMockEmbedder("m1", 4),
		Index:          "chunks",
		MaxBatchTokens: 8000,
	}
}

func TestSource_Walk_IngestsSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("hello from disk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 0x50}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "~$lock.docx"), []byte("junk"), 0o644))

	st := &stubStore{indexed: map[string]map[string]interface{}{}}
	src := &Source{Pipeline: newTestPipeline(st), Paths: []string{dir}, Identity: ingest.Identity{OwnerUserID: "u1"}}

	results := src.Walk(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, ingest.StatusIndexed, results[0].Status)
	assert.NoError(t, results[0].Err)
	assert.Len(t, st.indexed, 1)
}

func TestSource_Walk_SkipsUnsupportedAndTempFiles(t *testing.T) {
	assert.False(t, shouldConsider("/tmp/image.png"))
	assert.False(t, shouldConsider("/tmp/~$lock.docx"))
	assert.True(t, shouldConsider("/tmp/report.pdf"))
}

func TestSource_Walk_DedupsOnSecondPass(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("same content"), 0o644))

	st := &stubStore{indexed: map[string]map[string]interface{}{}}
	src := &Source{Pipeline: newTestPipeline(st), Paths: []string{dir}}

	first := src.Walk(context.Background())
	require.Len(t, first, 1)
	assert.Equal(t, ingest.StatusIndexed, first[0].Status)

	second := src.Walk(context.Background())
	require.Len(t, second, 1)
	assert.Equal(t, ingest.StatusUnchanged, second[0].Status)
}

func TestSource_Walk_LogsAuditEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("audited content"), 0o644))

	st := &stubStore{indexed: map[string]map[string]interface{}{}}
	auditStore, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	src := &Source{
		Pipeline: newTestPipeline(st),
		Paths:    []string{dir},
		Identity: ingest.Identity{OwnerUserID: "u1"},
		Audit:    auditStore,
	}
	src.Walk(context.Background())

	entries, err := auditStore.GetRecent(10, audit.ActionIngest, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSource_Watch_IngestsNewFileAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	st := &stubStore{indexed: map[string]map[string]interface{}{}}
	src := &Source{
		Pipeline: newTestPipeline(st),
		Paths:    []string{dir},
		Debounce: 20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		src.Watch(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "live.txt"), []byte("watched content"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(st.indexed) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.NotEmpty(t, st.indexed)

	cancel()
	<-done
}
