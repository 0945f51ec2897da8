// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/northbound/hivecore/internal/corekit"
	"github.com/northbound/hivecore/internal/embedding"
	"github.com/northbound/hivecore/internal/fields"
	"github.com/northbound/hivecore/internal/hasher"
	"github.com/northbound/hivecore/internal/obslog"
	"github.com/northbound/hivecore/internal/parser"
	"github.com/northbound/hivecore/internal/store"
)

const (
	existsRetries  = 3
	embedRetries   = 3
	embedBackoffCap = 8 * time.Second
)

var existsBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Pipeline implements per-file ingestion: dedup, parse, batch-embed, index.
// It depends only on Store and the Registry (which itself depends only on
// Store) — never the reverse — keeping the dependency graph one-way.
type Pipeline struct {
	Store          store.Client
	Registry       *fields.Registry
	Parser         parser.Parser
	Embedder       embedding.Embedder
	Index          string
	MaxBatchTokens int
}

// Ingest runs the full pipeline for one source.
func (p *Pipeline) Ingest(ctx context.Context, src Source, identity Identity, prov Provenance) (Outcome, error) {
	docID, err := p.hash(src)
	if err != nil {
		return Outcome{}, corekit.Wrap(corekit.InvalidInputKind, "ingest: hash source", err)
	}

	exists, err := p.existsWithRetry(ctx, docID)
	if err != nil {
		return Outcome{}, err
	}
	if exists {
		obslog.Debugf("ingest: %s unchanged (dedup hit)", docID)
		return Outcome{Status: StatusUnchanged, DocumentID: docID}, nil
	}

	result, err := p.parse(src)
	if err != nil {
		return Outcome{}, corekit.Wrap(corekit.InvalidInputKind, "ingest: parse", err)
	}

	texts, pages := flattenChunks(result)
	if len(texts) == 0 {
		return Outcome{}, corekit.New(corekit.InvalidInputKind, "ingest: document produced no chunks")
	}

	splitter := NewTokenSplitter(p.Embedder.Name(), p.MaxBatchTokens)
	texts, pages = splitOversizedChunks(splitter, texts, pages)

	dim := p.Embedder.Dim()
	if _, err := p.Registry.Ensure(ctx, p.Store, p.Embedder.Name(), dim); err != nil {
		return Outcome{}, corekit.Wrap(corekit.StoreErrorKind, "ingest: ensure embedding field", err)
	}

	vectors, err := p.embedBatched(ctx, splitter, texts)
	if err != nil {
		return Outcome{}, corekit.Wrap(corekit.EmbeddingUnavailableKind, "ingest: embed", err)
	}

	if err := p.writeChunks(ctx, docID, texts, pages, vectors, identity, prov); err != nil {
		return Outcome{}, corekit.Wrap(corekit.StoreErrorKind, "ingest: index", err)
	}

	obslog.Infof("ingest: indexed %s (%d chunks)", docID, len(texts))
	return Outcome{Status: StatusIndexed, DocumentID: docID}, nil
}

func (p *Pipeline) hash(src Source) (string, error) {
	if src.Bytes != nil {
		return hasher.HashID(src.Bytes, hasher.Option{IncludeName: src.DisplayName})
	}
	f, err := os.Open(src.Path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	return hasher.HashID(f, hasher.Option{IncludeName: src.DisplayName})
}

// existsWithRetry implements the dedup check's conservative fallback:
// transient errors retry up to 3x with backoff 1s/2s/4s, then are treated
// as "not exists" so ingestion proceeds rather than silently stalling.
func (p *Pipeline) existsWithRetry(ctx context.Context, docID string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < existsRetries; attempt++ {
		exists, err := p.Store.Exists(ctx, p.Index, docID+"_0")
		if err == nil {
			return exists, nil
		}
		lastErr = err
		if attempt < len(existsBackoff) {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(existsBackoff[attempt]):
			}
		}
	}
	obslog.Warnf("ingest: dedup check failed after retries, treating %s as not-exists: %v", docID, lastErr)
	return false, nil
}

// parse dispatches to the DocumentParser. Every concrete format parser in
// this module reads from a path (go-fitz, the docx/excelize libraries all
// expect a file on disk), so in-memory uploads are first materialized to a
// temp file carrying the original extension.
func (p *Pipeline) parse(src Source) (parser.Result, error) {
	if src.Path != "" {
		return p.Parser.Parse(src.Path)
	}
	if src.Bytes == nil {
		return parser.Result{}, fmt.Errorf("ingest: source has neither path nor bytes")
	}

	tmpPath, err := materializeTemp(src.Bytes, src.DisplayName)
	if err != nil {
		return parser.Result{}, fmt.Errorf("materialize upload: %w", err)
	}
	defer os.Remove(tmpPath)

	return p.Parser.Parse(tmpPath)
}

func materializeTemp(r interface{ Read([]byte) (int, error) }, displayName string) (string, error) {
	if seeker, ok := r.(interface {
		Seek(int64, int) (int64, error)
	}); ok {
		seeker.Seek(0, 0)
	}

	ext := ""
	if idx := strings.LastIndexByte(displayName, '.'); idx >= 0 {
		ext = displayName[idx:]
	}

	tmp, err := os.CreateTemp("", "ingest-upload-*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				return "", writeErr
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return "", readErr
			}
			break
		}
	}
	return tmp.Name(), nil
}

// flattenChunks orders pages first (by PageNo, input order), then tables,
// matching step 4's "page-ordered, then table-ordered" rule.
func flattenChunks(r parser.Result) (texts []string, pages []int) {
	for _, pg := range r.Pages {
		texts = append(texts, pg.Text)
		pages = append(pages, pg.PageNo)
	}
	for _, tbl := range r.Tables {
		texts = append(texts, parser.TableRows(tbl))
		pages = append(pages, tbl.PageNo)
	}
	return texts, pages
}

// splitOversizedChunks expands any chunk whose token count exceeds the
// batch limit into multiple chunks, each preserving the source page.
func splitOversizedChunks(s *TokenSplitter, texts []string, pages []int) ([]string, []int) {
	var outTexts []string
	var outPages []int
	for i, text := range texts {
		pieces := s.SplitOversized(text)
		for _, piece := range pieces {
			outTexts = append(outTexts, piece)
			outPages = append(outPages, pages[i])
		}
	}
	return outTexts, outPages
}

// embedBatched batches texts under the token limit and embeds each batch,
// retrying transient failures up to 3x with exponential backoff capped at 8s.
func (p *Pipeline) embedBatched(ctx context.Context, splitter *TokenSplitter, texts []string) ([][]float32, error) {
	batches := splitter.Batch(texts)
	vectors := make([][]float32, len(texts))

	for _, batch := range batches {
		batchTexts := make([]string, len(batch))
		for i, idx := range batch {
			batchTexts[i] = texts[idx]
		}

		result, err := p.embedWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, err
		}
		for i, idx := range batch {
			vectors[idx] = result[i]
		}
	}
	return vectors, nil
}

func (p *Pipeline) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := 1 * time.Second
	var lastErr error
	for attempt := 0; attempt < embedRetries; attempt++ {
		vectors, err := p.Embedder.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if attempt < embedRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > embedBackoffCap {
				backoff = embedBackoffCap
			}
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", embedRetries, lastErr)
}

// writeChunks assembles and writes each chunk document. Chunk i gets
// chunk_id = doc_id + "_" + i.
func (p *Pipeline) writeChunks(ctx context.Context, docID string, texts []string, pages []int, vectors [][]float32, identity Identity, prov Provenance) error {
	field := fields.FieldFor(p.Embedder.Name())
	now := time.Now().UTC().Format(time.RFC3339)

	for i, text := range texts {
		chunkID := fmt.Sprintf("%s_%d", docID, i)

		body := map[string]interface{}{
			"document_id":          docID,
			"ordinal":              i,
			"text":                 text,
			"embedding_model":      p.Embedder.Name(),
			"embedding_dimensions": p.Embedder.Dim(),
			field:                  vectors[i],
			"indexed_time":         now,
			"connector_type":       nonEmpty(prov.ConnectorType, "local"),
		}
		if pages[i] > 0 {
			body["page"] = pages[i]
		}
		if prov.SourceURL != "" {
			body["source_url"] = prov.SourceURL
		}
		if prov.CreatedTime != "" {
			body["created_time"] = prov.CreatedTime
		}
		if prov.ModifiedTime != "" {
			body["modified_time"] = prov.ModifiedTime
		}
		if identity.OwnerUserID != "" {
			body["owner"] = identity.OwnerUserID
		}
		if prov.ACL != nil {
			if len(prov.ACL.AllowedUsers) > 0 {
				body["allowed_users"] = prov.ACL.AllowedUsers
			}
			if len(prov.ACL.AllowedGroups) > 0 {
				body["allowed_groups"] = prov.ACL.AllowedGroups
			}
			if len(prov.ACL.UserPermissions) > 0 {
				body["user_permissions"] = prov.ACL.UserPermissions
			}
			if len(prov.ACL.GroupPermissions) > 0 {
				body["group_permissions"] = prov.ACL.GroupPermissions
			}
		}

		if err := p.Store.Index(ctx, p.Index, chunkID, body); err != nil {
			return fmt.Errorf("write chunk %s: %w", chunkID, err)
		}
	}
	return nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
