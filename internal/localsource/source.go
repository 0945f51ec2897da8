// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package localsource implements the recursive path-walk ingestion
// source: a one-shot walk over configured directories plus an optional
// fsnotify-driven watch mode that re-ingests files on change.
package localsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/northbound/hivecore/internal/audit"
	"github.com/northbound/hivecore/internal/ingest"
	"github.com/northbound/hivecore/internal/obslog"
	"github.com/northbound/hivecore/internal/parser"
)

// defaultDebounce is the default coalescing window for rapid successive
// writes to the same path.
const defaultDebounce = 500 * time.Millisecond

// Source recursively ingests files under a set of root paths through a
// shared pipeline. Pipeline.Ingest already content-hashes and skips
// unchanged documents, so Source carries no ingestion-state database of
// its own — it only decides which paths are worth handing to the
// pipeline at all (supported extension, not a temp file).
type Source struct {
	Pipeline *ingest.Pipeline
	Paths    []string
	Identity ingest.Identity
	Debounce time.Duration

	// Audit, if set, receives one entry per file ingested by this
	// source. Nil is valid and simply skips auditing.
	Audit *audit.Store

	mu        sync.Mutex
	debouncer *debouncer
	watchers  map[string]*fsnotify.Watcher
	wg        sync.WaitGroup
}

// WalkResult reports what happened to one file during a walk or watch
// event.
type WalkResult struct {
	Path   string
	Status ingest.Status
	Err    error
}

// Walk performs one pass over all configured root paths, ingesting every
// supported, non-temporary file found. It does not watch for further
// changes; call Watch for that.
func (s *Source) Walk(ctx context.Context) []WalkResult {
	var results []WalkResult
	for _, root := range s.Paths {
		results = append(results, s.walkOne(ctx, root)...)
	}
	return results
}

func (s *Source) walkOne(ctx context.Context, root string) []WalkResult {
	var results []WalkResult
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !shouldConsider(path) {
			return nil
		}
		results = append(results, s.ingestPath(ctx, path))
		return nil
	})
	if err != nil {
		results = append(results, WalkResult{Path: root, Err: fmt.Errorf("walk %s: %w", root, err)})
	}
	return results
}

// shouldConsider is the one filtering decision Source makes on its own:
// skip unsupported extensions and editor/OS temp files before they ever
// reach the pipeline.
func shouldConsider(path string) bool {
	if parser.IsTemporaryFile(path) {
		return false
	}
	return parser.IsSupportedFile(path)
}

func (s *Source) ingestPath(ctx context.Context, path string) WalkResult {
	src := ingest.Source{Path: path, DisplayName: filepath.Base(path)}
	info, statErr := os.Stat(path)
	prov := ingest.Provenance{ConnectorType: "local_path"}
	if statErr == nil {
		prov.ModifiedTime = info.ModTime().Format(time.RFC3339)
	}

	out, err := s.Pipeline.Ingest(ctx, src, s.Identity, prov)
	if err != nil {
		obslog.Warnf("localsource: ingest %s failed: %v", path, err)
		return WalkResult{Path: path, Err: err}
	}
	obslog.Infof("localsource: %s -> %s (%s)", path, out.Status, out.DocumentID)
	if s.Audit != nil {
		details := fmt.Sprintf("file=%s status=%s", path, out.Status)
		if err := s.Audit.Log(s.Identity.OwnerUserID, audit.ActionIngest, details); err != nil {
			obslog.Warnf("localsource: audit log failed: %v", err)
		}
	}
	return WalkResult{Path: path, Status: out.Status}
}

// Watch starts an fsnotify-backed watch over every configured root path
// (recursively, including directories created after Watch starts),
// debouncing rapid successive writes to the same file before ingesting
// it. Watch blocks until ctx is cancelled.
func (s *Source) Watch(ctx context.Context) error {
	delay := s.Debounce
	if delay <= 0 {
		delay = defaultDebounce
	}

	s.mu.Lock()
	s.watchers = make(map[string]*fsnotify.Watcher)
	s.debouncer = newDebouncer(delay, func(path string) {
		s.ingestPath(ctx, path)
	})
	s.mu.Unlock()

	for _, root := range s.Paths {
		if err := s.addWatchPath(root); err != nil {
			obslog.Warnf("localsource: failed to watch %s: %v", root, err)
		}
	}

	<-ctx.Done()

	s.mu.Lock()
	s.debouncer.stop()
	for path, w := range s.watchers {
		if err := w.Close(); err != nil {
			obslog.Warnf("localsource: error closing watcher for %s: %v", path, err)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return ctx.Err()
}

func (s *Source) addWatchPath(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", root, err)
	}

	if _, err := os.Stat(absRoot); os.IsNotExist(err) {
		if err := os.MkdirAll(absRoot, 0o755); err != nil {
			return fmt.Errorf("create watch root %s: %w", absRoot, err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	err = filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.Add(path); err != nil {
				obslog.Warnf("localsource: failed to watch dir %s: %v", path, err)
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("walk %s: %w", absRoot, err)
	}

	s.mu.Lock()
	s.watchers[absRoot] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processEvents(absRoot, w)

	for _, r := range s.walkOne(context.Background(), absRoot) {
		_ = r
	}
	return nil
}

func (s *Source) processEvents(root string, w *fsnotify.Watcher) {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.Add(event.Name); err != nil {
						obslog.Warnf("localsource: failed to watch new dir %s: %v", event.Name, err)
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !shouldConsider(event.Name) {
				continue
			}
			s.mu.Lock()
			d := s.debouncer
			s.mu.Unlock()
			if d != nil {
				d.trigger(event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			obslog.Warnf("localsource: watcher error for %s: %v", root, err)
		}
	}
}
