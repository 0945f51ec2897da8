// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package parser

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Page is one page (or page-equivalent unit) of extracted text. PageNo is
// 0 for formats with no page concept (plain text, DOCX, a single HTML
// document, an email body); real page numbers start at 1.
type Page struct {
	PageNo int
	Text   string
}

// Table is a single extracted table, rendered as rows of cell values.
type Table struct {
	PageNo int
	Rows   [][]string
}

// Result is the DocumentParser contract: per-page text plus per-table rows,
// kept separate so the ingestion pipeline can render tables as their own
// chunks.
type Result struct {
	Pages  []Page
	Tables []Table
}

// Parser parses a file on disk (by path) into a Result. Implementations are
// CPU-bound and expected to run inside an isolated worker.
type Parser interface {
	Parse(filePath string) (Result, error)
}

type dispatchFunc func(filePath string) (Result, error)

var dispatch = map[string]dispatchFunc{
	".pdf":  parsePDF,
	".docx": parseDOCX,
	".txt":  parseText,
	".md":   parseText,
	".xlsx": parseExcel,
	".xls":  parseExcel,
	".html": parseHTML,
	".htm":  parseHTML,
	".eml":  parseEmail,
}

// dispatcher routes Parse calls by file extension.
type dispatcher struct{}

// New returns the default extension-routing Parser.
func New() Parser { return dispatcher{} }

func (dispatcher) Parse(filePath string) (Result, error) {
	return ParseFile(filePath)
}

// ParseFile routes a file to the appropriate parser based on its extension.
func ParseFile(filePath string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	fn, ok := dispatch[ext]
	if !ok {
		return Result{}, fmt.Errorf("unsupported file type: %s", ext)
	}

	result, err := fn(filePath)
	if err != nil {
		return Result{}, err
	}

	totalChars := 0
	for _, p := range result.Pages {
		totalChars += len(p.Text)
	}
	fmt.Printf("[TEXT EXTRACT] %s: %d characters across %d pages, %d tables\n",
		filePath, totalChars, len(result.Pages), len(result.Tables))

	return result, nil
}

// IsSupportedFile checks if a file extension is supported
func IsSupportedFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	_, ok := dispatch[ext]
	return ok
}

// IsTemporaryFile checks if a file is a temporary file (e.g., ~$doc.docx)
func IsTemporaryFile(filePath string) bool {
	base := filepath.Base(filePath)
	// Check for common temporary file patterns
	if strings.HasPrefix(base, "~$") {
		return true
	}
	if strings.HasPrefix(base, "._") {
		return true
	}
	if strings.HasSuffix(base, ".tmp") {
		return true
	}
	return false
}

// TableRows renders a table's rows as tab-separated lines, one per row.
func TableRows(t Table) string {
	lines := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		lines = append(lines, strings.Join(row, "\t"))
	}
	return strings.Join(lines, "\n")
}
