package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// parseDOCX extracts text from a DOCX file. The format exposes no page
// boundaries, so the whole document is reported as a single page.
func parseDOCX(filePath string) (Result, error) {
	doc, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open DOCX file: %w", err)
	}
	defer doc.Close()

	// Extract text content
	text := doc.Editable().GetContent()

	// Strip XML tags and clean up
	text = strings.ReplaceAll(text, "</w:p>", "\n")
	text = regexp.MustCompile(`<[^>]*>`).ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, fmt.Errorf("no text extracted from DOCX: %s", filePath)
	}

	return Result{Pages: []Page{{PageNo: 0, Text: text}}}, nil
}
