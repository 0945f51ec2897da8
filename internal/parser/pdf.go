// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package parser

import (
	"fmt"

	"github.com/gen2brain/go-fitz"
)

// parsePDF extracts per-page text from a PDF file using go-fitz (MuPDF)
// API reference: https://pkg.go.dev/github.com/gen2brain/go-fitz
func parsePDF(filePath string) (Result, error) {
	// New creates a new Document from a file path
	doc, err := fitz.New(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	numPages := doc.NumPage()
	pages := make([]Page, 0, numPages)

	for i := 0; i < numPages; i++ {
		pageText, err := doc.Text(i)
		if err != nil {
			// Log error but continue with other pages
			continue
		}
		pages = append(pages, Page{PageNo: i + 1, Text: pageText})
	}

	if len(pages) == 0 {
		return Result{}, fmt.Errorf("no text extracted from PDF: %s", filePath)
	}

	return Result{Pages: pages}, nil
}
