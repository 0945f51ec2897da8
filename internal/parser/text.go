// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package parser

import (
	"fmt"
	"os"
)

// parseText extracts text from plain text files (.txt, .md)
func parseText(filePath string) (Result, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read text file: %w", err)
	}

	text := string(content)
	if text == "" {
		return Result{}, fmt.Errorf("no content in text file: %s", filePath)
	}

	return Result{Pages: []Page{{PageNo: 0, Text: text}}}, nil
}
