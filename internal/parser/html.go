package parser

import (
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// parseHTML extracts text from an HTML file, removing script and style
// tags, and separately reports any <table> elements as Tables.
func parseHTML(filePath string) (Result, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open HTML file: %w", err)
	}
	defer file.Close()

	// Parse HTML with goquery
	doc, err := goquery.NewDocumentFromReader(file)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var tables []Table
	doc.Find("table").Each(func(i int, tbl *goquery.Selection) {
		var rows [][]string
		tbl.Find("tr").Each(func(j int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(k int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		})
		if len(rows) > 0 {
			tables = append(tables, Table{PageNo: 0, Rows: rows})
		}
		tbl.Remove()
	})

	// Remove script, style, and noscript tags before extracting text
	doc.Find("script, style, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	// Extract text content
	text := doc.Text()
	if text == "" {
		return Result{}, fmt.Errorf("no text extracted from HTML: %s", filePath)
	}

	return Result{Pages: []Page{{PageNo: 0, Text: text}}, Tables: tables}, nil
}
