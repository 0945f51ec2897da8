package parser

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// parseExcel extracts text from an Excel file using a "markdownification"
// strategy per sheet, and also reports each sheet's raw rows as a Table so
// the ingestion pipeline can additionally emit a tab-separated table chunk.
func parseExcel(filePath string) (Result, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheetList := f.GetSheetList()
	if len(sheetList) == 0 {
		return Result{}, fmt.Errorf("no sheets found in Excel file: %s", filePath)
	}

	var pages []Page
	var tables []Table

	for sheetIdx, sheetName := range sheetList {
		pageNo := sheetIdx + 1
		var builder strings.Builder
		builder.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))

		rows, err := f.GetRows(sheetName)
		if err != nil {
			// Skip this sheet if we can't read it (e.g., password protected)
			builder.WriteString(fmt.Sprintf("(Unable to read sheet %s: %v)\n", sheetName, err))
			pages = append(pages, Page{PageNo: pageNo, Text: strings.TrimSpace(builder.String())})
			continue
		}

		if len(rows) == 0 {
			continue
		}

		headers := rows[0]
		if len(headers) == 0 {
			continue
		}

		for rowIdx := 1; rowIdx < len(rows); rowIdx++ {
			row := rows[rowIdx]

			// Build row text: "Row [X]: [Header 1]: [Value], [Header 2]: [Value]..."
			rowParts := []string{}
			for colIdx, header := range headers {
				if colIdx < len(row) && row[colIdx] != "" {
					value := strings.TrimSpace(row[colIdx])
					if value != "" {
						headerName := strings.TrimSpace(header)
						if headerName == "" {
							headerName = fmt.Sprintf("Column %d", colIdx+1)
						}
						rowParts = append(rowParts, fmt.Sprintf("%s: %s", headerName, value))
					}
				}
			}

			if len(rowParts) > 0 {
				builder.WriteString(fmt.Sprintf("Row %d: %s\n", rowIdx+1, strings.Join(rowParts, ", ")))
			}
		}

		text := strings.TrimSpace(builder.String())
		if text != "" {
			pages = append(pages, Page{PageNo: pageNo, Text: text})
		}
		tables = append(tables, Table{PageNo: pageNo, Rows: rows})
	}

	if len(pages) == 0 {
		return Result{}, fmt.Errorf("no content extracted from Excel file: %s", filePath)
	}

	return Result{Pages: pages, Tables: tables}, nil
}
