package fileproc

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SpreadsheetParser extracts cell values from XLSX workbooks. Structural
// formats carry their own encoding, so non-empty output is high confidence.
type SpreadsheetParser struct{}

func NewSpreadsheetParser() *SpreadsheetParser { return &SpreadsheetParser{} }

func (p *SpreadsheetParser) Name() string { return ParserSpreadsheet }
func (p *SpreadsheetParser) Kind() Kind   { return KindStructural }

func (p *SpreadsheetParser) Parse(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	var warnings []string
	cells := 0

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("sheet %q: %v", sheet, err))
			continue
		}
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t")
			if strings.TrimSpace(line) == "" {
				continue
			}
			sb.WriteString(line)
			sb.WriteByte('\n')
			cells += len(row)
		}
	}

	text := strings.TrimSpace(sb.String())
	confidence := 0.0
	if text != "" {
		confidence = 0.95
	}
	return Result{
		Text:       text,
		Confidence: confidence,
		Source:     p.Name(),
		Warnings:   warnings,
	}, nil
}
