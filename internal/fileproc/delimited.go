package fileproc

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
)

// DelimitedParser handles CSV/TSV exports, the common shape for utility
// billing and meter data dumps.
type DelimitedParser struct{}

func NewDelimitedParser() *DelimitedParser { return &DelimitedParser{} }

func (p *DelimitedParser) Name() string { return ParserDelimited }
func (p *DelimitedParser) Kind() Kind   { return KindTextual }

func (p *DelimitedParser) Parse(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	sep := sniffSeparator(firstLine(data))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sep
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return Result{}, fmt.Errorf("parse delimited text: %w", err)
	}

	var sb strings.Builder
	columnCounts := map[int]int{}
	for _, record := range records {
		line := strings.TrimSpace(strings.Join(record, "\t"))
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		columnCounts[len(record)]++
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Result{Source: p.Name()}, nil
	}

	// Tabular data with consistent column counts is almost certainly a real
	// export; a ragged single column reads more like free text.
	confidence := 0.5
	if len(columnCounts) == 1 && len(records) > 1 {
		for cols := range columnCounts {
			if cols > 1 {
				confidence = 0.9
			}
		}
	} else if len(columnCounts) <= 3 {
		confidence = 0.7
	}

	return Result{Text: text, Confidence: confidence, Source: p.Name()}, nil
}

func sniffSeparator(line string) rune {
	counts := map[rune]int{',': 0, ';': 0, '\t': 0, '|': 0}
	for _, r := range line {
		if _, ok := counts[r]; ok {
			counts[r]++
		}
	}
	best, bestCount := ',', 0
	for sep, n := range counts {
		if n > bestCount {
			best, bestCount = sep, n
		}
	}
	return best
}
