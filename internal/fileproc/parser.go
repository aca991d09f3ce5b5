package fileproc

import (
	"context"
	"time"
)

// Parser names used in strategies and attempt logs.
const (
	ParserSpreadsheet = "spreadsheet"
	ParserOffice      = "office-doc"
	ParserDelimited   = "delimited-text"
	ParserPlainText   = "plain-text"
	ParserPDF         = "pdf-text"
	ParserOCR         = "ocr"
)

// Kind tags the closed set of parser variants.
type Kind string

const (
	KindStructural Kind = "structural"
	KindTextual    Kind = "textual"
	KindOCR        Kind = "ocr"
)

// Result is one extraction outcome. Format is filled in by the processor
// from detection so callers can distinguish an unsupported upload from an
// unreadable one.
type Result struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source"`
	Format     FileFormat `json:"format,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
	Errors     []string   `json:"errors,omitempty"`
}

// Parser attempts extraction from raw bytes and reports a confidence score.
type Parser interface {
	Name() string
	Kind() Kind
	Parse(ctx context.Context, data []byte) (Result, error)
}

// Attempt is one entry of the per-run attempt log, the primary debugging
// artifact when extraction accuracy regresses.
type Attempt struct {
	Source     string
	Outcome    string // "ok", "low_confidence", "empty", "error"
	Confidence float64
	Duration   time.Duration
	Err        string
}
