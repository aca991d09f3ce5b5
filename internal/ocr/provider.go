// Package ocr provides text recognition over image and scanned-document
// bytes through a prioritized cascade of providers.
package ocr

import (
	"context"
	"time"
)

// Word is a recognized token with its confidence, when the backend reports
// word-level detail.
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is one provider's recognition output.
type Result struct {
	Text             string        `json:"text"`
	Confidence       float64       `json:"confidence"`
	Words            []Word        `json:"words,omitempty"`
	Source           string        `json:"source"`
	ProcessingTime   time.Duration `json:"-"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
}

// Provider is one OCR backend.
type Provider interface {
	// Name identifies the provider in results and attempt logs.
	Name() string
	// Available reports whether the provider is configured and reachable
	// enough to be worth trying (credentials present, binary installed).
	Available() bool
	// Recognize extracts text from image bytes.
	Recognize(ctx context.Context, data []byte) (Result, error)
}
