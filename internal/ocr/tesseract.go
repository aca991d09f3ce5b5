package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractProvider runs the local Tesseract engine through gosseract. It is
// the offline fallback: free, slower, and less accurate on noisy scans than
// the cloud backend.
type TesseractProvider struct {
	lang string
}

// NewTesseractProvider builds the local provider. An empty lang defaults to
// English.
func NewTesseractProvider(lang string) *TesseractProvider {
	if lang == "" {
		lang = "eng"
	}
	return &TesseractProvider{lang: lang}
}

func (p *TesseractProvider) Name() string { return "tesseract" }

// Available always reports true; the local engine needs no credentials.
func (p *TesseractProvider) Available() bool { return true }

func (p *TesseractProvider) Recognize(ctx context.Context, data []byte) (Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.lang); err != nil {
		return Result{}, fmt.Errorf("set language %q: %w", p.lang, err)
	}
	if err := client.SetImageFromBytes(preprocessImage(data)); err != nil {
		return Result{}, fmt.Errorf("set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return Result{}, fmt.Errorf("tesseract recognize: %w", err)
	}

	elapsed := time.Since(start)
	return Result{
		Text:             text,
		Confidence:       textConfidence(text),
		Source:           p.Name(),
		ProcessingTime:   elapsed,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}
