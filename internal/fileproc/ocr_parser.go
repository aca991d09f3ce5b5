package fileproc

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"docpipeline/internal/ocr"
)

// Recognizer is the slice of the OCR orchestrator the cascade depends on.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, opts ocr.RecognizeOptions, observe ocr.AttemptObserver) (ocr.Result, error)
}

// OCRParser adapts the multi-provider OCR orchestrator into the parser
// cascade. It is the last resort for structural formats and the first choice
// for images and scans.
type OCRParser struct {
	recognizer    Recognizer
	minConfidence float64
	observe       ocr.AttemptObserver
}

func NewOCRParser(recognizer Recognizer, minConfidence float64, observe ocr.AttemptObserver) *OCRParser {
	return &OCRParser{recognizer: recognizer, minConfidence: minConfidence, observe: observe}
}

func (p *OCRParser) Name() string { return ParserOCR }
func (p *OCRParser) Kind() Kind   { return KindOCR }

func (p *OCRParser) Parse(ctx context.Context, data []byte) (Result, error) {
	// OCR engines consume images, not PDF containers. Scanned PDFs carry
	// their pages as embedded JPEGs; recognize those instead.
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return p.recognizePDF(ctx, data)
	}

	res, err := p.recognize(ctx, data)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:       res.Text,
		Confidence: res.Confidence,
		Source:     ParserOCR + ":" + res.Source,
	}, nil
}

func (p *OCRParser) recognize(ctx context.Context, data []byte) (ocr.Result, error) {
	return p.recognizer.Recognize(ctx, data, ocr.RecognizeOptions{
		PreferredProvider: ocr.ProviderAuto,
		EnableFallback:    true,
		MinConfidence:     p.minConfidence,
	}, p.observe)
}

// recognizePDF runs recognition over each embedded page image and merges the
// page texts. The combined confidence is the text-length-weighted mean so a
// short garbled page cannot sink an otherwise clean document.
func (p *OCRParser) recognizePDF(ctx context.Context, data []byte) (Result, error) {
	images := pdfEmbeddedImages(data)
	if len(images) == 0 {
		return Result{}, errors.New("pdf has no text layer and no recognizable page images")
	}

	var (
		pages       []string
		weightedSum float64
		totalLen    int
		source      string
		errs        []error
	)
	for _, img := range images {
		if ctx.Err() != nil {
			break
		}
		res, err := p.recognize(ctx, img)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if strings.TrimSpace(res.Text) == "" {
			continue
		}
		pages = append(pages, res.Text)
		weightedSum += res.Confidence * float64(len(res.Text))
		totalLen += len(res.Text)
		source = res.Source
	}

	if len(pages) == 0 {
		if len(errs) > 0 {
			return Result{}, errors.Join(errs...)
		}
		return Result{Source: ParserOCR}, nil
	}
	return Result{
		Text:       strings.Join(pages, "\n\n"),
		Confidence: weightedSum / float64(totalLen),
		Source:     ParserOCR + ":" + source,
	}, nil
}
