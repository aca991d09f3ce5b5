package fileproc

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// PlainTextParser decodes raw text of unknown encoding. Its confidence is an
// encoding-quality score: the share of target-alphabet characters versus
// non-printable garbage in the decoded output.
type PlainTextParser struct{}

func NewPlainTextParser() *PlainTextParser { return &PlainTextParser{} }

func (p *PlainTextParser) Name() string { return ParserPlainText }
func (p *PlainTextParser) Kind() Kind   { return KindTextual }

func (p *PlainTextParser) Parse(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var warnings []string
	fellBack := false
	text := string(data)
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err == nil {
			text = string(decoded)
			fellBack = true
			warnings = append(warnings, "input was not valid UTF-8, decoded as ISO 8859-1")
		}
	}

	text = strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
	if text == "" {
		return Result{Source: p.Name(), Warnings: warnings}, nil
	}

	confidence := encodingQuality(text)
	if fellBack && confidence > latin1FallbackCap {
		// The fallback decode never fails, so arbitrary bytes come out
		// looking like accented prose. Its result can only ever be a
		// low-confidence candidate for human review.
		confidence = latin1FallbackCap
	}

	return Result{
		Text:       text,
		Confidence: confidence,
		Source:     p.Name(),
		Warnings:   warnings,
	}, nil
}

// latin1FallbackCap keeps any ISO 8859-1 fallback decode below the default
// acceptance floor.
const latin1FallbackCap = 0.4

// encodingQuality scores decoded text by character-class distribution. Clean
// prose scores near 0.8; binary noise collapses toward zero. Non-ASCII
// letters carry a fraction of the weight because a single-byte fallback
// decode turns random high bytes into accented letters.
func encodingQuality(text string) float64 {
	var asciiAlpha, otherLetters, printable, total int
	for _, r := range text {
		total++
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r)):
			asciiAlpha++
		case unicode.IsLetter(r):
			otherLetters++
		}
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if total == 0 {
		return 0
	}

	printRatio := float64(printable) / float64(total)
	alphaRatio := (float64(asciiAlpha) + 0.25*float64(otherLetters)) / float64(total)

	score := 0.8 * printRatio
	if alphaRatio < 0.5 {
		score *= alphaRatio * 2
	}
	if otherLetters > asciiAlpha {
		// Mojibake signature: decoded noise skews heavily non-ASCII.
		score *= 0.5
	}
	if score > 0.85 {
		score = 0.85
	}
	return score
}
