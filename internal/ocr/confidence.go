package ocr

import (
	"strings"
	"unicode"
)

// textConfidence estimates recognition quality from text characteristics,
// used when the backend does not report a native confidence score. Scores
// are capped below 0.9 so heuristic results never outrank measured ones.
func textConfidence(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	confidence := 0.4

	if len(trimmed) > 120 {
		confidence += 0.1
	}
	if len(trimmed) > 1000 {
		confidence += 0.1
	}
	if len(strings.Fields(trimmed)) > 20 {
		confidence += 0.1
	}

	var letters, printable int
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
		}
	}
	total := len([]rune(trimmed))
	if total > 0 {
		alphaRatio := float64(letters) / float64(total)
		if alphaRatio > 0.5 {
			confidence += 0.1
		}
		printRatio := float64(printable) / float64(total)
		if printRatio < 0.9 {
			// Heavy non-printable content is a strong garbage signal.
			confidence -= 0.3
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 0.85 {
		confidence = 0.85
	}
	return confidence
}
