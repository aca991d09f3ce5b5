// Package fields scans extracted document text for emissions-relevant
// quantities. This is best-effort enrichment: its accuracy is a tuning
// concern, not a pipeline invariant, and failures degrade to empty fields.
package fields

import (
	_ "embed"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

var fieldSchema = jsonschema.MustCompileString("fields/schema.json", schemaJSON)

var (
	reEnergy = regexp.MustCompile(`(?i)\b([\d.,]+)\s*(kwh|mwh|gwh)\b`)
	reFuel   = regexp.MustCompile(`(?i)\b([\d.,]+)\s*(l|litres?|liters?|gal(?:lons?)?)\b`)
	reGas    = regexp.MustCompile(`(?i)\b([\d.,]+)\s*(m3|m³|cubic\s+met(?:er|re)s?)\b`)
	reCO2    = regexp.MustCompile(`(?i)\b([\d.,]+)\s*(kg|t|tonnes?|tons?)\s*(?:of\s+)?co2e?\b`)
	reAmount = regexp.MustCompile(`(?i)(?:total|amount\s+due|balance)\D{0,20}?([\d,]+\.\d{2})`)
	reCurr   = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|CAD|AUD|CHF|SEK|NOK|DKK)\b`)
	rePeriod = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s*(?:-|to|through|–)\s*(\d{4}-\d{2}-\d{2})`)
)

// Extract scans text for emission-relevant quantities and returns a map
// suitable for the document's extracted_fields column. The result always
// validates against the embedded schema; candidates that break validation
// are dropped rather than propagated.
func Extract(text string, logger *slog.Logger) map[string]any {
	if logger == nil {
		logger = slog.Default()
	}
	out := map[string]any{}
	if strings.TrimSpace(text) == "" {
		return out
	}

	if m := reEnergy.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			switch strings.ToLower(m[2]) {
			case "mwh":
				v *= 1000
			case "gwh":
				v *= 1_000_000
			}
			out["energy_kwh"] = v
		}
	}
	if m := reFuel.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			if strings.HasPrefix(strings.ToLower(m[2]), "gal") {
				v *= 3.785
			}
			out["fuel_litres"] = v
		}
	}
	if m := reGas.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			out["gas_m3"] = v
		}
	}
	if m := reCO2.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			unit := strings.ToLower(m[2])
			if unit == "t" || strings.HasPrefix(unit, "ton") {
				v *= 1000
			}
			out["co2e_kg"] = v
		}
	}
	if m := reAmount.FindStringSubmatch(text); m != nil {
		if v, ok := parseNumber(m[1]); ok {
			out["amount"] = v
		}
	}
	if m := reCurr.FindStringSubmatch(text); m != nil {
		out["currency"] = strings.ToUpper(m[1])
	}
	if m := rePeriod.FindStringSubmatch(text); m != nil {
		out["period_start"] = m[1]
		out["period_end"] = m[2]
	}

	if err := fieldSchema.Validate(out); err != nil {
		logger.Warn("extracted fields failed schema validation, dropping", "error", err)
		return map[string]any{}
	}
	return out
}

func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
