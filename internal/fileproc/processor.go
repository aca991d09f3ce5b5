package fileproc

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Processor drives the ordered parser cascade for one document.
type Processor struct {
	parsers       map[string]Parser
	minConfidence float64
	logger        *slog.Logger
}

// NewProcessor registers the closed parser set. The minConfidence floor
// decides when the cascade stops early.
func NewProcessor(parsers []Parser, minConfidence float64, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Parser, len(parsers))
	for _, p := range parsers {
		byName[p.Name()] = p
	}
	return &Processor{parsers: byName, minConfidence: minConfidence, logger: logger}
}

// attemptOrder builds the parser sequence: recommended first, then the
// strategy's fallbacks, then the priority-driven standard tail, deduplicated.
func (p *Processor) attemptOrder(strategy ProcessingStrategy) []Parser {
	names := make([]string, 0, 8)
	names = append(names, strategy.Recommended)
	names = append(names, strategy.Fallbacks...)
	names = append(names, standardOrder(strategy.Priority)...)

	seen := make(map[string]bool, len(names))
	ordered := make([]Parser, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if parser, ok := p.parsers[name]; ok {
			ordered = append(ordered, parser)
		}
	}
	return ordered
}

// Process tries parsers in order until one clears the confidence floor,
// otherwise keeps the highest-confidence attempt. Every attempt lands in the
// returned log. When nothing produces text, the result is zero-confidence
// and carries the last error message, so the caller can classify this as a
// content failure rather than an infrastructure one.
func (p *Processor) Process(ctx context.Context, fileName string, data []byte, strategyOverride *ProcessingStrategy) (Result, []Attempt) {
	format := Detect(fileName, data)
	strategy := StrategyFor(format)
	if strategyOverride != nil {
		strategy = *strategyOverride
	}

	p.logger.Debug("processing file",
		"file", fileName,
		"format", string(format),
		"priority", string(strategy.Priority),
		"recommended", strategy.Recommended)

	var best Result
	var haveBest bool
	var lastErr string
	attempts := make([]Attempt, 0, 4)

	for _, parser := range p.attemptOrder(strategy) {
		start := time.Now()
		result, err := parser.Parse(ctx, data)
		elapsed := time.Since(start)

		attempt := Attempt{
			Source:     parser.Name(),
			Confidence: result.Confidence,
			Duration:   elapsed,
		}
		switch {
		case err != nil:
			attempt.Outcome = "error"
			attempt.Err = err.Error()
			lastErr = err.Error()
		case strings.TrimSpace(result.Text) == "":
			attempt.Outcome = "empty"
		case result.Confidence >= p.minConfidence:
			attempt.Outcome = "ok"
		default:
			attempt.Outcome = "low_confidence"
		}
		attempts = append(attempts, attempt)

		p.logger.Debug("parser attempt",
			"parser", parser.Name(),
			"outcome", attempt.Outcome,
			"confidence", result.Confidence,
			"duration_ms", elapsed.Milliseconds())

		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if strings.TrimSpace(result.Text) == "" {
			continue
		}
		if result.Confidence >= p.minConfidence {
			result.Format = format
			return result, attempts
		}
		if !haveBest || result.Confidence > best.Confidence {
			best = result
			haveBest = true
		}
	}

	if haveBest {
		best.Format = format
		return best, attempts
	}

	failed := Result{Source: "none", Format: format}
	if lastErr != "" {
		failed.Errors = []string{lastErr}
	}
	return failed, attempts
}
