package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// minTextLength guards early acceptance: a near-empty result is not trusted
// no matter how confident the provider claims to be.
const minTextLength = 10

// ProviderAuto lets the orchestrator order providers by availability.
const ProviderAuto = "auto"

// RecognizeOptions control one orchestrated recognition call.
type RecognizeOptions struct {
	// PreferredProvider names the provider to try first, or ProviderAuto.
	PreferredProvider string
	// EnableFallback appends the remaining providers after an explicit
	// preference. Ignored for auto ordering, which always cascades.
	EnableFallback bool
	// MinConfidence is the floor at which iteration stops early.
	MinConfidence float64
}

// AttemptObserver receives one record per provider attempt, successful or
// not. Used to feed the diagnostic attempt log.
type AttemptObserver func(source string, result Result, err error)

// Orchestrator cascades providers by priority, keeping the best result seen.
type Orchestrator struct {
	providers []Provider
	logger    *slog.Logger
}

// NewOrchestrator wires the provider cascade in priority order (cloud before
// local, when both are supplied).
func NewOrchestrator(providers []Provider, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{providers: providers, logger: logger}
}

// orderProviders builds the attempt sequence for the given options.
func (o *Orchestrator) orderProviders(opts RecognizeOptions) []Provider {
	if opts.PreferredProvider == "" || opts.PreferredProvider == ProviderAuto {
		// Availability-probed ordering: configured providers first, in the
		// priority the cascade was wired with.
		ordered := make([]Provider, 0, len(o.providers))
		for _, p := range o.providers {
			if p.Available() {
				ordered = append(ordered, p)
			}
		}
		return ordered
	}

	var preferred Provider
	rest := make([]Provider, 0, len(o.providers))
	for _, p := range o.providers {
		if p.Name() == opts.PreferredProvider {
			preferred = p
			continue
		}
		if p.Available() {
			rest = append(rest, p)
		}
	}
	if preferred == nil {
		return rest
	}
	if !opts.EnableFallback {
		return []Provider{preferred}
	}
	return append([]Provider{preferred}, rest...)
}

// Recognize runs the cascade. It stops early once a result clears the
// confidence floor with enough text; if every provider fails it returns an
// aggregate error, and if every result is below the floor it returns the
// best one found. A low-confidence result is still useful for downstream
// human review.
func (o *Orchestrator) Recognize(ctx context.Context, data []byte, opts RecognizeOptions, observe AttemptObserver) (Result, error) {
	providers := o.orderProviders(opts)
	if len(providers) == 0 {
		return Result{}, errors.New("no ocr providers available")
	}

	var best Result
	var haveResult bool
	var failures []error

	for _, p := range providers {
		start := time.Now()
		result, err := p.Recognize(ctx, data)
		if observe != nil {
			observe(p.Name(), result, err)
		}
		if err != nil {
			o.logger.Warn("ocr provider failed",
				"provider", p.Name(),
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		o.logger.Debug("ocr provider attempt",
			"provider", p.Name(),
			"confidence", result.Confidence,
			"text_len", len(result.Text),
			"duration_ms", result.ProcessingTimeMs)

		if !haveResult || result.Confidence > best.Confidence {
			best = result
			haveResult = true
		}
		if result.Confidence >= opts.MinConfidence && len(strings.TrimSpace(result.Text)) >= minTextLength {
			return result, nil
		}
	}

	if haveResult {
		// Graceful degradation: nothing cleared the floor, return the best.
		return best, nil
	}
	return Result{}, fmt.Errorf("all ocr providers failed: %w", errors.Join(failures...))
}
