package speech

import (
	"context"
	"fmt"
	"log/slog"
)

// Chain implements Synthesizer by trying multiple synthesizers in order.
// The first success wins; if all fail, returns an aggregate error.
type Chain struct {
	synths []Synthesizer
	logger *slog.Logger
}

// NewChain creates a synthesizer chain. At least one synthesizer is required.
func NewChain(logger *slog.Logger, synths ...Synthesizer) (*Chain, error) {
	if len(synths) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		synths: synths,
		logger: logger.With("component", "speech.chain"),
	}, nil
}

// Synthesize tries each synthesizer until one succeeds. Input errors
// (empty or oversized text) are not retried on the next provider.
func (c *Chain) Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error) {
	if err := req.validate(); err != nil {
		return nil, synthesisError("chain", err)
	}

	var errs []error
	for i, s := range c.synths {
		audio, err := s.Synthesize(ctx, req)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback provider succeeded",
					"provider_index", i,
					"chars", len(req.Text),
				)
			}
			return audio, nil
		}

		errs = append(errs, err)
		c.logger.Warn("provider failed, trying next",
			"provider_index", i,
			"error", err,
		)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, &ChainError{Errors: errs}
}

// ChainError aggregates errors from all providers in a chain.
type ChainError struct {
	Errors []error
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "speech chain: no errors recorded"
	case 1:
		return fmt.Sprintf("speech chain: %v", e.Errors[0])
	default:
		return fmt.Sprintf("speech chain: all %d providers failed, last error: %v", len(e.Errors), e.Errors[len(e.Errors)-1])
	}
}

// Unwrap returns the last error in the chain.
func (e *ChainError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// Verify Chain implements Synthesizer at compile time.
var _ Synthesizer = (*Chain)(nil)
