package rag

import (
	"context"
	"log"
	"strings"
	"time"
)

// minExtractChars is the smallest amount of normalized text a provider must
// return before its result is trusted. Anything shorter falls through to the
// next provider in the chain.
const minExtractChars = 100

// ExtractionResult carries the raw output of one extraction provider. Chunks
// is optional: providers that pre-segment documents return their own
// candidates, otherwise the chunker derives them from Text.
type ExtractionResult struct {
	Text      string
	PageCount int
	Chunks    []ChunkCandidate
}

// Extractor converts raw document bytes into text. Implementations are
// stateless between calls.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, data []byte) (*ExtractionResult, error)
}

// extractionChain tries each provider in its fixed priority order until one
// returns enough text. The order is set once at construction, not per call.
type extractionChain struct {
	providers []Extractor
}

func newExtractionChain(providers ...Extractor) *extractionChain {
	return &extractionChain{providers: providers}
}

func (c *extractionChain) Extract(ctx context.Context, data []byte) (*ExtractionResult, error) {
	for _, provider := range c.providers {
		result, err := provider.Extract(ctx, data)
		if err != nil {
			log.Printf("rag: extractor %s failed: %v", provider.Name(), err)
			continue
		}
		result.Text = normalizeNewlines(result.Text)
		if len(strings.TrimSpace(result.Text)) < minExtractChars {
			log.Printf("rag: extractor %s returned insufficient text (%d chars)", provider.Name(), len(strings.TrimSpace(result.Text)))
			continue
		}
		return result, nil
	}
	return nil, ErrExtractionFailed
}

// pollUntil runs step at a fixed interval until it reports done, fails, the
// context is cancelled, or maxAttempts is exhausted.
func pollUntil(ctx context.Context, provider string, maxAttempts int, interval time.Duration, step func(ctx context.Context) (bool, error)) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &PollTimeoutError{Provider: provider, Attempts: maxAttempts}
}
