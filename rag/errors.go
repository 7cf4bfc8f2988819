package rag

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyProcessing is returned when a reprocess is requested for a
	// document whose ingestion run has not finished yet.
	ErrAlreadyProcessing = errors.New("rag: document is already being processed")

	// ErrExtractionFailed is returned when every extraction provider in the
	// chain has been exhausted without producing usable text.
	ErrExtractionFailed = errors.New("rag: all extraction providers failed")

	// ErrNoUsableContent is returned when extraction nominally succeeded but
	// chunking produced nothing above the minimum length threshold.
	ErrNoUsableContent = errors.New("rag: document yielded no usable content")

	// ErrEmbeddingFailed is returned when even the deterministic local
	// fallback produced no vector. Seeing it means a provider chain was
	// assembled without the fallback.
	ErrEmbeddingFailed = errors.New("rag: all embedding providers failed")
)

// PollTimeoutError reports that a remote extraction job did not reach a
// terminal status within the allowed number of poll attempts.
type PollTimeoutError struct {
	Provider string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("rag: %s job did not complete after %d poll attempts", e.Provider, e.Attempts)
}
