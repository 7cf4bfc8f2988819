package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	name   string
	vector []float32
	err    error
	calls  int
}

func (s *stubEmbedder) Name() string { return s.name }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vector, nil
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := newHashEmbedder(64)

	first, err := e.Embed(context.Background(), "The Riemann hypothesis concerns zeros of the zeta function.")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "The Riemann hypothesis concerns zeros of the zeta function.")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	var norm float64
	for _, value := range first {
		norm += float64(value) * float64(value)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedderDifferentTextsDiffer(t *testing.T) {
	e := newHashEmbedder(64)

	a, err := e.Embed(context.Background(), "convex optimization")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "medieval history")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashEmbedderEmptyTextNeverFails(t *testing.T) {
	e := newHashEmbedder(16)

	vector, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, vector, 16)
}

func TestEmbeddingChainFallbackOrder(t *testing.T) {
	failing := &stubEmbedder{name: "a", err: errors.New("auth rejected")}
	working := &stubEmbedder{name: "b", vector: []float32{1, 0, 0, 0}}
	chain := newEmbeddingChain(4, failing, working)

	vector, err := chain.Embed(context.Background(), "query text")

	require.NoError(t, err)
	assert.Equal(t, working.vector, vector)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, working.calls)
}

func TestEmbeddingChainSkipsWrongDimension(t *testing.T) {
	wrongDim := &stubEmbedder{name: "a", vector: []float32{1, 2}}
	rightDim := &stubEmbedder{name: "b", vector: []float32{1, 2, 3, 4}}
	chain := newEmbeddingChain(4, wrongDim, rightDim)

	vector, err := chain.Embed(context.Background(), "query text")

	require.NoError(t, err)
	assert.Len(t, vector, 4)
	assert.Equal(t, 1, wrongDim.calls)
}

func TestEmbeddingChainExhausted(t *testing.T) {
	chain := newEmbeddingChain(4, &stubEmbedder{name: "a", err: errors.New("down")})

	_, err := chain.Embed(context.Background(), "query text")

	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestHuggingFaceEmbedderRetriesOnceWhileLoading(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"Model sentence-transformers/all-MiniLM-L6-v2 is currently loading","estimated_time":12.0}`)
			return
		}
		fmt.Fprint(w, `[0.5,0.5,0.5,0.5]`)
	}))
	defer server.Close()

	e := &huggingFaceEmbedder{
		httpClient: server.Client(),
		baseURL:    server.URL,
		apiKey:     "test-key",
		modelID:    "test-model",
		retryWait:  time.Millisecond,
	}

	vector, err := e.Embed(context.Background(), "query text")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, vector)
	assert.Equal(t, 2, requests)
}

func TestHuggingFaceEmbedderNoRetryOnAuthFailure(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid token"}`)
	}))
	defer server.Close()

	e := &huggingFaceEmbedder{
		httpClient: server.Client(),
		baseURL:    server.URL,
		apiKey:     "bad-key",
		modelID:    "test-model",
		retryWait:  time.Millisecond,
	}

	_, err := e.Embed(context.Background(), "query text")

	require.Error(t, err)
	assert.Equal(t, 1, requests)
}

func TestHuggingFaceEmbedderNestedResponseShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[0.25,0.75]]`)
	}))
	defer server.Close()

	e := &huggingFaceEmbedder{
		httpClient: server.Client(),
		baseURL:    server.URL,
		apiKey:     "test-key",
		modelID:    "test-model",
		retryWait:  time.Millisecond,
	}

	vector, err := e.Embed(context.Background(), "query text")

	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.75}, vector)
}

func TestOpenAIEmbedderParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer server.Close()

	e := &openAIEmbedder{
		httpClient: server.Client(),
		baseURL:    server.URL,
		apiKey:     "test-key",
		modelID:    "test-model",
		dimensions: 3,
		retryWait:  time.Millisecond,
	}

	vector, err := e.Embed(context.Background(), "query text")

	require.NoError(t, err)
	assert.Len(t, vector, 3)
}

func TestTruncateForEmbedding(t *testing.T) {
	short := "short text"
	assert.Equal(t, short, truncateForEmbedding(short))

	long := repeatToLength("abcdefghij", maxEmbedChars+500)
	truncated := truncateForEmbedding(long)
	assert.Equal(t, maxEmbedChars, len([]rune(truncated)))
}
