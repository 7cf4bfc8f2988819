package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	defaultEmbeddingBaseURL = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultHFBaseURL        = "https://api-inference.huggingface.co/pipeline/feature-extraction"
	defaultHFModel          = "sentence-transformers/all-MiniLM-L6-v2"

	// defaultVectorDim is the pinned dimensionality for the whole deployment.
	// Every provider output is checked against it; the hash fallback emits it
	// exactly.
	defaultVectorDim = 384

	// maxEmbedChars caps the text sent to any embedding provider.
	maxEmbedChars = 8000

	// loadingRetryWait is how long to wait before the single retry allowed
	// when a provider reports its model is still loading.
	loadingRetryWait = 2 * time.Second
)

// Embedder turns one text into a fixed-length vector.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// embeddingChain tries providers in order until one returns a vector of the
// pinned dimensionality. With the hash fallback in last position it cannot
// fail in practice.
type embeddingChain struct {
	providers []Embedder
	dimension int
}

func newEmbeddingChain(dimension int, providers ...Embedder) *embeddingChain {
	if dimension <= 0 {
		dimension = defaultVectorDim
	}
	return &embeddingChain{providers: providers, dimension: dimension}
}

func (c *embeddingChain) Embed(ctx context.Context, text string) ([]float32, error) {
	for _, provider := range c.providers {
		vector, err := provider.Embed(ctx, text)
		if err != nil {
			log.Printf("rag: embedder %s failed: %v", provider.Name(), err)
			continue
		}
		if len(vector) != c.dimension {
			log.Printf("rag: embedder %s returned %d dimensions, expected %d", provider.Name(), len(vector), c.dimension)
			continue
		}
		return vector, nil
	}
	return nil, ErrEmbeddingFailed
}

// truncateForEmbedding enforces the provider character ceiling. Capping input
// is the caller's job, not the chain's.
func truncateForEmbedding(text string) string {
	runes := []rune(text)
	if len(runes) <= maxEmbedChars {
		return text
	}
	return string(runes[:maxEmbedChars])
}

func vectorDimFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultVectorDim
}

// openAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type openAIEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	dimensions int
	retryWait  time.Duration
}

func newOpenAIEmbedderFromEnv(dimension int) *openAIEmbedder {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultEmbeddingBaseURL
	}
	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = defaultEmbeddingModel
	}

	return &openAIEmbedder{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelID:    modelID,
		dimensions: dimension,
		retryWait:  loadingRetryWait,
	}
}

func (e *openAIEmbedder) Name() string {
	return "openai"
}

func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]interface{}{
		"model": e.modelID,
		"input": []string{text},
	}
	if e.dimensions > 0 {
		payload["dimensions"] = e.dimensions
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rag: encode embedding payload: %w", err)
	}

	respBody, err := postWithLoadingRetry(ctx, e.httpClient, e.baseURL+"/embeddings", "Bearer "+e.apiKey, body, e.retryWait)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("rag: decode embedding response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("rag: embedding response contained no data")
	}
	return toFloat32(decoded.Data[0].Embedding), nil
}

// huggingFaceEmbedder calls the HF inference feature-extraction pipeline,
// which answers with either a flat vector or a nested one-row matrix.
type huggingFaceEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	retryWait  time.Duration
}

func newHuggingFaceEmbedderFromEnv() *huggingFaceEmbedder {
	apiKey := strings.TrimSpace(os.Getenv("HF_API_KEY"))
	if apiKey == "" {
		return nil
	}
	baseURL := strings.TrimSpace(os.Getenv("HF_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultHFBaseURL
	}
	modelID := strings.TrimSpace(os.Getenv("HF_EMBEDDING_MODEL"))
	if modelID == "" {
		modelID = defaultHFModel
	}

	return &huggingFaceEmbedder{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelID:    modelID,
		retryWait:  loadingRetryWait,
	}
}

func (e *huggingFaceEmbedder) Name() string {
	return "huggingface"
}

func (e *huggingFaceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]interface{}{
		"inputs":  text,
		"options": map[string]interface{}{"wait_for_model": false},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rag: encode embedding payload: %w", err)
	}

	respBody, err := postWithLoadingRetry(ctx, e.httpClient, e.baseURL+"/"+e.modelID, "Bearer "+e.apiKey, body, e.retryWait)
	if err != nil {
		return nil, err
	}

	var flat []float64
	if err := json.Unmarshal(respBody, &flat); err == nil {
		return toFloat32(flat), nil
	}

	var nested [][]float64
	if err := json.Unmarshal(respBody, &nested); err == nil && len(nested) > 0 {
		return toFloat32(nested[0]), nil
	}
	return nil, fmt.Errorf("rag: unexpected feature-extraction response shape: %s", firstBytes(respBody, 256))
}

// postWithLoadingRetry issues a JSON POST and retries exactly once, after a
// fixed wait, when the provider reports a model-loading/temporarily
// unavailable condition. Any other failure is returned immediately.
func postWithLoadingRetry(ctx context.Context, client *http.Client, endpoint string, authorization string, body []byte, retryWait time.Duration) ([]byte, error) {
	respBody, transient, err := postJSON(ctx, client, endpoint, authorization, body)
	if err == nil || !transient {
		return respBody, err
	}

	timer := time.NewTimer(retryWait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	respBody, _, err = postJSON(ctx, client, endpoint, authorization, body)
	return respBody, err
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, authorization string, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("rag: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("rag: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("rag: read embedding response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return respBody, false, nil
	}

	transient := resp.StatusCode == http.StatusServiceUnavailable ||
		strings.Contains(strings.ToLower(string(respBody)), "loading")
	return nil, transient, fmt.Errorf("rag: embedding API status %s: %s", resp.Status, firstBytes(respBody, 512))
}

// hashEmbedder is the deterministic local fallback. It hashes normalized
// tokens into a fixed number of buckets and L2-normalizes the result, so the
// same text always yields the same vector and the chain always terminates.
type hashEmbedder struct {
	dimension int
}

func newHashEmbedder(dimension int) hashEmbedder {
	if dimension <= 0 {
		dimension = defaultVectorDim
	}
	return hashEmbedder{dimension: dimension}
}

func (hashEmbedder) Name() string {
	return "local-hash"
}

func (e hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vector := make([]float32, e.dimension)
	for _, token := range normalizeTokens(text) {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(token))
		sum := hasher.Sum64()
		bucket := int(sum % uint64(e.dimension))
		if sum&(1<<63) != 0 {
			vector[bucket] -= 1
		} else {
			vector[bucket] += 1
		}
	}

	var norm float64
	for _, value := range vector {
		norm += float64(value) * float64(value)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

func normalizeTokens(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func toFloat32(values []float64) []float32 {
	vector := make([]float32, len(values))
	for i, value := range values {
		vector[i] = float32(value)
	}
	return vector
}

func firstBytes(data []byte, limit int) string {
	if len(data) > limit {
		data = data[:limit]
	}
	return strings.TrimSpace(string(data))
}
