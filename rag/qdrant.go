package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// upsertBatchSize caps how many records go into one upsert request to respect
// the index's payload limits.
const upsertBatchSize = 100

// VectorRecord is one point written to the index: the embedding plus a copy of
// the chunk text and its addressing metadata. Qdrant rejects point ids that
// are neither unsigned integers nor UUIDs, so ID must carry the UUID derived
// from the chunk's embedding id, never the embedding id itself.
type VectorRecord struct {
	ID      string                 `json:"id"`
	Values  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// VectorMatch is one similarity result, ordered by descending score.
type VectorMatch struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// VectorIndex is a namespace-scoped client for a Qdrant instance. One instance
// is constructed at process start and shared; it owns a single HTTP handle for
// the process lifetime.
type VectorIndex struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

// NewVectorIndexFromEnv builds the shared index client from QDRANT_* variables.
func NewVectorIndexFromEnv() (*VectorIndex, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("rag: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("rag: parse Qdrant URL: %w", err)
	}

	vectorSize := vectorDimFromEnv()
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &VectorIndex{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		vectorSize: vectorSize,
	}, nil
}

// Close releases pooled connections. Part of the client's explicit lifecycle;
// call it at process shutdown.
func (c *VectorIndex) Close() {
	if c != nil && c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}

// EnsureNamespace creates the collection backing a namespace if needed.
func (c *VectorIndex) EnsureNamespace(ctx context.Context, namespace string) error {
	if c == nil {
		return errors.New("rag: vector index is not configured")
	}
	if c.vectorSize <= 0 {
		return errors.New("rag: vector size must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     c.vectorSize,
			"distance": "Cosine",
		},
	}
	return c.send(ctx, http.MethodPut, c.collectionURL(namespace), payload, nil)
}

// Upsert writes records in fixed-size sequential batches. A failed batch
// aborts the remainder; earlier batches stay written.
func (c *VectorIndex) Upsert(ctx context.Context, namespace string, records []VectorRecord) error {
	if c == nil {
		return errors.New("rag: vector index is not configured")
	}
	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		payload := map[string]interface{}{"points": records[start:end]}
		if err := c.send(ctx, http.MethodPut, c.collectionURL(namespace)+"/points", payload, nil); err != nil {
			return fmt.Errorf("rag: upsert batch %d: %w", start/upsertBatchSize, err)
		}
	}
	return nil
}

// Query returns up to topK matches ordered by descending similarity score.
func (c *VectorIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]VectorMatch, error) {
	if c == nil {
		return nil, errors.New("rag: vector index is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := c.send(ctx, http.MethodPost, c.collectionURL(namespace)+"/points/search", payload, &decoded); err != nil {
		return nil, err
	}

	matches := make([]VectorMatch, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		matches = append(matches, VectorMatch{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return matches, nil
}

// DeleteMany removes the given ids from a namespace. Deleting ids that no
// longer exist is not an error.
func (c *VectorIndex) DeleteMany(ctx context.Context, namespace string, ids []string) error {
	if c == nil {
		return errors.New("rag: vector index is not configured")
	}
	if len(ids) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": ids}
	return c.send(ctx, http.MethodDelete, c.collectionURL(namespace)+"/points", payload, nil)
}

func (c *VectorIndex) collectionURL(namespace string) string {
	return fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(namespace))
}

func (c *VectorIndex) send(ctx context.Context, method string, endpoint string, payload interface{}, out interface{}) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("rag: encode vector index payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("rag: create vector index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rag: vector index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rag: vector index status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rag: decode vector index response: %w", err)
		}
	}
	return nil
}

func stringifyPointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
