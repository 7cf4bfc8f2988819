package rag

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"
)

// minContextScore filters out matches too dissimilar to be useful context.
const minContextScore = 0.35

const defaultMaxChunks = 5

// ContextChunk is one retrieved fragment plus its source metadata.
type ContextChunk struct {
	DocumentID uint64    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
	Page       *int      `json:"page,omitempty"`
	Filename   string    `json:"filename"`
	UploadDate time.Time `json:"upload_date"`
}

// ProjectContext is the assembled retrieval result handed to the chat layer.
type ProjectContext struct {
	Chunks      []ContextChunk `json:"chunks"`
	DocumentIDs []uint64       `json:"document_ids"`
}

// GetContext retrieves the most relevant chunks for a query across every
// completed document of a project. Retrieval is an enhancement, not a
// critical path: any internal error degrades to an empty result so the chat
// caller can always proceed.
func (s *Service) GetContext(ctx context.Context, projectID uint64, query string, maxChunks int) ProjectContext {
	empty := ProjectContext{Chunks: []ContextChunk{}, DocumentIDs: []uint64{}}
	if query == "" {
		return empty
	}
	if maxChunks <= 0 {
		maxChunks = defaultMaxChunks
	}

	cacheKey := contextCacheKey(projectID, query, maxChunks)
	if s.contexts != nil {
		if raw, ok := s.contexts.Get(ctx, cacheKey); ok {
			var cached ProjectContext
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached
			}
		}
	}

	docs, err := s.store.CompletedDocuments(ctx, projectID)
	if err != nil {
		log.Printf("rag: list completed documents for project %d: %v", projectID, err)
		return empty
	}
	if len(docs) == 0 {
		return empty
	}

	docsByID := make(map[uint64]Document, len(docs))
	namespaces := make([]string, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		docsByID[doc.ID] = doc
		if _, ok := seen[doc.Namespace]; ok {
			continue
		}
		seen[doc.Namespace] = struct{}{}
		namespaces = append(namespaces, doc.Namespace)
	}

	// One query embedding serves every namespace fan-out.
	vector, err := s.embedder.Embed(ctx, truncateForEmbedding(query))
	if err != nil {
		log.Printf("rag: embed context query for project %d: %v", projectID, err)
		return empty
	}

	// Over-fetch per namespace so the cross-namespace merge has enough
	// candidates to rank.
	merged := make([]ContextChunk, 0, len(namespaces)*maxChunks)
	for _, namespace := range namespaces {
		matches, queryErr := s.vectors.Query(ctx, namespace, vector, 2*maxChunks)
		if queryErr != nil {
			log.Printf("rag: query namespace %s: %v", namespace, queryErr)
			continue
		}
		for _, match := range matches {
			if match.Score < minContextScore {
				continue
			}
			chunk, ok := matchToChunk(match)
			if !ok {
				continue
			}
			merged = append(merged, chunk)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > maxChunks {
		merged = merged[:maxChunks]
	}

	result := ProjectContext{Chunks: merged, DocumentIDs: make([]uint64, 0, len(merged))}
	seenDocs := make(map[uint64]struct{}, len(merged))
	for i := range result.Chunks {
		doc, ok := docsByID[result.Chunks[i].DocumentID]
		if ok {
			result.Chunks[i].Filename = doc.OriginalFilename
			result.Chunks[i].UploadDate = doc.UploadDate
		}
		if _, dup := seenDocs[result.Chunks[i].DocumentID]; !dup {
			seenDocs[result.Chunks[i].DocumentID] = struct{}{}
			result.DocumentIDs = append(result.DocumentIDs, result.Chunks[i].DocumentID)
		}
	}

	if s.contexts != nil {
		if raw, marshalErr := json.Marshal(result); marshalErr == nil {
			s.contexts.Set(ctx, cacheKey, raw)
		}
	}
	return result
}

func matchToChunk(match VectorMatch) (ContextChunk, bool) {
	chunk := ContextChunk{Score: match.Score}
	payload := match.Payload
	if payload == nil {
		return chunk, false
	}
	chunk.DocumentID = payloadUint64(payload["document_id"])
	chunk.ChunkIndex = int(payloadUint64(payload["chunk_index"]))
	if v, ok := payload["text"].(string); ok {
		chunk.Text = v
	}
	if page := payloadUint64(payload["page"]); page > 0 {
		p := int(page)
		chunk.Page = &p
	}
	if chunk.DocumentID == 0 || chunk.Text == "" {
		return chunk, false
	}
	return chunk, true
}

// payloadUint64 tolerates the numeric types a payload value may carry,
// depending on whether it round-tripped through JSON.
func payloadUint64(value interface{}) uint64 {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return uint64(v)
		}
	case int:
		if v > 0 {
			return uint64(v)
		}
	case uint64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return uint64(n)
		}
	}
	return 0
}

func contextCacheKey(projectID uint64, query string, maxChunks int) string {
	digest := sha1.Sum([]byte(query))
	return fmt.Sprintf("ragctx:%d:%x:%d", projectID, digest, maxChunks)
}
