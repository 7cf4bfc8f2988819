package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxDocumentBytes guards URL imports and reprocess downloads.
const maxDocumentBytes int64 = 50 * 1024 * 1024

// VectorStore is the slice of the vector index the pipeline depends on.
// *VectorIndex implements it; tests substitute an in-memory fake.
type VectorStore interface {
	EnsureNamespace(ctx context.Context, namespace string) error
	Upsert(ctx context.Context, namespace string, records []VectorRecord) error
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]VectorMatch, error)
	DeleteMany(ctx context.Context, namespace string, ids []string) error
}

// FileSource loads previously stored document bytes by object path, so a
// reprocess can restart the pipeline from extraction.
type FileSource interface {
	Fetch(ctx context.Context, objectPath string) ([]byte, error)
}

// ContextCache memoizes assembled context results for a short TTL. A nil
// cache disables memoization.
type ContextCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// Service drives documents through extraction, chunking, embedding and
// storage, and assembles retrieval context at query time. The vector store is
// injected with its own lifecycle; the provider chains are fixed at
// construction.
type Service struct {
	store      *Store
	chunker    *chunker
	extractors *extractionChain
	embedder   *embeddingChain
	vectors    VectorStore
	files      FileSource
	contexts   ContextCache
	pool       ingestPool
	httpClient *http.Client
}

// NewServiceFromEnv assembles the pipeline. Remote providers without
// configured credentials are omitted from their chains; the local PDF parser
// and the hash embedder are always present as terminal fallbacks.
func NewServiceFromEnv(db *gorm.DB, vectors VectorStore, files FileSource, contexts ContextCache) (*Service, error) {
	if db == nil {
		return nil, errors.New("rag: database connection is required")
	}
	if vectors == nil {
		return nil, errors.New("rag: vector store is required")
	}

	chunkSize := envInt("RAG_CHUNK_SIZE", 1000)
	overlap := envInt("RAG_CHUNK_OVERLAP", 200)
	dimension := vectorDimFromEnv()

	extractors := make([]Extractor, 0, 3)
	if provider := newLlamaParseExtractorFromEnv(); provider != nil {
		extractors = append(extractors, provider)
	}
	if provider := newChunkrExtractorFromEnv(); provider != nil {
		extractors = append(extractors, provider)
	}
	extractors = append(extractors, localPDFExtractor{})

	embedders := make([]Embedder, 0, 3)
	if provider := newOpenAIEmbedderFromEnv(dimension); provider != nil {
		embedders = append(embedders, provider)
	}
	if provider := newHuggingFaceEmbedderFromEnv(); provider != nil {
		embedders = append(embedders, provider)
	}
	embedders = append(embedders, newHashEmbedder(dimension))

	pool, err := newWorkerPoolFromEnv()
	if err != nil {
		return nil, err
	}

	return &Service{
		store:      NewStore(db),
		chunker:    newChunker(chunkSize, overlap),
		extractors: newExtractionChain(extractors...),
		embedder:   newEmbeddingChain(dimension, embedders...),
		vectors:    vectors,
		files:      files,
		contexts:   contexts,
		pool:       pool,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *Service) AutoMigrate() error {
	return s.store.AutoMigrate()
}

func (s *Service) Store() *Store {
	return s.store
}

// Close releases the ingestion worker pool. In-flight documents run to
// completion or failure; there is no mid-pipeline cancellation.
func (s *Service) Close() {
	if s != nil && s.pool != nil {
		s.pool.Release()
	}
}

// StartIngestion schedules a document's pipeline run and returns immediately.
// Failures are recorded on the document row, never surfaced to the caller.
func (s *Service) StartIngestion(documentID uint64, data []byte) {
	if err := s.pool.Submit(func() {
		s.ingest(context.Background(), documentID, data)
	}); err != nil {
		log.Printf("rag: schedule ingestion for document %d: %v", documentID, err)
		if markErr := s.store.MarkFailed(context.Background(), documentID, err); markErr != nil {
			log.Printf("rag: mark document %d failed: %v", documentID, markErr)
		}
	}
}

// Reprocess force-resets a document to pending and reruns the whole pipeline
// from extraction. It is rejected only while the document is currently
// processing; completed and failed documents both restart.
func (s *Service) Reprocess(ctx context.Context, documentID uint64) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.store.ResetPending(ctx, documentID); err != nil {
		return err
	}

	if err := s.pool.Submit(func() {
		background := context.Background()
		data, loadErr := s.loadDocumentBytes(background, doc)
		if loadErr != nil {
			s.failDocument(background, documentID, loadErr)
			return
		}
		s.ingest(background, documentID, data)
	}); err != nil {
		s.failDocument(ctx, documentID, err)
	}
	return nil
}

// ingest is the unit of background work: one document through the full
// pipeline. All errors terminate in the document's status row.
func (s *Service) ingest(ctx context.Context, documentID uint64, data []byte) {
	if err := s.store.ClaimProcessing(ctx, documentID); err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			log.Printf("rag: document %d is already processing, skipping run", documentID)
			return
		}
		log.Printf("rag: claim document %d: %v", documentID, err)
		return
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		s.failDocument(ctx, documentID, err)
		return
	}

	result, err := s.extractors.Extract(ctx, data)
	if err != nil {
		s.failDocument(ctx, documentID, err)
		return
	}

	candidates := filterCandidates(result.Chunks)
	if len(candidates) == 0 {
		candidates = s.chunker.split(strings.TrimSpace(result.Text))
	}
	if len(candidates) == 0 {
		s.failDocument(ctx, documentID, ErrNoUsableContent)
		return
	}

	if err := s.vectors.EnsureNamespace(ctx, doc.Namespace); err != nil {
		s.failDocument(ctx, documentID, err)
		return
	}

	// Embed in index order so ids stay deterministic per chunk position.
	chunks := make([]Chunk, len(candidates))
	records := make([]VectorRecord, len(candidates))
	for i, candidate := range candidates {
		vector, embedErr := s.embedder.Embed(ctx, truncateForEmbedding(candidate.Text))
		if embedErr != nil {
			s.failDocument(ctx, documentID, embedErr)
			return
		}

		embeddingID := chunkEmbeddingID(documentID, i)
		chunks[i] = Chunk{
			DocumentID:  documentID,
			ChunkIndex:  i,
			ChunkText:   candidate.Text,
			ChunkTokens: estimateTokenCount(candidate.Text),
			PageNumber:  candidate.Page,
			EmbeddingID: embeddingID,
			Metadata:    chunkMetadata(candidate),
		}
		records[i] = VectorRecord{
			ID:      vectorPointID(embeddingID),
			Values:  vector,
			Payload: vectorPayload(doc, candidate, i),
		}
	}

	// Purge any previous run before inserting, else a reprocess would orphan
	// the old vectors whose ids exceed the new chunk count.
	if err := s.purgeStoredChunks(ctx, doc); err != nil {
		s.failDocument(ctx, documentID, err)
		return
	}

	if err := s.vectors.Upsert(ctx, doc.Namespace, records); err != nil {
		s.failDocument(ctx, documentID, err)
		return
	}

	if err := s.store.InsertChunks(ctx, chunks); err != nil {
		ids := make([]string, len(records))
		for i, record := range records {
			ids[i] = record.ID
		}
		if cleanupErr := s.vectors.DeleteMany(ctx, doc.Namespace, ids); cleanupErr != nil {
			log.Printf("rag: cleanup vectors for document %d failed: %v", documentID, cleanupErr)
		}
		s.failDocument(ctx, documentID, err)
		return
	}

	if err := s.store.MarkCompleted(ctx, documentID, result.Text, result.PageCount); err != nil {
		log.Printf("rag: mark document %d completed: %v", documentID, err)
		return
	}
	log.Printf("rag: document %d ingested (%d chunks, %d pages)", documentID, len(chunks), result.PageCount)
}

// DeleteDocumentVectors purges a document's vectors in id batches. A failed
// batch is logged and skipped rather than returned: metadata deletion must
// never be blocked by vector cleanup, orphaned vectors are the accepted
// trade-off.
func (s *Service) DeleteDocumentVectors(ctx context.Context, namespace string, documentID uint64) {
	ids, err := s.store.ChunkEmbeddingIDs(ctx, documentID)
	if err != nil {
		log.Printf("rag: list vector ids for document %d: %v", documentID, err)
		return
	}
	pointIDs := vectorPointIDs(ids)
	for start := 0; start < len(pointIDs); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(pointIDs) {
			end = len(pointIDs)
		}
		if err := s.vectors.DeleteMany(ctx, namespace, pointIDs[start:end]); err != nil {
			log.Printf("rag: delete vector batch for document %d: %v", documentID, err)
		}
	}
}

// DeleteDocument removes a document entirely: vectors first (best effort),
// then chunk rows and the document row.
func (s *Service) DeleteDocument(ctx context.Context, documentID uint64) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	s.DeleteDocumentVectors(ctx, doc.Namespace, documentID)
	return s.store.DeleteDocument(ctx, documentID)
}

// purgeStoredChunks discards the previous run's chunks and vectors. Unlike
// document deletion this is strict: failing to purge before a reprocess would
// leave two generations of vectors in one namespace.
func (s *Service) purgeStoredChunks(ctx context.Context, doc *Document) error {
	ids, err := s.store.ChunkEmbeddingIDs(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := s.vectors.DeleteMany(ctx, doc.Namespace, vectorPointIDs(ids)); err != nil {
			return err
		}
	}
	return s.store.DeleteChunks(ctx, doc.ID)
}

func vectorPointIDs(embeddingIDs []string) []string {
	pointIDs := make([]string, len(embeddingIDs))
	for i, id := range embeddingIDs {
		pointIDs[i] = vectorPointID(id)
	}
	return pointIDs
}

func (s *Service) failDocument(ctx context.Context, documentID uint64, cause error) {
	log.Printf("rag: document %d failed: %v", documentID, cause)
	if err := s.store.MarkFailed(ctx, documentID, cause); err != nil {
		log.Printf("rag: mark document %d failed: %v", documentID, err)
	}
}

// loadDocumentBytes re-reads a document's source for reprocessing, from the
// object store for uploads or by re-downloading the original URL for imports.
func (s *Service) loadDocumentBytes(ctx context.Context, doc *Document) ([]byte, error) {
	if doc.FilePath != nil && strings.TrimSpace(*doc.FilePath) != "" {
		if s.files == nil {
			return nil, errors.New("rag: file storage is not configured")
		}
		return s.files.Fetch(ctx, *doc.FilePath)
	}
	if doc.FileURL != nil && strings.TrimSpace(*doc.FileURL) != "" {
		return s.DownloadDocument(ctx, *doc.FileURL)
	}
	return nil, fmt.Errorf("rag: document %d has no stored source", doc.ID)
}

// DownloadDocument fetches a URL-referenced document with a hard size cap.
func (s *Service) DownloadDocument(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rag: create download request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: download document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rag: download status %s for %s", resp.Status, rawURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("rag: read downloaded document: %w", err)
	}
	if int64(len(data)) > maxDocumentBytes {
		return nil, fmt.Errorf("rag: document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}

func chunkMetadata(candidate ChunkCandidate) datatypes.JSON {
	raw, err := json.Marshal(map[string]interface{}{
		"start": candidate.Start,
		"end":   candidate.End,
		"type":  candidate.Type,
	})
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func vectorPayload(doc *Document, candidate ChunkCandidate, index int) map[string]interface{} {
	payload := map[string]interface{}{
		"document_id":  doc.ID,
		"chunk_index":  index,
		"embedding_id": chunkEmbeddingID(doc.ID, index),
		"text":         candidate.Text,
		"start":        candidate.Start,
		"end":          candidate.End,
		"length":       len([]rune(candidate.Text)),
	}
	if candidate.Page != nil {
		payload["page"] = *candidate.Page
	}
	return payload
}

func envInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
