package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContextCache struct {
	entries map[string][]byte
	sets    int
	hits    int
}

func newFakeContextCache() *fakeContextCache {
	return &fakeContextCache{entries: make(map[string][]byte)}
}

func (f *fakeContextCache) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, ok := f.entries[key]
	if ok {
		f.hits++
	}
	return raw, ok
}

func (f *fakeContextCache) Set(ctx context.Context, key string, value []byte) {
	f.sets++
	f.entries[key] = value
}

// queryVector is what the stub embedder returns for every query, so match
// scores under the fake store's dot product are simply the first component of
// each seeded record.
var queryVector = []float32{1, 0, 0, 0}

func newContextService(t *testing.T, vectors VectorStore, cache ContextCache) *Service {
	t.Helper()
	svc := newTestService(t, &stubExtractor{name: "unused", err: errors.New("unused")}, vectors)
	svc.embedder = newEmbeddingChain(4, &stubEmbedder{name: "stub", vector: queryVector})
	svc.contexts = cache
	return svc
}

func completedDocument(t *testing.T, svc *Service, projectID uint64, namespace, filename string) *Document {
	t.Helper()
	doc := &Document{
		ProjectID:        projectID,
		Filename:         filename,
		OriginalFilename: filename,
		MimeType:         "application/pdf",
		UploadType:       UploadTypeFile,
		Namespace:        namespace,
		ProcessingStatus: StatusCompleted,
		UploadDate:       time.Now().UTC(),
	}
	require.NoError(t, svc.store.CreateDocument(context.Background(), doc))
	return doc
}

func seedRecord(t *testing.T, vectors *fakeVectorStore, namespace string, doc *Document, index int, score float32, text string) {
	t.Helper()
	page := index + 1
	record := VectorRecord{
		ID:     vectorPointID(chunkEmbeddingID(doc.ID, index)),
		Values: []float32{score, 0, 0, 0},
		Payload: map[string]interface{}{
			"document_id":  doc.ID,
			"chunk_index":  index,
			"embedding_id": chunkEmbeddingID(doc.ID, index),
			"text":         text,
			"page":         page,
		},
	}
	require.NoError(t, vectors.Upsert(context.Background(), namespace, []VectorRecord{record}))
}

func TestGetContextEmptyProject(t *testing.T) {
	svc := newContextService(t, newFakeVectorStore(), nil)

	result := svc.GetContext(context.Background(), 42, "what is the main theorem", 5)

	assert.Empty(t, result.Chunks)
	assert.Empty(t, result.DocumentIDs)
	assert.NotNil(t, result.Chunks)
	assert.NotNil(t, result.DocumentIDs)
}

func TestGetContextEmptyQuery(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := newContextService(t, vectors, nil)
	completedDocument(t, svc, 42, "doc_ns1", "paper.pdf")

	result := svc.GetContext(context.Background(), 42, "", 5)

	assert.Empty(t, result.Chunks)
}

func TestGetContextMergesAndRanksAcrossNamespaces(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := newContextService(t, vectors, nil)

	docA := completedDocument(t, svc, 42, "doc_ns_a", "alpha.pdf")
	docB := completedDocument(t, svc, 42, "doc_ns_b", "beta.pdf")

	seedRecord(t, vectors, "doc_ns_a", docA, 0, 0.9, "highest ranked fragment")
	seedRecord(t, vectors, "doc_ns_a", docA, 1, 0.5, "middle fragment")
	seedRecord(t, vectors, "doc_ns_b", docB, 0, 0.7, "second ranked fragment")
	seedRecord(t, vectors, "doc_ns_b", docB, 1, 0.2, "below threshold fragment")

	result := svc.GetContext(context.Background(), 42, "rank me", 2)

	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "highest ranked fragment", result.Chunks[0].Text)
	assert.Equal(t, docA.ID, result.Chunks[0].DocumentID)
	assert.Equal(t, "second ranked fragment", result.Chunks[1].Text)
	assert.Equal(t, docB.ID, result.Chunks[1].DocumentID)
	assert.Greater(t, result.Chunks[0].Score, result.Chunks[1].Score)
	assert.Equal(t, []uint64{docA.ID, docB.ID}, result.DocumentIDs)
}

func TestGetContextFiltersLowScores(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := newContextService(t, vectors, nil)

	doc := completedDocument(t, svc, 42, "doc_ns1", "paper.pdf")
	seedRecord(t, vectors, "doc_ns1", doc, 0, 0.34, "just under the bar")
	seedRecord(t, vectors, "doc_ns1", doc, 1, 0.36, "just over the bar")

	result := svc.GetContext(context.Background(), 42, "threshold", 5)

	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "just over the bar", result.Chunks[0].Text)
}

func TestGetContextAttachesSourceMetadata(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := newContextService(t, vectors, nil)

	doc := completedDocument(t, svc, 42, "doc_ns1", "thesis.pdf")
	seedRecord(t, vectors, "doc_ns1", doc, 3, 0.8, "a cited passage")

	result := svc.GetContext(context.Background(), 42, "citation", 5)

	require.Len(t, result.Chunks, 1)
	chunk := result.Chunks[0]
	assert.Equal(t, "thesis.pdf", chunk.Filename)
	assert.WithinDuration(t, doc.UploadDate, chunk.UploadDate, time.Second)
	assert.Equal(t, 3, chunk.ChunkIndex)
	require.NotNil(t, chunk.Page)
	assert.Equal(t, 4, *chunk.Page)
}

func TestGetContextSkipsIncompleteDocuments(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := newContextService(t, vectors, nil)

	processing := &Document{
		ProjectID:        42,
		Filename:         "pending.pdf",
		OriginalFilename: "pending.pdf",
		UploadType:       UploadTypeFile,
		Namespace:        "doc_ns_pending",
		ProcessingStatus: StatusProcessing,
	}
	require.NoError(t, svc.store.CreateDocument(context.Background(), processing))
	seedRecord(t, vectors, "doc_ns_pending", processing, 0, 0.9, "not yet eligible")

	result := svc.GetContext(context.Background(), 42, "anything", 5)

	assert.Empty(t, result.Chunks)
}

func TestGetContextSwallowsQueryErrors(t *testing.T) {
	vectors := newFakeVectorStore()
	vectors.queryErr = errors.New("index unreachable")
	svc := newContextService(t, vectors, nil)

	completedDocument(t, svc, 42, "doc_ns1", "paper.pdf")

	result := svc.GetContext(context.Background(), 42, "anything", 5)

	assert.Empty(t, result.Chunks)
	assert.Empty(t, result.DocumentIDs)
}

func TestGetContextSwallowsEmbeddingErrors(t *testing.T) {
	vectors := newFakeVectorStore()
	svc := newContextService(t, vectors, nil)
	svc.embedder = newEmbeddingChain(4, &stubEmbedder{name: "broken", err: errors.New("model offline")})

	doc := completedDocument(t, svc, 42, "doc_ns1", "paper.pdf")
	seedRecord(t, vectors, "doc_ns1", doc, 0, 0.9, "unreachable")

	result := svc.GetContext(context.Background(), 42, "anything", 5)

	assert.Empty(t, result.Chunks)
}

func TestGetContextUsesCache(t *testing.T) {
	vectors := newFakeVectorStore()
	cache := newFakeContextCache()
	svc := newContextService(t, vectors, cache)

	doc := completedDocument(t, svc, 42, "doc_ns1", "paper.pdf")
	seedRecord(t, vectors, "doc_ns1", doc, 0, 0.8, "the cached passage")

	first := svc.GetContext(context.Background(), 42, "repeat question", 5)
	require.Len(t, first.Chunks, 1)
	assert.Equal(t, 1, cache.sets)

	// Index changes are invisible until the cached entry expires.
	require.NoError(t, vectors.DeleteMany(context.Background(), "doc_ns1", []string{vectorPointID(chunkEmbeddingID(doc.ID, 0))}))
	second := svc.GetContext(context.Background(), 42, "repeat question", 5)

	assert.Equal(t, 1, cache.hits)
	require.Len(t, second.Chunks, 1)
	assert.Equal(t, "the cached passage", second.Chunks[0].Text)
	assert.Equal(t, first.DocumentIDs, second.DocumentIDs)
}

func TestContextCacheKeyDistinguishesInputs(t *testing.T) {
	base := contextCacheKey(1, "query", 5)

	assert.NotEqual(t, base, contextCacheKey(2, "query", 5))
	assert.NotEqual(t, base, contextCacheKey(1, "other", 5))
	assert.NotEqual(t, base, contextCacheKey(1, "query", 3))
	assert.Equal(t, base, contextCacheKey(1, "query", 5))
}
