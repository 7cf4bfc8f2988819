package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"texhub_back/rag"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubVectorStore struct{}

func (stubVectorStore) EnsureNamespace(ctx context.Context, namespace string) error { return nil }
func (stubVectorStore) Upsert(ctx context.Context, namespace string, records []rag.VectorRecord) error {
	return nil
}
func (stubVectorStore) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]rag.VectorMatch, error) {
	return nil, nil
}
func (stubVectorStore) DeleteMany(ctx context.Context, namespace string, ids []string) error {
	return nil
}

func newTestRouter(t *testing.T) (*Module, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	// Keep provider chains fully local regardless of the host environment.
	for _, key := range []string{"LLAMAPARSE_API_KEY", "CHUNKR_API_KEY", "EMBEDDING_API_KEY", "OPENAI_API_KEY", "HF_API_KEY"} {
		t.Setenv(key, "")
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	pipeline, err := rag.NewServiceFromEnv(db, stubVectorStore{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, pipeline.AutoMigrate())
	t.Cleanup(pipeline.Close)

	module := &Module{db: db, pipeline: pipeline}
	router := gin.New()
	module.mount(router)
	return module, router
}

func createDocumentRow(t *testing.T, module *Module, projectID uint64, status string) *rag.Document {
	t.Helper()
	doc := &rag.Document{
		ProjectID:        projectID,
		Filename:         "paper.pdf",
		OriginalFilename: "paper.pdf",
		MimeType:         "application/pdf",
		UploadType:       rag.UploadTypeFile,
		Namespace:        newNamespace(),
		ProcessingStatus: status,
	}
	require.NoError(t, module.pipeline.Store().CreateDocument(context.Background(), doc))
	return doc
}

func TestUploadAcceptedAndScheduled(t *testing.T) {
	_, router := newTestRouter(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "paper.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 not really a document"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/projects/1/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-User-ID", "9")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var created rag.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, uint64(1), created.ProjectID)
	assert.Equal(t, uint64(9), created.UploadedBy)
	assert.True(t, strings.HasPrefix(created.Namespace, "doc_"))
}

func TestUploadRejectsNonPDF(t *testing.T) {
	_, router := newTestRouter(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text, no pdf magic"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/projects/1/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReprocessConflictWhileProcessing(t *testing.T) {
	module, router := newTestRouter(t)
	doc := createDocumentRow(t, module, 1, rag.StatusProcessing)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/projects/1/documents/%d/reprocess", doc.ID), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)

	stored, err := module.pipeline.Store().GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, rag.StatusProcessing, stored.ProcessingStatus)
}

func TestDocumentHiddenFromOtherProjects(t *testing.T) {
	module, router := newTestRouter(t)
	doc := createDocumentRow(t, module, 1, rag.StatusCompleted)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/projects/2/documents/%d", doc.ID), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/projects/2/documents/%d/reprocess", doc.ID), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/projects/1/documents/%d", doc.ID), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReprocessUnknownDocument(t *testing.T) {
	_, router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/projects/1/documents/9999/reprocess", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextRequiresQuery(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/projects/1/context", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
