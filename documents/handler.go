package documents

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"texhub_back/cache"
	"texhub_back/rag"
	filestore "texhub_back/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Module wires the document endpoints to the ingestion pipeline and its
// backing stores.
type Module struct {
	db       *gorm.DB
	files    *filestore.DocumentStorage
	vectors  *rag.VectorIndex
	pipeline *rag.Service
}

type importRequest struct {
	URL      string `json:"url" binding:"required"`
	Filename string `json:"filename"`
}

type contextRequest struct {
	Query     string `json:"query" binding:"required"`
	MaxChunks int    `json:"max_chunks"`
}

// RegisterRoutes bootstraps the document and context endpoints under
// /projects/:project_id.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	vectors, err := rag.NewVectorIndexFromEnv()
	if err != nil {
		return nil, err
	}

	files, err := filestore.NewDocumentStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if files == nil {
		log.Printf("documents: MINIO_* not configured, uploaded files will not be retained for reprocessing")
	}

	contexts := cache.NewContextCacheFromEnv()
	log.Printf("documents: %s", contexts.String())

	pipeline, err := rag.NewServiceFromEnv(db, vectors, files, contexts)
	if err != nil {
		return nil, err
	}
	if err := pipeline.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("documents: migrate models: %w", err)
	}

	module := &Module{db: db, files: files, vectors: vectors, pipeline: pipeline}
	module.mount(router)
	return module, nil
}

func (m *Module) mount(router *gin.Engine) {
	group := router.Group("/projects/:project_id/documents")
	group.POST("", m.handleUpload)
	group.POST("/import", m.handleImport)
	group.GET("", m.handleList)
	group.GET("/:doc_id", m.handleGet)
	group.POST("/:doc_id/reprocess", m.handleReprocess)
	group.DELETE("/:doc_id", m.handleDelete)

	router.POST("/projects/:project_id/context", m.handleContext)
}

// Close releases the pipeline's worker pool and the vector index handle.
func (m *Module) Close() {
	if m == nil {
		return
	}
	if m.pipeline != nil {
		m.pipeline.Close()
	}
	if m.vectors != nil {
		m.vectors.Close()
	}
}

func (m *Module) handleUpload(c *gin.Context) {
	projectID, ok := pathID(c, "project_id")
	if !ok {
		return
	}
	userID := actingUserID(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	data, contentType, err := filestore.ReadUpload(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc := &rag.Document{
		ProjectID:        projectID,
		Filename:         fileHeader.Filename,
		OriginalFilename: fileHeader.Filename,
		FileSize:         int64(len(data)),
		MimeType:         contentType,
		UploadType:       rag.UploadTypeFile,
		UploadedBy:       userID,
		Namespace:        newNamespace(),
		ProcessingStatus: rag.StatusPending,
	}

	if m.files != nil {
		objectPath, putErr := m.files.Put(c.Request.Context(), projectID, data)
		if putErr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
			return
		}
		doc.FilePath = &objectPath
	}

	if err := m.pipeline.Store().CreateDocument(c.Request.Context(), doc); err != nil {
		log.Printf("documents: create document row: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	m.pipeline.StartIngestion(doc.ID, data)
	c.JSON(http.StatusAccepted, doc)
}

func (m *Module) handleImport(c *gin.Context) {
	projectID, ok := pathID(c, "project_id")
	if !ok {
		return
	}
	userID := actingUserID(c)

	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	rawURL := strings.TrimSpace(req.URL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be http or https"})
		return
	}

	data, err := m.pipeline.DownloadDocument(c.Request.Context(), rawURL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to download document"})
		return
	}

	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = filenameFromURL(rawURL)
	}

	doc := &rag.Document{
		ProjectID:        projectID,
		Filename:         filename,
		OriginalFilename: filename,
		FileURL:          &rawURL,
		FileSize:         int64(len(data)),
		MimeType:         "application/pdf",
		UploadType:       rag.UploadTypeURL,
		UploadedBy:       userID,
		Namespace:        newNamespace(),
		ProcessingStatus: rag.StatusPending,
	}
	if err := m.pipeline.Store().CreateDocument(c.Request.Context(), doc); err != nil {
		log.Printf("documents: create document row: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}

	m.pipeline.StartIngestion(doc.ID, data)
	c.JSON(http.StatusAccepted, doc)
}

func (m *Module) handleList(c *gin.Context) {
	projectID, ok := pathID(c, "project_id")
	if !ok {
		return
	}

	docs, err := m.pipeline.Store().ListDocuments(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	counts, err := m.pipeline.Store().ChunkCounts(c.Request.Context(), projectID)
	if err != nil {
		counts = map[uint64]int{}
	}

	items := make([]gin.H, 0, len(docs))
	for _, doc := range docs {
		items = append(items, gin.H{
			"document":    doc,
			"chunk_count": counts[doc.ID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": items})
}

func (m *Module) handleGet(c *gin.Context) {
	doc, ok := m.projectDocument(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (m *Module) handleReprocess(c *gin.Context) {
	doc, ok := m.projectDocument(c)
	if !ok {
		return
	}

	if err := m.pipeline.Reprocess(c.Request.Context(), doc.ID); err != nil {
		if errors.Is(err, rag.ErrAlreadyProcessing) {
			c.JSON(http.StatusConflict, gin.H{"error": "document is already being processed"})
			return
		}
		log.Printf("documents: reprocess document %d: %v", doc.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reprocess document"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": rag.StatusPending})
}

func (m *Module) handleDelete(c *gin.Context) {
	doc, ok := m.projectDocument(c)
	if !ok {
		return
	}

	if err := m.pipeline.DeleteDocument(c.Request.Context(), doc.ID); err != nil {
		log.Printf("documents: delete document %d: %v", doc.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}

	if doc.FilePath != nil {
		if err := m.files.Remove(c.Request.Context(), *doc.FilePath); err != nil {
			log.Printf("documents: remove stored file for document %d: %v", doc.ID, err)
		}
	}
	c.Status(http.StatusNoContent)
}

func (m *Module) handleContext(c *gin.Context) {
	projectID, ok := pathID(c, "project_id")
	if !ok {
		return
	}

	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	result := m.pipeline.GetContext(c.Request.Context(), projectID, strings.TrimSpace(req.Query), req.MaxChunks)
	c.JSON(http.StatusOK, result)
}

// projectDocument loads the addressed document and verifies it belongs to the
// addressed project.
func (m *Module) projectDocument(c *gin.Context) (*rag.Document, bool) {
	projectID, ok := pathID(c, "project_id")
	if !ok {
		return nil, false
	}
	docID, ok := pathID(c, "doc_id")
	if !ok {
		return nil, false
	}

	doc, err := m.pipeline.Store().GetDocument(c.Request.Context(), docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return nil, false
	}
	if doc.ProjectID != projectID {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return nil, false
	}
	return doc, true
}

func pathID(c *gin.Context, name string) (uint64, bool) {
	value, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || value == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return value, true
}

// actingUserID reads the user id injected by the auth layer in front of this
// service. Zero means the header was absent.
func actingUserID(c *gin.Context) uint64 {
	raw := strings.TrimSpace(c.GetHeader("X-User-ID"))
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func newNamespace() string {
	return "doc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func filenameFromURL(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		name := trimmed[idx+1:]
		if cut := strings.IndexAny(name, "?#"); cut > 0 {
			name = name[:cut]
		}
		if name != "" {
			return name
		}
	}
	return "imported.pdf"
}
