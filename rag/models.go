package rag

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	UploadTypeFile = "file"
	UploadTypeURL  = "url"
)

// Document is one ingested PDF belonging to a project. Its vectors live in the
// vector index under Namespace, which never changes after creation.
type Document struct {
	ID               uint64     `gorm:"primaryKey" json:"id"`
	ProjectID        uint64     `gorm:"not null;index:idx_project_document" json:"project_id"`
	Filename         string     `gorm:"size:255;not null" json:"filename"`
	OriginalFilename string     `gorm:"size:255;not null" json:"original_filename"`
	FilePath         *string    `gorm:"size:512" json:"file_path,omitempty"`
	FileURL          *string    `gorm:"size:1024" json:"file_url,omitempty"`
	FileSize         int64      `gorm:"not null;default:0" json:"file_size"`
	MimeType         string     `gorm:"size:100" json:"mime_type"`
	UploadType       string     `gorm:"size:16;not null;default:'file'" json:"upload_type"`
	UploadedBy       uint64     `gorm:"not null;index" json:"uploaded_by"`
	Namespace        string     `gorm:"size:64;not null;uniqueIndex" json:"namespace"`
	ProcessingStatus string     `gorm:"size:16;not null;default:'pending';index" json:"processing_status"`
	ErrorMessage     *string    `gorm:"size:1024" json:"error_message,omitempty"`
	TextContent      *string    `gorm:"type:mediumtext" json:"-"`
	PageCount        int        `gorm:"not null;default:0" json:"page_count"`
	UploadDate       time.Time  `gorm:"autoCreateTime" json:"upload_date"`
	ProcessedDate    *time.Time `json:"processed_date,omitempty"`
}

func (Document) TableName() string {
	return "project_documents"
}

// Chunk is one embedded slice of a document's extracted text. Rows are written
// in one batch after a successful ingestion run and never updated.
type Chunk struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	DocumentID  uint64         `gorm:"not null;uniqueIndex:idx_document_chunk" json:"document_id"`
	ChunkIndex  int            `gorm:"not null;uniqueIndex:idx_document_chunk" json:"chunk_index"`
	ChunkText   string         `gorm:"type:text;not null" json:"chunk_text"`
	ChunkTokens int            `gorm:"not null;default:0" json:"chunk_tokens"`
	PageNumber  *int           `json:"page_number,omitempty"`
	EmbeddingID string         `gorm:"size:128;not null;uniqueIndex" json:"embedding_id"`
	Metadata    datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (Chunk) TableName() string {
	return "project_document_chunks"
}

// chunkEmbeddingID is the externally addressable id of a chunk's vector. It is
// derived from the document id and chunk index only, so reprocessing a document
// overwrites its previous vectors instead of accumulating stale ones.
func chunkEmbeddingID(documentID uint64, index int) string {
	return fmt.Sprintf("doc_%d_chunk_%d", documentID, index)
}

// vectorPointID maps an embedding id to the form the vector index accepts as
// a point id: Qdrant only takes unsigned integers or UUIDs. The UUID is a pure
// function of the embedding id, so the same document id and chunk index always
// address the same point and a reprocess overwrites rather than accumulates.
func vectorPointID(embeddingID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(embeddingID)).String()
}
