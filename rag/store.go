package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// maxCachedTextChars bounds the extracted-text cache persisted on the
// document row on completion.
const maxCachedTextChars = 50000

// Store owns all relational access for documents and chunks. Status writes go
// through it exclusively so the state machine has one enforcement point.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AutoMigrate() error {
	if s.db == nil {
		return errors.New("rag: database connection is not configured")
	}
	return s.db.AutoMigrate(&Document{}, &Chunk{})
}

func (s *Store) GetDocument(ctx context.Context, documentID uint64) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).Take(&doc, documentID).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

func (s *Store) ListDocuments(ctx context.Context, projectID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("upload_date DESC").
		Find(&docs).Error
	return docs, err
}

// ChunkCounts returns chunk counts keyed by document id for a project's
// documents.
func (s *Store) ChunkCounts(ctx context.Context, projectID uint64) (map[uint64]int, error) {
	var rows []struct {
		DocumentID uint64
		Count      int
	}
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Select("project_document_chunks.document_id, COUNT(*) as count").
		Joins("JOIN project_documents ON project_documents.id = project_document_chunks.document_id").
		Where("project_documents.project_id = ?", projectID).
		Group("project_document_chunks.document_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uint64]int, len(rows))
	for _, row := range rows {
		counts[row.DocumentID] = row.Count
	}
	return counts, nil
}

// ClaimProcessing moves a document into the processing state. The conditional
// update is the guard against two orchestrators racing on one document: only
// one caller observes a row change.
func (s *Store) ClaimProcessing(ctx context.Context, documentID uint64) error {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ? AND processing_status <> ?", documentID, StatusProcessing).
		Updates(map[string]interface{}{
			"processing_status": StatusProcessing,
			"error_message":     gorm.Expr("NULL"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetDocument(ctx, documentID); err != nil {
			return err
		}
		return ErrAlreadyProcessing
	}
	return nil
}

// ResetPending puts a document back into pending for a reprocess run. Rejected
// while the document is still processing.
func (s *Store) ResetPending(ctx context.Context, documentID uint64) error {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ? AND processing_status <> ?", documentID, StatusProcessing).
		Updates(map[string]interface{}{
			"processing_status": StatusPending,
			"error_message":     gorm.Expr("NULL"),
			"processed_date":    gorm.Expr("NULL"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetDocument(ctx, documentID); err != nil {
			return err
		}
		return ErrAlreadyProcessing
	}
	return nil
}

// MarkCompleted records a successful run: truncated text cache, page count and
// processed timestamp.
func (s *Store) MarkCompleted(ctx context.Context, documentID uint64, text string, pageCount int) error {
	cached := text
	if runes := []rune(cached); len(runes) > maxCachedTextChars {
		cached = string(runes[:maxCachedTextChars])
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"processing_status": StatusCompleted,
			"error_message":     gorm.Expr("NULL"),
			"text_content":      cached,
			"page_count":        pageCount,
			"processed_date":    now,
		}).Error
}

// MarkFailed records the triggering error verbatim for operator diagnosis.
func (s *Store) MarkFailed(ctx context.Context, documentID uint64, cause error) error {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	if runes := []rune(message); len(runes) > 1000 {
		message = string(runes[:1000])
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&Document{}).
		Where("id = ?", documentID).
		Updates(map[string]interface{}{
			"processing_status": StatusFailed,
			"error_message":     message,
			"processed_date":    now,
		}).Error
}

func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&chunks).Error
}

func (s *Store) DeleteChunks(ctx context.Context, documentID uint64) error {
	return s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&Chunk{}).Error
}

// ChunkEmbeddingIDs lists the vector ids currently persisted for a document,
// used to purge the index before reprocessing or deletion.
func (s *Store) ChunkEmbeddingIDs(ctx context.Context, documentID uint64) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Chunk{}).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Pluck("embedding_id", &ids).Error
	return ids, err
}

// CompletedDocuments returns a project's documents eligible for retrieval.
// Documents still processing or failed are excluded.
func (s *Store) CompletedDocuments(ctx context.Context, projectID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Select("id", "project_id", "namespace", "original_filename", "upload_date").
		Where("project_id = ? AND processing_status = ?", projectID, StatusCompleted).
		Find(&docs).Error
	return docs, err
}

// DeleteDocument removes the chunk rows and the document row. Vector cleanup
// happens before this call; metadata removal never waits on it.
func (s *Store) DeleteDocument(ctx context.Context, documentID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&Document{}, documentID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("rag: document %d not found: %w", documentID, gorm.ErrRecordNotFound)
		}
		return nil
	})
}
