package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxDocumentBytes int64 = 50 * 1024 * 1024

// DocumentStorage keeps uploaded PDFs in MinIO/S3 so ingestion can be rerun
// from the original bytes at any time.
type DocumentStorage struct {
	client *minio.Client
	bucket string
}

// NewDocumentStorageFromEnv initialises DocumentStorage using MINIO_*
// environment variables. Returns nil, nil when unconfigured: uploads then
// keep bytes only for the initial ingestion run and reprocessing uploads is
// unavailable.
func NewDocumentStorageFromEnv() (*DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &DocumentStorage{client: client, bucket: bucket}, nil
}

// ReadUpload drains a multipart upload into memory with a hard size cap and a
// PDF content check, returning the raw bytes and detected content type.
func ReadUpload(fileHeader *multipart.FileHeader) ([]byte, string, error) {
	if fileHeader == nil {
		return nil, "", errors.New("storage: document file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxDocumentBytes {
		return nil, "", fmt.Errorf("storage: document size exceeds %d bytes", maxDocumentBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, "", fmt.Errorf("storage: open document: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxDocumentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("storage: read document: %w", err)
	}
	if written > maxDocumentBytes {
		return nil, "", fmt.Errorf("storage: document size exceeds %d bytes", maxDocumentBytes)
	}

	data := buffer.Bytes()
	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isPDFContent(contentType, data) {
		return nil, "", fmt.Errorf("storage: unsupported document content type %q", contentType)
	}
	return data, "application/pdf", nil
}

// Put stores document bytes under documents/<projectID>/<uuid>.pdf and
// returns the object path for the document row.
func (s *DocumentStorage) Put(ctx context.Context, projectID uint64, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: document storage not configured")
	}

	objectName := path.Join("documents", fmt.Sprintf("%d", projectID), uuid.NewString()+".pdf")

	putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(putCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", fmt.Errorf("storage: put document: %w", err)
	}
	return objectName, nil
}

// Fetch loads a stored document's bytes by object path.
func (s *DocumentStorage) Fetch(ctx context.Context, objectPath string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: document storage not configured")
	}

	getCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	object, err := s.client.GetObject(getCtx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get document: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read document object: %w", err)
	}
	if int64(len(data)) > maxDocumentBytes {
		return nil, fmt.Errorf("storage: stored document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}

// Remove deletes a stored document object. Missing objects are not an error.
func (s *DocumentStorage) Remove(ctx context.Context, objectPath string) error {
	if s == nil || s.client == nil {
		return nil
	}
	if strings.TrimSpace(objectPath) == "" {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.RemoveObject(removeCtx, s.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: remove document: %w", err)
	}
	return nil
}

func isPDFContent(contentType string, data []byte) bool {
	lowered := strings.ToLower(contentType)
	if strings.Contains(lowered, "application/pdf") {
		return true
	}
	// Some browsers send octet-stream for PDFs; trust the magic bytes.
	return bytes.HasPrefix(data, []byte("%PDF-"))
}
