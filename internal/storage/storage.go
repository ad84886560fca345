// Package storage keeps the raw uploaded PDFs in a blob store so ingestion
// and re-ingestion can read the original bytes back at any time.
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Storage is the blob-store contract used by the upload and ingestion paths.
type Storage interface {
	// Upload stores a file and returns its storage path.
	Upload(ctx context.Context, key uuid.UUID, filename string, data io.Reader) (string, error)
	// Download retrieves a file by storage path.
	Download(ctx context.Context, storagePath string) (io.ReadCloser, error)
	// Delete removes a file by storage path.
	Delete(ctx context.Context, storagePath string) error
}

const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// Config selects and parameterizes a backend.
type Config struct {
	Type         string
	LocalPath    string
	S3Bucket     string
	S3Region     string
	AWSAccessKey string
	AWSSecretKey string
}

// New builds the configured backend.
func New(cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeLocal, "":
		return NewLocalStorage(cfg.LocalPath)
	case TypeS3:
		return NewS3Storage(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// objectPath builds a unique, prefix-sharded object key from the upload key
// and a sanitized filename.
func objectPath(key uuid.UUID, filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	base = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(base)
	return fmt.Sprintf("%s/%s_%s%s", key.String()[:2], key.String(), base, ext)
}
