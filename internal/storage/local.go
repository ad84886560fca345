package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStorage stores uploads on the local filesystem, for development and
// single-node deployments.
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		basePath = "./uploads"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory failed: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) Upload(ctx context.Context, key uuid.UUID, filename string, data io.Reader) (string, error) {
	storagePath := objectPath(key, filename)
	fullPath := filepath.Join(s.basePath, storagePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create object directory failed: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create object file failed: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, data); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("write object file failed: %w", err)
	}
	return storagePath, nil
}

func (s *LocalStorage) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(s.basePath, storagePath))
	if err != nil {
		return nil, fmt.Errorf("open object file failed: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, storagePath string) error {
	err := os.Remove(filepath.Join(s.basePath, storagePath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object file failed: %w", err)
	}
	return nil
}
