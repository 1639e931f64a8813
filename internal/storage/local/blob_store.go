// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs are stored.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes image artifacts and detector snapshots to the local
// filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a local filesystem-backed blob store, creating BaseDir when
// missing and verifying it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject writes data to a file under the base directory and returns a
// file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}
	if err := os.WriteFile(fullPath, body, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + fullPath, nil
}

// GetObject reads back a previously stored object.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(fullPath) // #nosec G304 -- path is confined to baseDir above
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return body, nil
}

// resolve joins path onto the base directory and rejects traversal outside
// it.
func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	base := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(fullPath, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return fullPath, nil
}
