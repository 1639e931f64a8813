// Package memory stores blobs in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}
	s.mu.Lock()
	s.data[path] = append([]byte(nil), body...)
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns a stored object.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("object %q not found", path)
	}
	return append([]byte(nil), body...), nil
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
