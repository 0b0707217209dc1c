package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// BlobStore keeps uploaded assets in memory and serves memory:// URLs.
type BlobStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	types map[string]string
	now   func() time.Time
}

// NewBlobStore creates an in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:  make(map[string][]byte),
		types: make(map[string]string),
		now:   time.Now,
	}
}

// Upload implements acquire.BlobSink.
func (s *BlobStore) Upload(_ context.Context, path string, contentType string, data []byte) error {
	if path == "" {
		return fmt.Errorf("upload: path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	s.types[path] = contentType
	return nil
}

// PublicURL implements acquire.BlobSink.
func (s *BlobStore) PublicURL(_ context.Context, path string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.data[path]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("public url: blob %q not uploaded", path)
	}
	out := "memory://" + path
	if expiry > 0 {
		out += "?expires=" + strconv.FormatInt(s.now().Add(expiry).Unix(), 10)
	}
	return out, nil
}

// Object returns a copy of an uploaded blob and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), data...), s.types[path], true
}
