// Package local implements a filesystem blob sink for single-node deployments.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config captures the parameters for the local filesystem blob sink.
type Config struct {
	// BaseDir is the root directory where assets are written.
	BaseDir string `mapstructure:"base_dir"`
	// BaseURL, when set, is the HTTP prefix that serves BaseDir; otherwise file:// URLs are returned.
	BaseURL string `mapstructure:"base_url"`
}

// BlobStore writes assets to the local filesystem.
type BlobStore struct {
	baseDir string
	baseURL string
}

// New creates a filesystem blob sink, creating BaseDir when missing.
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

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &BlobStore{baseDir: abs, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Upload implements acquire.BlobSink.
func (s *BlobStore) Upload(_ context.Context, path string, _ string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("upload: create parent directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return fmt.Errorf("upload: write file: %w", err)
	}
	return nil
}

// PublicURL implements acquire.BlobSink. Local files never expire.
func (s *BlobStore) PublicURL(_ context.Context, path string, _ time.Duration) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", fmt.Errorf("public url: %w", err)
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("public url: %w", err)
	}
	if s.baseURL != "" {
		rel, _ := filepath.Rel(s.baseDir, full)
		return s.baseURL + "/" + filepath.ToSlash(rel), nil
	}
	return "file://" + filepath.ToSlash(full), nil
}
