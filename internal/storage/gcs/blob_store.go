// Package gcs provides a blob sink backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and URL settings.
type Config struct {
	Bucket string
	// CDNBaseURL, when set, serves assets from a public CDN instead of signed URLs.
	CDNBaseURL string
	// SignerEmail and SignerKey are only needed outside environments with a metadata signer.
	SignerEmail string
	SignerKey   []byte
}

type writerFunc func(ctx context.Context, object, contentType string, customTime time.Time) io.WriteCloser

type signerFunc func(object string, opts *storage.SignedURLOptions) (string, error)

// BlobStore writes assets to a GCS bucket.
type BlobStore struct {
	cfg       Config
	newWriter writerFunc
	sign      signerFunc
	now       func() time.Time
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	bucket := client.Bucket(cfg.Bucket)
	return &BlobStore{
		cfg: cfg,
		newWriter: func(ctx context.Context, object, contentType string, customTime time.Time) io.WriteCloser {
			w := bucket.Object(object).NewWriter(ctx)
			w.ContentType = contentType
			// CustomTime drives the bucket's age-based lifecycle rule for expired assets.
			w.CustomTime = customTime
			return w
		},
		sign: bucket.SignedURL,
		now:  time.Now,
	}, nil
}

// Upload implements acquire.BlobSink.
func (s *BlobStore) Upload(ctx context.Context, path string, contentType string, data []byte) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("upload: path is required")
	}
	w := s.newWriter(ctx, path, contentType, s.now().UTC())
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("upload object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("upload object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload object: close writer: %w", err)
	}
	return nil
}

// PublicURL implements acquire.BlobSink with a V4 signed GET URL, or a CDN URL when configured.
func (s *BlobStore) PublicURL(_ context.Context, path string, expiry time.Duration) (string, error) {
	if base := strings.TrimRight(s.cfg.CDNBaseURL, "/"); base != "" {
		return base + "/" + strings.TrimLeft(path, "/"), nil
	}
	if expiry <= 0 || expiry > 7*24*time.Hour {
		expiry = 7 * 24 * time.Hour
	}
	opts := &storage.SignedURLOptions{
		Method:  "GET",
		Scheme:  storage.SigningSchemeV4,
		Expires: s.now().Add(expiry),
	}
	if s.cfg.SignerEmail != "" {
		opts.GoogleAccessID = s.cfg.SignerEmail
		opts.PrivateKey = s.cfg.SignerKey
	}
	signed, err := s.sign(path, opts)
	if err != nil {
		return "", fmt.Errorf("sign storage url: %w", err)
	}
	return signed, nil
}
