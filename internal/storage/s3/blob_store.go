// Package s3 provides a blob sink backed by Amazon S3 or an S3-compatible service.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const maxPresignExpiry = 7 * 24 * time.Hour

// Config captures the bucket and connection settings.
type Config struct {
	Bucket    string
	KeyPrefix string
	Region    string
	// Endpoint and UsePathStyle target LocalStack or MinIO.
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
	CDNBaseURL   string
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// BlobStore writes assets to an S3 bucket.
type BlobStore struct {
	cfg     Config
	client  putter
	presign presigner
}

// NewClient loads the default AWS configuration, overriding endpoint and credentials when set.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// New creates an S3-backed blob store.
func New(client *s3.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	return newBlobStore(client, s3.NewPresignClient(client), cfg)
}

func newBlobStore(client putter, presign presigner, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{cfg: cfg, client: client, presign: presign}, nil
}

func (s *BlobStore) key(path string) string {
	path = strings.TrimLeft(path, "/")
	if prefix := strings.Trim(s.cfg.KeyPrefix, "/"); prefix != "" {
		return prefix + "/" + path
	}
	return path
}

// Upload implements acquire.BlobSink.
func (s *BlobStore) Upload(ctx context.Context, path string, contentType string, data []byte) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("upload: path is required")
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.key(path)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload object to s3: %w", err)
	}
	return nil
}

// PublicURL implements acquire.BlobSink with a presigned GET URL, or a CDN URL when configured.
func (s *BlobStore) PublicURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	if base := strings.TrimRight(s.cfg.CDNBaseURL, "/"); base != "" {
		return base + "/" + s.key(path), nil
	}
	if expiry <= 0 || expiry > maxPresignExpiry {
		expiry = maxPresignExpiry
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(path)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign s3 url: %w", err)
	}
	return req.URL, nil
}
