package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Skryldev/image-decoder/config"
	"github.com/Skryldev/image-decoder/core"
	apperrors "github.com/Skryldev/image-decoder/errors"
)

// S3Client defines the minimal S3 interface the store reads through. This
// allows injection of real aws-sdk-go-v2 clients or test doubles.
type S3Client interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

// S3 serves images from AWS S3 or an S3-compatible store. Read failures
// are transient so callers can retry them.
type S3 struct {
	client S3Client
	bucket string
}

// NewS3 creates an S3 store. client must not be nil; cfg.Bucket is used for
// keys without a bucket.
func NewS3(client S3Client, cfg config.S3Config) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 storage: client must not be nil")
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) bucketFor(key core.StorageKey) string {
	if key.Bucket != "" {
		return key.Bucket
	}
	return s.bucket
}

func (s *S3) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "s3.get", err)
	}
	rc, err := s.client.GetObject(ctx, s.bucketFor(key), key.Path)
	if err != nil {
		return nil, apperrors.Transient("s3.get", err)
	}
	return rc, nil
}

func (s *S3) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "s3.exists", err)
	}
	ok, err := s.client.HeadObject(ctx, s.bucketFor(key), key.Path)
	if err != nil {
		return false, apperrors.Transient("s3.exists", err)
	}
	return ok, nil
}

// New returns the store cfg.Storage selects. client is only used for S3.
func New(cfg config.Config, client S3Client) (core.SourceStore, error) {
	switch cfg.Storage {
	case config.StorageLocal, "":
		return NewLocal(cfg.Local)
	case config.StorageS3:
		return NewS3(client, cfg.S3)
	}
	return nil, apperrors.New(apperrors.CategoryConfig, "storage.new", fmt.Errorf("unknown storage backend %q", cfg.Storage))
}
