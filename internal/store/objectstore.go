package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectBackendConfig captures configuration for the S3-compatible backend.
type ObjectBackendConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	// ObjectName is the record key below Prefix.
	ObjectName string
	UseSSL     bool
	PathStyle  bool
}

// ObjectBackend keeps the sealed record as a single object in a bucket.
type ObjectBackend struct {
	client *minio.Client
	cfg    ObjectBackendConfig

	bucketOnce sync.Once
	bucketErr  error
}

// NewObjectBackend initializes an object storage backed record store. The
// bucket is created on first write when missing.
func NewObjectBackend(cfg ObjectBackendConfig) (*ObjectBackend, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.ObjectName = strings.Trim(cfg.ObjectName, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.ObjectName == "" {
		return nil, fmt.Errorf("object store: object name is required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectBackend{client: client, cfg: cfg}, nil
}

func (s *ObjectBackend) Name() string { return "object" }

// Key returns the full object key of the record.
func (s *ObjectBackend) Key() string {
	if s.cfg.Prefix == "" {
		return s.cfg.ObjectName
	}
	return s.cfg.Prefix + "/" + s.cfg.ObjectName
}

func (s *ObjectBackend) Read(ctx context.Context) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, s.Key(), minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("object store: get record: %w", err)
	}
	defer func() { _ = object.Close() }()
	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("object store: read record: %w", err)
	}
	return data, nil
}

func (s *ObjectBackend) Write(ctx context.Context, data []byte) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.Key(), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("object store: put record: %w", err)
	}
	return nil
}

func (s *ObjectBackend) Delete(ctx context.Context) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.Key(), minio.RemoveObjectOptions{})
	if err != nil && !isObjectNotFound(err) {
		return fmt.Errorf("object store: delete record: %w", err)
	}
	return nil
}

func (s *ObjectBackend) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("object store: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			s.bucketErr = fmt.Errorf("object store: create bucket: %w", err)
		}
	})
	return s.bucketErr
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
