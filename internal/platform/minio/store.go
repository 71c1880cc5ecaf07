// Package minio implements objectstore.Store on an S3-compatible endpoint
// using the MinIO client.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/objectstore"
)

// Store reads objects through a MinIO client.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

var _ objectstore.Store = (*Store)(nil)

// New creates a Store for the configured endpoint.
func New(cfg config.ObjectStoreConfig, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "object_store"),
	}, nil
}

// Ping checks that the endpoint answers with the configured credentials.
// With a default bucket configured, the bucket must exist.
func (s *Store) Ping(ctx context.Context) error {
	if s.bucket == "" {
		if _, err := s.client.ListBuckets(ctx); err != nil {
			return fmt.Errorf("list buckets: %w", err)
		}
		return nil
	}

	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s: %w", s.bucket, objectstore.ErrNotFound)
	}
	return nil
}

// Stat implements objectstore.Store.
func (s *Store) Stat(ctx context.Context, ref objectstore.Ref) (objectstore.Info, error) {
	info, err := s.client.StatObject(ctx, ref.Bucket, ref.Key, minio.StatObjectOptions{})
	if err != nil {
		return objectstore.Info{}, mapError(ref, err)
	}
	return toInfo(info), nil
}

// Get implements objectstore.Store.
func (s *Store) Get(ctx context.Context, ref objectstore.Ref, maxBytes int64) ([]byte, objectstore.Info, error) {
	obj, err := s.client.GetObject(ctx, ref.Bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, objectstore.Info{}, mapError(ref, err)
	}
	defer func() {
		if cerr := obj.Close(); cerr != nil {
			s.logger.Warn("failed to close object reader", "ref", ref.String(), "error", cerr)
		}
	}()

	info, err := obj.Stat()
	if err != nil {
		return nil, objectstore.Info{}, mapError(ref, err)
	}

	var r io.Reader = obj
	if maxBytes > 0 {
		r = io.LimitReader(obj, maxBytes)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, objectstore.Info{}, mapError(ref, err)
	}
	return data, toInfo(info), nil
}

func toInfo(info minio.ObjectInfo) objectstore.Info {
	return objectstore.Info{
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

// mapError translates missing objects and buckets to objectstore.ErrNotFound.
func mapError(ref objectstore.Ref, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", objectstore.ErrNotFound, ref)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("object store request for %s: %w", ref, err)
	}
}
