//go:build gcp

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/nexus/pkg/ledger"
)

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string // Optional object prefix
}

// GCSArchive stores bundles in Google Cloud Storage under <prefix><sha256>.json.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive uses Application Default Credentials.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) Put(ctx context.Context, b *ledger.Bundle) (string, error) {
	data, hash, err := encodeBundle(b)
	if err != nil {
		return "", err
	}

	obj := a.client.Bucket(a.bucket).Object(a.prefix + hash + ".json")
	if _, err := obj.Attrs(ctx); err == nil {
		return "sha256:" + hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return "sha256:" + hash, nil
}

func (a *GCSArchive) Get(ctx context.Context, ref string) (*ledger.Bundle, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	reader, err := a.client.Bucket(a.bucket).Object(a.prefix + hash + ".json").NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return decodeBundle(data, hash)
}

// Close closes the GCS client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}

func newGCSArchiveFromEnv(ctx context.Context) (Archiver, error) {
	bucket := os.Getenv("NEXUS_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("NEXUS_ARCHIVE_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSArchive(ctx, GCSArchiveConfig{
		Bucket: bucket,
		Prefix: os.Getenv("NEXUS_ARCHIVE_PREFIX"),
	})
}
