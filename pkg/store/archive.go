package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
)

// ErrArchiveNotFound is returned by Archiver.Get for unknown references.
var ErrArchiveNotFound = errors.New("store: archived bundle not found")

// Archiver keeps exported ledger bundles in content-addressed storage.
// References have the form "sha256:<hex>" over the bundle's canonical JSON.
type Archiver interface {
	Put(ctx context.Context, b *ledger.Bundle) (string, error)
	Get(ctx context.Context, ref string) (*ledger.Bundle, error)
}

// ArchiveType represents the archive storage backend.
type ArchiveType string

const (
	ArchiveTypeFS  ArchiveType = "fs"
	ArchiveTypeS3  ArchiveType = "s3"
	ArchiveTypeGCS ArchiveType = "gcs"
)

// NewArchiverFromEnv creates an archiver based on environment variables.
//
// Environment variables:
//   - NEXUS_ARCHIVE_TYPE: "fs" (default), "s3", or "gcs"
//   - NEXUS_ARCHIVE_DIR: base directory for the filesystem archive (default: "data/bundles")
//
// For S3:
//   - NEXUS_ARCHIVE_S3_BUCKET (required)
//   - NEXUS_ARCHIVE_S3_REGION or AWS_REGION
//   - NEXUS_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - NEXUS_ARCHIVE_PREFIX (optional)
//
// For GCS (binaries built with -tags gcp):
//   - NEXUS_ARCHIVE_GCS_BUCKET (required)
//   - NEXUS_ARCHIVE_PREFIX (optional)
func NewArchiverFromEnv(ctx context.Context) (Archiver, error) {
	archiveType := ArchiveType(os.Getenv("NEXUS_ARCHIVE_TYPE"))
	if archiveType == "" {
		archiveType = ArchiveTypeFS
	}

	switch archiveType {
	case ArchiveTypeFS:
		dir := os.Getenv("NEXUS_ARCHIVE_DIR")
		if dir == "" {
			dir = filepath.Join("data", "bundles")
		}
		return NewFileArchive(dir)
	case ArchiveTypeS3:
		return newS3ArchiveFromEnv(ctx)
	case ArchiveTypeGCS:
		return newGCSArchiveFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", archiveType)
	}
}

func newS3ArchiveFromEnv(ctx context.Context) (Archiver, error) {
	bucket := os.Getenv("NEXUS_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("NEXUS_ARCHIVE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("NEXUS_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Archive(ctx, S3ArchiveConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("NEXUS_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("NEXUS_ARCHIVE_PREFIX"),
	})
}

// encodeBundle returns the bundle's canonical bytes and content hash.
func encodeBundle(b *ledger.Bundle) ([]byte, string, error) {
	if b == nil {
		return nil, "", ledger.ErrEmptyBundle
	}
	data, err := canonicalize.JCS(b)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode bundle: %w", err)
	}
	return data, canonicalize.HashBytes(data), nil
}

func decodeBundle(data []byte, want string) (*ledger.Bundle, error) {
	if got := canonicalize.HashBytes(data); got != want {
		return nil, fmt.Errorf("%w: archived bundle hash %s, expected %s", ErrCorrupt, got, want)
	}
	var b ledger.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return &b, nil
}

// parseRef validates "sha256:<hex>" and returns the hex part.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid bundle reference: %s", ref)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid bundle reference hex: %s", ref)
	}
	return raw, nil
}

// FileArchive is a filesystem-backed Archiver.
type FileArchive struct {
	baseDir string
}

func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(_ context.Context, b *ledger.Bundle) (string, error) {
	data, hash, err := encodeBundle(b)
	if err != nil {
		return "", err
	}
	path := filepath.Join(a.baseDir, hash+".json")
	if _, err := os.Stat(path); err == nil {
		return "sha256:" + hash, nil
	}

	// Write to temp, then rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return "sha256:" + hash, nil
}

func (a *FileArchive) Get(_ context.Context, ref string) (*ledger.Bundle, error) {
	hash, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(a.baseDir, hash+".json")) //nolint:gosec // hash validated as hex
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
		}
		return nil, err
	}
	return decodeBundle(data, hash)
}
