//go:build !gcp

package store

import (
	"context"
	"fmt"
)

func newGCSArchiveFromEnv(ctx context.Context) (Archiver, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
