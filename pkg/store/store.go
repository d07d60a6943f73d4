// Package store provides durable mirrors for the audit ledger and archives
// for exported ledger bundles.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/nexus/pkg/ledger"
)

// ErrCorrupt means persisted data could not be decoded back into entries.
var ErrCorrupt = errors.New("store: corrupt ledger data")

// Store persists ledger entries and loads them back in sequence order.
// Every Store is a ledger.Sink.
type Store interface {
	ledger.Sink
	Load(ctx context.Context) ([]ledger.Entry, error)
	Close() error
}

// Resume loads s and rebuilds a ledger that keeps mirroring to s.
func Resume(ctx context.Context, s Store, opts ...ledger.Option) (*ledger.Ledger, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return ledger.Restore(entries, append(opts, ledger.WithSink(s))...)
}

// encodeRecord renders a task or result in canonical form for storage.
func encodeRecord(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	return canonicalize.JCSString(v)
}

func decodeRecord(raw string) (map[string]any, error) {
	v, err := canonicalize.Normalize(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record is not an object", ErrCorrupt)
	}
	return m, nil
}
