package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/nexus/pkg/canonicalize"
)

// BundleVersion is the format version written by Export.
const BundleVersion = "1.0.0"

// supportedBundles is the range of bundle format versions VerifyBundle accepts.
const supportedBundles = ">= 1.0.0, < 2.0.0"

var (
	ErrEmptyBundle        = errors.New("ledger: bundle is empty")
	ErrBundleHashMismatch = errors.New("ledger: bundle hash mismatch")
	ErrBundleVersion      = errors.New("ledger: unsupported bundle version")
)

// Bundle is an exportable, self-verifying copy of a ledger.
type Bundle struct {
	BundleID   string                 `json:"bundle_id"`
	Version    string                 `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
	Identity   string                 `json:"identity,omitempty"`
	Algorithm  canonicalize.Algorithm `json:"digest"`
	Chained    bool                   `json:"chained"`
	EntryCount int                    `json:"entry_count"`
	Entries    []Entry                `json:"entries"`
	ChainHead  string                 `json:"chain_head"`
	BundleHash string                 `json:"bundle_hash"`
}

// Export packages the ledger's current entries. identity labels the exporter.
func Export(r Reader, identity string) (*Bundle, error) {
	entries := r.Entries()
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}

	b := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    BundleVersion,
		CreatedAt:  time.Now().UTC(),
		Identity:   identity,
		Algorithm:  r.Algorithm(),
		Chained:    r.Chained(),
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].Signature,
	}

	h, err := bundleHash(b)
	if err != nil {
		return nil, fmt.Errorf("failed to hash bundle entries: %w", err)
	}
	b.BundleHash = h
	return b, nil
}

// VerifyBundle checks the bundle's format version, its hash, and every entry
// signature (and chain link, for chained bundles).
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyBundle
	}

	v, err := semver.NewVersion(b.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrBundleVersion, b.Version, err)
	}
	constraint, err := semver.NewConstraint(supportedBundles)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrBundleVersion, b.Version, supportedBundles)
	}

	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("bundle declares %d entries but carries %d", b.EntryCount, len(b.Entries))
	}

	computed, err := bundleHash(b)
	if err != nil {
		return err
	}
	if computed != b.BundleHash {
		return ErrBundleHashMismatch
	}

	alg, err := canonicalize.ParseAlgorithm(string(b.Algorithm))
	if err != nil {
		return err
	}
	if err := verifyEntries(b.Entries, alg, b.Chained); err != nil {
		return err
	}
	if head := b.Entries[len(b.Entries)-1].Signature; head != b.ChainHead {
		return fmt.Errorf("%w: chain head %s does not match last entry %s", ErrChainBroken, b.ChainHead, head)
	}
	return nil
}

// bundleHash covers the entries and the parameters needed to re-verify them.
func bundleHash(b *Bundle) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"version": b.Version,
		"digest":  b.Algorithm,
		"chained": b.Chained,
		"entries": b.Entries,
	})
}
