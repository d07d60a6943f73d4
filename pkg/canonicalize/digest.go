package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a 256-bit collision-resistant digest.
type Algorithm string

const (
	SHA256   Algorithm = "sha256"
	SHA3_256 Algorithm = "sha3-256"
	BLAKE3   Algorithm = "blake3"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

// ParseAlgorithm resolves a configured algorithm name. Empty means DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return DefaultAlgorithm, nil
	case SHA256:
		return SHA256, nil
	case SHA3_256, "sha3":
		return SHA3_256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", name)
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA3_256:
		return sha3.New256()
	case BLAKE3:
		return blake3.New()
	default:
		return sha256.New()
	}
}

// HashBytes returns the hex digest of data under the algorithm.
func (a Algorithm) HashBytes(data []byte) string {
	h := a.newHash()
	_, _ = h.Write(data) // hash.Hash writes never fail
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the hex digest of the canonical JSON representation of v.
func (a Algorithm) Digest(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return a.HashBytes(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	return SHA256.Digest(v)
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	return SHA256.HashBytes(data)
}
