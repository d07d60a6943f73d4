// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of tasks, results and ledger entries.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical form of v: members sorted by UTF-16 code
// units, no insignificant whitespace, no HTML escaping, and numbers in their
// shortest ECMAScript form. Integers beyond 2^53 are therefore rounded, as
// I-JSON requires.
func JCS(v any) ([]byte, error) {
	raw, err := marshal(v)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Normalize converts v into its generic JSON form (map[string]any, []any,
// string, bool, nil, json.Number). The result shares no memory with v, so it
// can be kept as an immutable snapshot. Values that encoding/json rejects
// (channels, funcs, NaN) produce an error.
func Normalize(v any) (any, error) {
	raw, err := marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}
	return generic, nil
}

// marshal applies json tags and custom marshalers without HTML escaping.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// ErrInexactNumber reports a JSON number whose RFC 8785 form denotes a
// different value than the one written, such as integers beyond 2^53.
var ErrInexactNumber = errors.New("jcs: number is not exactly representable")

// maxExponent bounds the decimal exponent compared exactly. Anything larger
// is far outside float64 range and cannot survive canonicalization.
const maxExponent = 1000

// Canonical returns the generic JSON form of v decoded from its RFC 8785
// bytes, so every number carries its canonical text. It fails with
// ErrInexactNumber when canonicalization would change a number's value,
// which keeps the decoded form and the signed bytes describing the same
// document.
func Canonical(v any) (any, error) {
	written, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	raw, err := marshal(written)
	if err != nil {
		return nil, err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(canon))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: canonical decode failed: %w", err)
	}
	if err := sameValues(written, generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func sameValues(written, canon any) error {
	switch w := written.(type) {
	case map[string]any:
		c, ok := canon.(map[string]any)
		if !ok || len(c) != len(w) {
			return fmt.Errorf("jcs: canonical form changed shape")
		}
		for k, v := range w {
			if err := sameValues(v, c[k]); err != nil {
				return err
			}
		}
	case []any:
		c, ok := canon.([]any)
		if !ok || len(c) != len(w) {
			return fmt.Errorf("jcs: canonical form changed shape")
		}
		for i := range w {
			if err := sameValues(w[i], c[i]); err != nil {
				return err
			}
		}
	case json.Number:
		c, ok := canon.(json.Number)
		if !ok || !sameDecimal(string(w), string(c)) {
			return fmt.Errorf("%w: %s", ErrInexactNumber, w)
		}
	}
	return nil
}

// sameDecimal compares two JSON number literals by exact decimal value.
func sameDecimal(a, b string) bool {
	if a == b {
		return true
	}
	if !boundedExponent(a) || !boundedExponent(b) {
		return isZero(a) && isZero(b)
	}
	ra, ok := new(big.Rat).SetString(a)
	if !ok {
		return false
	}
	rb, ok := new(big.Rat).SetString(b)
	if !ok {
		return false
	}
	return ra.Cmp(rb) == 0
}

func boundedExponent(s string) bool {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return true
	}
	exp, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
	if err != nil {
		return false
	}
	return exp >= -maxExponent && exp <= maxExponent
}

func isZero(s string) bool {
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "-0.") == ""
}
