// Package digest computes and verifies artifact checksums across the hash
// families anvil accepts in manifests.
//
// A Verifier feeds every declared algorithm from a single pass over the bytes,
// so a download is streamed once no matter how many digests the manifest lists.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported hash family.
type Algorithm string

const (
	MD5      Algorithm = "md5"
	SHA1     Algorithm = "sha1"
	SHA256   Algorithm = "sha256"
	SHA512   Algorithm = "sha512"
	SHA3_256 Algorithm = "sha3-256"
	BLAKE3   Algorithm = "blake3"
)

// Algorithms lists every supported family in preference order.
var Algorithms = []Algorithm{SHA256, SHA512, SHA3_256, BLAKE3, SHA1, MD5}

var aliases = map[string]Algorithm{
	"md5":      MD5,
	"sha1":     SHA1,
	"sha-1":    SHA1,
	"sha256":   SHA256,
	"sha-256":  SHA256,
	"sha512":   SHA512,
	"sha-512":  SHA512,
	"sha3-256": SHA3_256,
	"sha3_256": SHA3_256,
	"sha3":     SHA3_256,
	"blake3":   BLAKE3,
	"b3":       BLAKE3,
}

// ErrUnsupported reports an algorithm name anvil cannot verify.
var ErrUnsupported = errors.New("unsupported digest algorithm")

// ParseAlgorithm resolves a manifest algorithm label, accepting common aliases.
func ParseAlgorithm(value string) (Algorithm, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	if alg, ok := aliases[key]; ok {
		return alg, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, value)
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, string(a))
	}
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256, SHA3_256, BLAKE3:
		return 32
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// Legacy reports families that are accepted but too weak to stand alone.
func (a Algorithm) Legacy() bool {
	return a == MD5 || a == SHA1
}

// Expected is one digest declared for an artifact.
type Expected struct {
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	Value     string    `json:"value" yaml:"value"`
}

// NewExpected validates and normalizes a declared digest.
func NewExpected(algorithm, value string) (Expected, error) {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return Expected{}, err
	}
	normalized := strings.ToLower(strings.TrimSpace(value))
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return Expected{}, fmt.Errorf("%s digest %q is not hex: %w", alg, value, err)
	}
	if len(raw) != alg.Size() {
		return Expected{}, fmt.Errorf("%s digest has %d bytes, want %d", alg, len(raw), alg.Size())
	}
	return Expected{Algorithm: alg, Value: normalized}, nil
}

func (e Expected) String() string {
	return string(e.Algorithm) + ":" + e.Value
}

// Mismatch describes one digest that did not match the hashed bytes.
type Mismatch struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
}

// Verifier accumulates every expected digest over one stream of bytes.
type Verifier struct {
	expected []Expected
	hashes   []hash.Hash
	written  int64
}

// NewVerifier builds a verifier for the declared digests. Duplicate
// declarations for the same algorithm must agree.
func NewVerifier(expected []Expected) (*Verifier, error) {
	if len(expected) == 0 {
		return nil, errors.New("no digests declared")
	}
	v := &Verifier{}
	seen := make(map[Algorithm]string, len(expected))
	for _, exp := range expected {
		if prev, ok := seen[exp.Algorithm]; ok {
			if prev != exp.Value {
				return nil, fmt.Errorf("conflicting %s digests declared", exp.Algorithm)
			}
			continue
		}
		h, err := exp.Algorithm.New()
		if err != nil {
			return nil, err
		}
		seen[exp.Algorithm] = exp.Value
		v.expected = append(v.expected, exp)
		v.hashes = append(v.hashes, h)
	}
	return v, nil
}

// Write feeds bytes to every hash.
func (v *Verifier) Write(p []byte) (int, error) {
	for _, h := range v.hashes {
		h.Write(p)
	}
	v.written += int64(len(p))
	return len(p), nil
}

// Written returns the number of bytes hashed so far.
func (v *Verifier) Written() int64 {
	return v.written
}

// Reset discards accumulated state so the verifier can hash a fresh stream.
func (v *Verifier) Reset() {
	for _, h := range v.hashes {
		h.Reset()
	}
	v.written = 0
}

// Sums returns the hex digest per algorithm.
func (v *Verifier) Sums() map[Algorithm]string {
	out := make(map[Algorithm]string, len(v.hashes))
	for i, h := range v.hashes {
		out[v.expected[i].Algorithm] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// Check compares every declared digest and returns the first mismatch, if any.
func (v *Verifier) Check() *Mismatch {
	for i, h := range v.hashes {
		actual := hex.EncodeToString(h.Sum(nil))
		if actual != v.expected[i].Value {
			return &Mismatch{Algorithm: v.expected[i].Algorithm, Expected: v.expected[i].Value, Actual: actual}
		}
	}
	return nil
}

// Algorithms returns the distinct algorithms being verified, sorted.
func (v *Verifier) Algorithms() []Algorithm {
	out := make([]Algorithm, 0, len(v.expected))
	for _, exp := range v.expected {
		out = append(out, exp.Algorithm)
	}
	slices.Sort(out)
	return out
}

// VerifyFile hashes the file once and checks every declared digest.
func VerifyFile(path string, expected []Expected) (*Mismatch, error) {
	v, err := NewVerifier(expected)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(v, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return v.Check(), nil
}
