package resource

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Supported digest algorithm tags.
const (
	SHA224     = "sha224"
	SHA256     = "sha256"
	SHA384     = "sha384"
	SHA512     = "sha512"
	SHA512_224 = "sha512_224"
	SHA512_256 = "sha512_256"

	// DefaultAlgorithm is assumed when a hash carries no algorithm tag.
	DefaultAlgorithm = SHA256
)

var (
	// ErrEmptyHash is returned when a hash has no digest.
	ErrEmptyHash = errors.New("hash digest is empty")
	// ErrUnknownAlgorithm is returned for algorithm tags outside the supported set.
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
	// ErrMalformedDigest is returned when a digest is not valid hex of the right length.
	ErrMalformedDigest = errors.New("malformed hash digest")
)

// digestSizes maps algorithm tags to their digest length in bytes.
//
//nolint:gochecknoglobals // Read-only lookup table.
var digestSizes = map[string]int{
	SHA224:     28,
	SHA256:     32,
	SHA384:     48,
	SHA512:     64,
	SHA512_224: 28,
	SHA512_256: 32,
}

// Hash is an expected content digest together with the algorithm that produced it.
type Hash struct {
	// Algorithm is the lower-case algorithm tag, e.g. "sha256".
	Algorithm string
	// Digest is the lower-case hex encoding of the digest bytes.
	Digest string
}

// ParseHash parses "<algorithm>:<hex>" or a bare hex digest (assumed sha256).
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Hash{}, ErrEmptyHash
	}

	algorithm, digest, found := strings.Cut(s, ":")
	if !found {
		algorithm, digest = DefaultAlgorithm, s
	}

	h := Hash{
		Algorithm: strings.ToLower(strings.TrimSpace(algorithm)),
		Digest:    strings.ToLower(strings.TrimSpace(digest)),
	}

	if err := h.Validate(); err != nil {
		return Hash{}, err
	}

	return h, nil
}

// Validate checks that the algorithm is supported and the digest is well-formed.
func (h Hash) Validate() error {
	if h.Digest == "" {
		return ErrEmptyHash
	}

	size, ok := digestSizes[h.AlgorithmOrDefault()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, h.Algorithm)
	}

	raw, err := hex.DecodeString(h.Digest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDigest, err)
	}

	if len(raw) != size {
		return fmt.Errorf("%w: %s expects %d bytes, got %d", ErrMalformedDigest, h.AlgorithmOrDefault(), size, len(raw))
	}

	return nil
}

// AlgorithmOrDefault returns the algorithm tag, falling back to DefaultAlgorithm.
func (h Hash) AlgorithmOrDefault() string {
	if h.Algorithm == "" {
		return DefaultAlgorithm
	}

	return h.Algorithm
}

// Equal compares two hashes, treating an empty algorithm as DefaultAlgorithm.
func (h Hash) Equal(other Hash) bool {
	return h.AlgorithmOrDefault() == other.AlgorithmOrDefault() &&
		strings.EqualFold(h.Digest, other.Digest)
}

// String renders the hash as "<algorithm>:<hex>".
func (h Hash) String() string {
	return h.AlgorithmOrDefault() + ":" + h.Digest
}
