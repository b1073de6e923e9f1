package verifier

import (
	"crypto"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"

	// Register the SHA-2 family with crypto.Hash.
	_ "crypto/sha256"
	_ "crypto/sha512"
)

var (
	// ErrMismatch indicates the computed digest differs from the expected one.
	ErrMismatch = errors.New("checksum mismatch")
	// ErrUnsupportedAlgorithm indicates the hash algorithm is not available.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// MismatchError provides details about a failed verification.
// It wraps ErrMismatch so callers can use errors.Is for classification.
type MismatchError struct {
	Resource  string
	Algorithm string
	Expected  string
	Actual    string
}

// Error returns a description showing both digests.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum verification failed for %s (%s): expected %s, got %s",
		e.Resource, e.Algorithm, e.Expected, e.Actual)
}

// Unwrap returns ErrMismatch.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Function returns the crypto.Hash for an algorithm tag; empty means resource.DefaultAlgorithm.
func Function(algorithm string) (crypto.Hash, error) {
	if algorithm == "" {
		algorithm = resource.DefaultAlgorithm
	}

	var h crypto.Hash

	switch algorithm {
	case resource.SHA224:
		h = crypto.SHA224
	case resource.SHA256:
		h = crypto.SHA256
	case resource.SHA384:
		h = crypto.SHA384
	case resource.SHA512:
		h = crypto.SHA512
	case resource.SHA512_224:
		h = crypto.SHA512_224
	case resource.SHA512_256:
		h = crypto.SHA512_256
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	if !h.Available() {
		return 0, fmt.Errorf("%w: %s not linked", ErrUnsupportedAlgorithm, algorithm)
	}

	return h, nil
}

// Digest computes the raw digest of data with the named algorithm.
func Digest(data []byte, algorithm string) ([]byte, error) {
	h, err := Function(algorithm)
	if err != nil {
		return nil, err
	}

	hasher := h.New()
	if _, err = hasher.Write(data); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}

// HexDigest computes the lower-case hex digest of data.
func HexDigest(data []byte, algorithm string) (string, error) {
	sum, err := Digest(data, algorithm)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sum), nil
}

// Verify checks data against expected. It never retries and never accepts a mismatch.
func Verify(data []byte, expected resource.Hash) error {
	return VerifyResource("", data, expected)
}

// VerifyResource is Verify with the resource name carried into the mismatch error.
func VerifyResource(name string, data []byte, expected resource.Hash) error {
	want, err := hex.DecodeString(expected.Digest)
	if err != nil || len(want) == 0 {
		return fmt.Errorf("%w: %s", resource.ErrMalformedDigest, expected.Digest)
	}

	got, err := Digest(data, expected.AlgorithmOrDefault())
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(want, got) != 1 {
		return &MismatchError{
			Resource:  name,
			Algorithm: expected.AlgorithmOrDefault(),
			Expected:  hex.EncodeToString(want),
			Actual:    hex.EncodeToString(got),
		}
	}

	return nil
}
