package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names a digest used to derive storage keys.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// Hasher maps caller keys to storage keys.
// Keys are hashed over their UTF-8 bytes and rendered as lowercase hex.
type Hasher struct {
	algo Algorithm
}

// Default hashes with SHA-256.
var Default = Hasher{algo: SHA256}

// New returns a Hasher for the given algorithm.
func New(algo Algorithm) (Hasher, error) {
	switch algo {
	case SHA256, BLAKE2b256:
		return Hasher{algo: algo}, nil
	default:
		return Hasher{}, fmt.Errorf("unknown hash algorithm %q", algo)
	}
}

// Algorithm reports the digest in use.
func (h Hasher) Algorithm() Algorithm {
	if h.algo == "" {
		return SHA256
	}
	return h.algo
}

// Hash returns the 64-character hex digest of key.
func (h Hasher) Hash(key string) string {
	var sum [32]byte
	switch h.Algorithm() {
	case BLAKE2b256:
		sum = blake2b.Sum256([]byte(key))
	default:
		sum = sha256.Sum256([]byte(key))
	}
	return hex.EncodeToString(sum[:])
}

// Hash hashes key with the default algorithm.
func Hash(key string) string {
	return Default.Hash(key)
}
