// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a content hash function.
type Algorithm string

const (
	Blake3     Algorithm = "blake3"
	Blake2b256 Algorithm = "blake2b-256"
	SHA256     Algorithm = "sha256"
)

// DigestLength is the digest size shared by every supported algorithm.
const DigestLength = 32

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch algorithm := Algorithm(name); algorithm {
	case Blake3, Blake2b256, SHA256:
		return algorithm, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// New returns a fresh hasher for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case Blake3:
		return blake3.New(), nil
	case Blake2b256:
		return blake2b.New256(nil)
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", a)
	}
}

// Hash identifies content by algorithm and digest.
type Hash struct {
	Algorithm Algorithm
	Digest    [DigestLength]byte
}

// Sum hashes data.
func Sum(algorithm Algorithm, data []byte) (Hash, error) {
	hasher, err := algorithm.New()
	if err != nil {
		return Hash{}, err
	}
	hasher.Write(data)
	return fromHasher(algorithm, hasher), nil
}

func fromHasher(algorithm Algorithm, hasher hash.Hash) Hash {
	result := Hash{Algorithm: algorithm}
	copy(result.Digest[:], hasher.Sum(nil))
	return result
}

// String renders the hash as "<algorithm>-<hex digest>", which is also
// its file name in the store.
func (h Hash) String() string {
	return string(h.Algorithm) + "-" + hex.EncodeToString(h.Digest[:])
}

// ParseHash parses the form produced by [Hash.String].
func ParseHash(s string) (Hash, error) {
	separator := strings.LastIndexByte(s, '-')
	if separator < 0 {
		return Hash{}, fmt.Errorf("hash %q has no algorithm prefix", s)
	}
	algorithm, err := ParseAlgorithm(s[:separator])
	if err != nil {
		return Hash{}, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	encoded := s[separator+1:]
	if len(encoded) != hex.EncodedLen(DigestLength) {
		return Hash{}, fmt.Errorf("hash %q digest has %d hex characters, want %d", s, len(encoded), hex.EncodedLen(DigestLength))
	}
	result := Hash{Algorithm: algorithm}
	if _, err := hex.Decode(result.Digest[:], []byte(encoded)); err != nil {
		return Hash{}, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	return result, nil
}
