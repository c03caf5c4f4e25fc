package hashutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Default is the algorithm used for content hashes in cache keys and digest headers.
const Default = "sha256"

type HashFactory func() hash.Hash

var registry = map[string]HashFactory{
	"sha256": sha256.New,
	"sha512": sha512.New,
}

func Register(name string, factory HashFactory) {
	registry[name] = factory
}

func GetHasher(name string) (hash.Hash, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", name)
	}
	return factory(), nil
}

func IsSupported(name string) bool {
	_, ok := registry[name]
	return ok
}

// Sum reads r to the end and returns its hex encoded digest.
func Sum(name string, r io.Reader) (string, error) {
	hasher, err := GetHasher(name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SumString returns the hex encoded digest of s.
func SumString(name, s string) (string, error) {
	hasher, err := GetHasher(name)
	if err != nil {
		return "", err
	}
	_, _ = io.WriteString(hasher, s)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
