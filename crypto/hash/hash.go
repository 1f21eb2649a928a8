// Package hash provides the canonical content hashing used across the chain:
// block and chunk identifiers, merkle tree nodes, and flat-state value
// references are all sha256 digests.
package hash

import (
	"github.com/minio/sha256-simd"
)

// Hash defines the sha256 hash of the supplied bytes.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Combine hashes the concatenation of a and b. It is the node-combining
// function of all merkle trees in the protocol.
func Combine(a, b [32]byte) [32]byte {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}
