// Package primitives defines the scalar types shared by every subsystem of
// the node. Using distinct named types for heights, shard ids and validator
// ids keeps call sites honest about which numeric domain they operate in.
package primitives

import (
	"encoding/binary"
	"fmt"
)

// BlockHeight is the height of a block on some chain (not necessarily
// canonical).
type BlockHeight uint64

// BlockHeightDelta is a difference between two block heights.
type BlockHeightDelta uint64

// NumBlocks counts blocks, e.g. the ordinal of a block on the canonical
// chain.
type NumBlocks uint64

// ShardID identifies a shard within one shard layout.
type ShardID uint64

// NumShards counts shards in a layout.
type NumShards uint64

// ShardVersion is the version of a shard layout.
type ShardVersion uint32

// EpochHeight is the sequence number of an epoch since genesis.
type EpochHeight uint64

// ValidatorID is the index of a validator in the epoch's validator sequence.
type ValidatorID uint64

// ProtocolVersion gates feature activation.
type ProtocolVersion uint32

// Gas is an amount of computation.
type Gas uint64

// AccountID names an account. Account ids are compared lexicographically
// wherever ordering matters.
type AccountID string

// EpochID identifies an epoch. By protocol construction it is the hash of
// the last block of the epoch two before it.
type EpochID [32]byte

// PublicKey is an opaque validator public key. Key material interpretation
// belongs to the signer and the epoch manager, not to this module.
type PublicKey [32]byte

// Signature is an opaque signature over some payload.
type Signature []byte

// ShardUID uniquely identifies a shard across reshardings: the same ShardID
// in two different layout versions refers to two different key spaces.
type ShardUID struct {
	Version ShardVersion
	ShardID uint32
}

// Bytes returns the fixed 8-byte representation used as a storage key
// prefix: version then shard id, both big endian so that shards of one
// layout sort together.
func (s ShardUID) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[:4], uint32(s.Version))
	binary.BigEndian.PutUint32(b[4:], s.ShardID)
	return b
}

// ShardUIDFromBytes parses the 8-byte representation produced by Bytes.
func ShardUIDFromBytes(b []byte) (ShardUID, error) {
	if len(b) != 8 {
		return ShardUID{}, fmt.Errorf("invalid shard uid length %d", len(b))
	}
	return ShardUID{
		Version: ShardVersion(binary.BigEndian.Uint32(b[:4])),
		ShardID: binary.BigEndian.Uint32(b[4:]),
	}, nil
}

func (s ShardUID) String() string {
	return fmt.Sprintf("s%dv%d", s.ShardID, s.Version)
}
