package blocks

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// Signer produces signatures with the local validator key.
type Signer interface {
	ValidatorID() primitives.AccountID
	PublicKey() primitives.PublicKey
	Sign(data []byte) primitives.Signature
}

// Header is a block header. Hash is computed lazily over the deterministic
// field encoding and cached; headers are treated as immutable after
// construction.
type Header struct {
	Height          primitives.BlockHeight
	PrevHash        [32]byte
	EpochID         primitives.EpochID
	NextEpochID     primitives.EpochID
	LastFinalBlock  [32]byte
	// Approvals are ordered by the epoch's ordered approvers; a nil entry
	// stands for an absent or slashed approver.
	Approvals       []primitives.Signature
	// RawTimestamp is nanoseconds since the unix epoch as claimed by the
	// producer.
	RawTimestamp    uint64
	NextBPHash      [32]byte
	BlockMerkleRoot [32]byte
	BlockOrdinal    primitives.NumBlocks
	NextGasPrice    *uint256.Int
	MintedAmount    *uint256.Int
	// EpochSyncDataHash is present only on epoch-boundary blocks.
	EpochSyncDataHash    *[32]byte
	LatestProtocolVersion primitives.ProtocolVersion
	ChunkMask            []bool
	Signature            primitives.Signature

	hash   [32]byte
	hashed bool
}

// encodeForHash is the deterministic byte encoding the header hash and the
// producer signature are computed over. The signature itself is excluded.
func (h *Header) encodeForHash() []byte {
	var buf []byte
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.Height))...)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.EpochID[:]...)
	buf = append(buf, h.NextEpochID[:]...)
	buf = append(buf, h.LastFinalBlock[:]...)
	for _, a := range h.Approvals {
		if a == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = append(buf, a...)
		}
	}
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(h.RawTimestamp)...)
	buf = append(buf, h.NextBPHash[:]...)
	buf = append(buf, h.BlockMerkleRoot[:]...)
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.BlockOrdinal))...)
	if h.NextGasPrice != nil {
		gp := h.NextGasPrice.Bytes32()
		buf = append(buf, gp[:]...)
	}
	if h.MintedAmount != nil {
		m := h.MintedAmount.Bytes32()
		buf = append(buf, m[:]...)
	}
	if h.EpochSyncDataHash != nil {
		esd := *h.EpochSyncDataHash
		buf = append(buf, esd[:]...)
	}
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.LatestProtocolVersion))...)
	for _, m := range h.ChunkMask {
		if m {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// Hash returns the header hash, computing it on first use.
func (h *Header) Hash() [32]byte {
	if !h.hashed {
		h.hash = hash.Hash(h.encodeForHash())
		h.hashed = true
	}
	return h.hash
}

// DataForSig is the payload the block producer signs.
func (h *Header) DataForSig() []byte {
	return h.encodeForHash()
}
