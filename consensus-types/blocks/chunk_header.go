package blocks

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/validator"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// ChunkHash identifies a chunk.
type ChunkHash [32]byte

// Bytes returns the hash as a slice.
func (h ChunkHash) Bytes() []byte {
	return h[:]
}

// ChunkHeader describes one shard's chunk. HeightIncluded starts at zero
// and is stamped exactly once, when the chunk is placed into a block.
type ChunkHeader struct {
	PrevBlockHash      [32]byte
	ShardID            primitives.ShardID
	HeightCreated      primitives.BlockHeight
	heightIncluded     primitives.BlockHeight
	StateRoot          [32]byte
	OutcomeRoot        [32]byte
	GasUsed            primitives.Gas
	GasLimit           primitives.Gas
	BalanceBurnt       *uint256.Int
	ValidatorProposals []*validator.Stake
	TxRoot             [32]byte
	ReceiptsRoot       [32]byte
	Signature          primitives.Signature

	chunkHash ChunkHash
	hashed    bool
}

// ChunkHash returns the chunk identifier, computing and caching it on first
// use. HeightIncluded does not participate: inclusion stamping must not
// change a chunk's identity.
func (h *ChunkHeader) ChunkHash() ChunkHash {
	if h.hashed {
		return h.chunkHash
	}
	var buf []byte
	buf = append(buf, h.PrevBlockHash[:]...)
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.ShardID))...)
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.HeightCreated))...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.OutcomeRoot[:]...)
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.GasUsed))...)
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(h.GasLimit))...)
	if h.BalanceBurnt != nil {
		b := h.BalanceBurnt.Bytes32()
		buf = append(buf, b[:]...)
	}
	for _, p := range h.ValidatorProposals {
		buf = append(buf, []byte(p.AccountID)...)
		s := p.Stake.Bytes32()
		buf = append(buf, s[:]...)
	}
	buf = append(buf, h.TxRoot[:]...)
	buf = append(buf, h.ReceiptsRoot[:]...)
	h.chunkHash = ChunkHash(hash.Hash(buf))
	h.hashed = true
	return h.chunkHash
}

// HeightIncluded returns the height of the block this chunk landed in, or
// zero if not yet included.
func (h *ChunkHeader) HeightIncluded() primitives.BlockHeight {
	return h.heightIncluded
}

// SetHeightIncluded stamps the inclusion height. Called exactly once by
// block production.
func (h *ChunkHeader) SetHeightIncluded(height primitives.BlockHeight) {
	h.heightIncluded = height
}

// IsNewChunk reports whether the chunk was produced for the block at the
// given height rather than carried over from an earlier block.
func (h *ChunkHeader) IsNewChunk(blockHeight primitives.BlockHeight) bool {
	return h.heightIncluded == blockHeight
}

// Clone returns a copy whose inclusion stamp, BalanceBurnt and proposal
// slice are independent of the original. The Stake entries of the
// proposals and the Signature bytes are shared with the original.
func (h *ChunkHeader) Clone() *ChunkHeader {
	cp := *h
	if h.BalanceBurnt != nil {
		cp.BalanceBurnt = new(uint256.Int).Set(h.BalanceBurnt)
	}
	cp.ValidatorProposals = append([]*validator.Stake(nil), h.ValidatorProposals...)
	return &cp
}
