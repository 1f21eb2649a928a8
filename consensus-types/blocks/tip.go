package blocks

import "github.com/shardlabs/tessera/consensus-types/primitives"

// Tip uniquely identifies a chain head with enough metadata for epoch and
// shard lookups. A Tip is immutable once produced.
type Tip struct {
	LastBlockHash [32]byte
	Height        primitives.BlockHeight
	EpochID       primitives.EpochID
	NextEpochID   primitives.EpochID
	PrevBlockHash [32]byte
}

// NewTip builds the tip referencing the given header.
func NewTip(h *Header) *Tip {
	return &Tip{
		LastBlockHash: h.Hash(),
		Height:        h.Height,
		EpochID:       h.EpochID,
		NextEpochID:   h.NextEpochID,
		PrevBlockHash: h.PrevHash,
	}
}
