package blocks

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/validator"
)

// ChunkExtra is the post-application state digest for a chunk: what the
// shard's state looks like after applying the chunk at some block.
type ChunkExtra struct {
	StateRoot          [32]byte
	OutcomeRoot        [32]byte
	GasUsed            primitives.Gas
	GasLimit           primitives.Gas
	BalanceBurnt       *uint256.Int
	ValidatorProposals []*validator.Stake
}
