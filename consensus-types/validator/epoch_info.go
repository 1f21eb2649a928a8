package validator

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// EpochInfo is the frozen output of validator selection for one epoch. A
// validator's position in Validators is its ValidatorID; every id appearing
// in the settlements indexes into Validators. Fishermen are disjoint from
// validators.
type EpochInfo struct {
	EpochHeight primitives.EpochHeight

	Validators       []*Stake
	ValidatorToIndex map[primitives.AccountID]primitives.ValidatorID

	BlockProducersSettlement []primitives.ValidatorID
	ChunkProducersSettlement [][]primitives.ValidatorID

	Fishermen        []*Stake
	FishermenToIndex map[primitives.AccountID]primitives.ValidatorID

	// StakeChange maps every account seen by selection to its final stake;
	// zero means unstaked.
	StakeChange      map[primitives.AccountID]*uint256.Int
	ValidatorRewards map[primitives.AccountID]*uint256.Int
	ValidatorKickout map[primitives.AccountID]KickoutReason

	MintedAmount    *uint256.Int
	SeatPrice       *uint256.Int
	ProtocolVersion primitives.ProtocolVersion
	RNGSeed         [32]byte

	// Mandates is non-nil only when chunk validation is active for the
	// epoch's protocol version.
	Mandates *Mandates
}

// GetValidator returns the stake record for a validator id.
func (e *EpochInfo) GetValidator(id primitives.ValidatorID) *Stake {
	return e.Validators[id]
}

// GetValidatorID looks up a validator id by account.
func (e *EpochInfo) GetValidatorID(account primitives.AccountID) (primitives.ValidatorID, bool) {
	id, ok := e.ValidatorToIndex[account]
	return id, ok
}

// AccountIsValidator reports whether the account holds a validator seat.
func (e *EpochInfo) AccountIsValidator(account primitives.AccountID) bool {
	_, ok := e.ValidatorToIndex[account]
	return ok
}

// AccountIsFisherman reports whether the account is a fisherman.
func (e *EpochInfo) AccountIsFisherman(account primitives.AccountID) bool {
	_, ok := e.FishermenToIndex[account]
	return ok
}

// sampleSeed derives the per-height (and optionally per-shard) sampling
// seed from the epoch rng seed.
func (e *EpochInfo) sampleSeed(height primitives.BlockHeight, extra ...uint64) [32]byte {
	buf := append([]byte(nil), e.RNGSeed[:]...)
	buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(height))...)
	for _, x := range extra {
		buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(x)...)
	}
	return hash.Hash(buf)
}

// weightedSample picks one id from the settlement with probability
// proportional to stake, deterministically in the seed.
func (e *EpochInfo) weightedSample(settlement []primitives.ValidatorID, seed [32]byte) primitives.ValidatorID {
	total := new(uint256.Int)
	for _, id := range settlement {
		total.Add(total, e.Validators[id].Stake)
	}
	if total.IsZero() {
		return settlement[0]
	}
	r := new(uint256.Int).SetBytes(seed[:])
	r.Mod(r, total)
	acc := new(uint256.Int)
	for _, id := range settlement {
		acc.Add(acc, e.Validators[id].Stake)
		if r.Lt(acc) {
			return id
		}
	}
	return settlement[len(settlement)-1]
}

// SampleBlockProducer returns the block producer for a height, sampled in
// proportion to stake.
func (e *EpochInfo) SampleBlockProducer(height primitives.BlockHeight) primitives.ValidatorID {
	return e.weightedSample(e.BlockProducersSettlement, e.sampleSeed(height))
}

// SampleChunkProducer returns the chunk producer for (height, shard).
func (e *EpochInfo) SampleChunkProducer(height primitives.BlockHeight, shard primitives.ShardID) primitives.ValidatorID {
	settlement := e.ChunkProducersSettlement[shard]
	return e.weightedSample(settlement, e.sampleSeed(height, uint64(shard)))
}

// SampleChunkValidators samples the chunk-validator assignment for a
// height: per shard, a map from validator id to the number of mandates it
// holds there. Returns nil when mandates are not active for this epoch.
func (e *EpochInfo) SampleChunkValidators(height primitives.BlockHeight) []map[primitives.ValidatorID]uint16 {
	if e.Mandates == nil {
		return nil
	}
	return e.Mandates.Sample(e.sampleSeed(height))
}
