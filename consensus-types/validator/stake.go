// Package validator defines the staking data model: validator stakes, the
// frozen per-epoch validator assignment (EpochInfo), kickout reasons, and
// the chunk-validator mandate table.
package validator

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
)

// Stake is one account's staking position. Stakes are 128-bit unsigned
// amounts; uint256 is used as the carrier with the upper half always zero.
type Stake struct {
	AccountID primitives.AccountID
	PublicKey primitives.PublicKey
	Stake     *uint256.Int
}

// NewStake builds a staking position from a uint64 amount. Tests and
// genesis tooling use it; production amounts come in as uint256 already.
func NewStake(account primitives.AccountID, key primitives.PublicKey, amount uint64) *Stake {
	return &Stake{AccountID: account, PublicKey: key, Stake: uint256.NewInt(amount)}
}

// Copy returns a deep copy.
func (s *Stake) Copy() *Stake {
	return &Stake{
		AccountID: s.AccountID,
		PublicKey: s.PublicKey,
		Stake:     new(uint256.Int).Set(s.Stake),
	}
}

// KickoutKind enumerates the reasons a validator can be excluded from the
// next epoch.
type KickoutKind int

const (
	// KickoutSlashed - the validator was slashed.
	KickoutSlashed KickoutKind = iota
	// KickoutNotEnoughBlocks - insufficient online presence as a block
	// producer.
	KickoutNotEnoughBlocks
	// KickoutNotEnoughChunks - insufficient online presence as a chunk
	// producer.
	KickoutNotEnoughChunks
	// KickoutUnstaked - the account withdrew its stake.
	KickoutUnstaked
	// KickoutNotEnoughStake - the stake fell below the epoch seat price.
	KickoutNotEnoughStake
	// KickoutDidNotGetASeat - enough stake to stay a fisherman but no seat.
	KickoutDidNotGetASeat
)

// KickoutReason is the recorded reason for a kickout. Stake and Threshold
// are populated for KickoutNotEnoughStake; Produced and Expected for the
// online-presence kinds.
type KickoutReason struct {
	Kind      KickoutKind
	Stake     *uint256.Int
	Threshold *uint256.Int
	Produced  uint64
	Expected  uint64
}

// NotEnoughStake builds the stake-below-threshold reason.
func NotEnoughStake(stake, threshold *uint256.Int) KickoutReason {
	return KickoutReason{
		Kind:      KickoutNotEnoughStake,
		Stake:     new(uint256.Int).Set(stake),
		Threshold: new(uint256.Int).Set(threshold),
	}
}

// Unstaked builds the voluntary-unstake reason.
func Unstaked() KickoutReason {
	return KickoutReason{Kind: KickoutUnstaked}
}

// Equal compares two kickout reasons field by field.
func (k KickoutReason) Equal(other KickoutReason) bool {
	if k.Kind != other.Kind || k.Produced != other.Produced || k.Expected != other.Expected {
		return false
	}
	if (k.Stake == nil) != (other.Stake == nil) || (k.Threshold == nil) != (other.Threshold == nil) {
		return false
	}
	if k.Stake != nil && k.Stake.Cmp(other.Stake) != 0 {
		return false
	}
	if k.Threshold != nil && k.Threshold.Cmp(other.Threshold) != 0 {
		return false
	}
	return true
}
