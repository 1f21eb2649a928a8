// Package epoch implements validator selection: the pure, deterministic
// function that turns staking proposals plus the previous epoch's state
// into the next epoch's validator assignments.
package epoch

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/shardlayout"
)

// Ratio is an exact rational. Selection never converts ratios to floats;
// all comparisons are done by cross multiplication.
type Ratio struct {
	Num uint64
	Den uint64
}

// SelectionConfig are the knobs specific to seat selection.
type SelectionConfig struct {
	NumChunkOnlyProducerSeats uint64
	MinimumValidatorsPerShard uint64
	MinimumStakeRatio         Ratio
}

// Config is the per-epoch configuration consumed by selection.
type Config struct {
	EpochLength                   primitives.BlockHeightDelta
	NumBlockProducerSeats         uint64
	NumBlockProducerSeatsPerShard []uint64
	FishermenThreshold            *uint256.Int
	ShardLayout                   *shardlayout.Layout
	Selection                     SelectionConfig
}

// DefaultSelectionConfig mirrors the production defaults.
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		NumChunkOnlyProducerSeats: 300,
		MinimumValidatorsPerShard: 1,
		MinimumStakeRatio:         Ratio{Num: 160, Den: 1_000_000},
	}
}
