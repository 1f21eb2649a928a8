package epoch

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/validator"
)

var errInsufficientProducers = errors.New("not enough chunk producers to cover every shard")

// assignShards distributes chunk producers over shards while balancing the
// total stake per shard. Producers are placed in stake-descending order
// (the order they were selected in) onto the shard with the least assigned
// stake; while any shard is still below the per-shard minimum, only those
// shards are eligible. Equal load is broken deterministically by the
// smallest shard id.
func assignShards(
	chunkProducers []*validator.Stake,
	numShards primitives.NumShards,
	minValidatorsPerShard uint64,
) ([][]*validator.Stake, error) {
	if uint64(len(chunkProducers)) < uint64(numShards)*minValidatorsPerShard {
		return nil, errInsufficientProducers
	}
	assignment := make([][]*validator.Stake, numShards)
	load := make([]*uint256.Int, numShards)
	for i := range load {
		load[i] = new(uint256.Int)
	}
	for _, cp := range chunkProducers {
		best := -1
		for shard := range assignment {
			below := uint64(len(assignment[shard])) < minValidatorsPerShard
			if best >= 0 {
				bestBelow := uint64(len(assignment[best])) < minValidatorsPerShard
				if bestBelow && !below {
					continue
				}
				if below == bestBelow && !load[shard].Lt(load[best]) {
					continue
				}
			}
			best = shard
		}
		assignment[best] = append(assignment[best], cp)
		load[best].Add(load[best], cp.Stake)
	}
	for shard := range assignment {
		if uint64(len(assignment[shard])) < minValidatorsPerShard {
			return nil, errInsufficientProducers
		}
	}
	return assignment, nil
}
