package epoch

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/validator"
	"github.com/shardlabs/tessera/testing/assert"
	"github.com/shardlabs/tessera/testing/require"
)

func producers(stakes ...uint64) []*validator.Stake {
	out := make([]*validator.Stake, 0, len(stakes))
	for i, s := range stakes {
		out = append(out, validator.NewStake(
			primitives.AccountID(string(rune('a'+i))), primitives.PublicKey{}, s))
	}
	return out
}

func TestAssignShards_BalancesStake(t *testing.T) {
	got, err := assignShards(producers(2000, 1000, 300), 2, 1)
	require.NoError(t, err)
	require.Equal(t, 2, len(got))
	assert.Equal(t, 1, len(got[0]))
	assert.Equal(t, 2, len(got[1]))
	assert.Equal(t, uint64(2000), got[0][0].Stake.Uint64())
}

func TestAssignShards_MinimumFirst(t *testing.T) {
	// With four shards and four producers each shard gets exactly one, even
	// though pure stake balancing would pile the small stakes together.
	got, err := assignShards(producers(4000, 10, 9, 8), 4, 1)
	require.NoError(t, err)
	for shard, vs := range got {
		require.Equal(t, 1, len(vs), "shard %d", shard)
	}
}

func TestAssignShards_EqualLoadPrefersSmallestShard(t *testing.T) {
	got, err := assignShards(producers(100, 100), 2, 0)
	require.NoError(t, err)
	// First producer lands on shard 0, second balances onto shard 1.
	require.Equal(t, 1, len(got[0]))
	require.Equal(t, 1, len(got[1]))
	assert.Equal(t, primitives.AccountID("a"), got[0][0].AccountID)
	assert.Equal(t, primitives.AccountID("b"), got[1][0].AccountID)
}

func TestAssignShards_NotEnoughProducers(t *testing.T) {
	_, err := assignShards(producers(1000), 2, 1)
	require.ErrorContains(t, "not enough chunk producers", err)
}

func TestAssignShards_StakeSumsEqualForArithmeticSequence(t *testing.T) {
	stakes := make([]uint64, 40)
	for i := range stakes {
		stakes[i] = 2049 - uint64(i)
	}
	got, err := assignShards(producers(stakes...), 2, 1)
	require.NoError(t, err)
	sum := func(vs []*validator.Stake) *uint256.Int {
		s := new(uint256.Int)
		for _, v := range vs {
			s.Add(s, v.Stake)
		}
		return s
	}
	assert.Equal(t, 0, sum(got[0]).Cmp(sum(got[1])))
}
