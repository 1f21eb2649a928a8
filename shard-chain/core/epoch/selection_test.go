package epoch

import (
	"fmt"
	"sort"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/shardlayout"
	"github.com/shardlabs/tessera/consensus-types/validator"
	"github.com/shardlabs/tessera/testing/assert"
	"github.com/shardlabs/tessera/testing/require"
)

func setupConfig(t *testing.T, mutate func(*params.Config)) {
	prev := params.ShardConfig()
	c := params.MinimalTestConfig()
	if mutate != nil {
		mutate(c)
	}
	params.OverrideShardConfig(c)
	t.Cleanup(func() { params.OverrideShardConfig(prev) })
}

func createEpochConfig(numShards primitives.NumShards, numBPSeats uint64, fishermenThreshold uint64, sel SelectionConfig) *Config {
	perShard := make([]uint64, numShards)
	for i := range perShard {
		perShard[i] = numBPSeats
	}
	return &Config{
		EpochLength:                   10,
		NumBlockProducerSeats:         numBPSeats,
		NumBlockProducerSeatsPerShard: perShard,
		FishermenThreshold:            uint256.NewInt(fishermenThreshold),
		ShardLayout:                   shardlayout.NewLayout(0, numShards),
		Selection:                     sel,
	}
}

func createProposals(entries ...struct {
	account string
	stake   uint64
}) []*validator.Stake {
	out := make([]*validator.Stake, 0, len(entries))
	for _, e := range entries {
		out = append(out, validator.NewStake(primitives.AccountID(e.account), primitives.PublicKey{}, e.stake))
	}
	return out
}

func proposal(account string, stake uint64) struct {
	account string
	stake   uint64
} {
	return struct {
		account string
		stake   uint64
	}{account, stake}
}

func createPrevEpochInfo(epochHeight primitives.EpochHeight, validators, fishermen []*validator.Stake) *validator.EpochInfo {
	info := &validator.EpochInfo{
		EpochHeight:      epochHeight,
		Validators:       validators,
		ValidatorToIndex: make(map[primitives.AccountID]primitives.ValidatorID),
		Fishermen:        fishermen,
		FishermenToIndex: make(map[primitives.AccountID]primitives.ValidatorID),
	}
	for i, v := range validators {
		info.ValidatorToIndex[v.AccountID] = primitives.ValidatorID(i)
	}
	for i, f := range fishermen {
		info.FishermenToIndex[f.AccountID] = primitives.ValidatorID(i)
	}
	return info
}

func TestValidatorAssignment_AllBlockProducers(t *testing.T) {
	// Given fewer proposals than the number of seats, none of which has too
	// little stake, they all get assigned as block and chunk producers.
	setupConfig(t, nil)
	cfg := createEpochConfig(2, 100, 0, DefaultSelectionConfig())
	prev := createPrevEpochInfo(7,
		createProposals(proposal("test1", 100), proposal("test2", 100)), nil)
	proposals := createProposals(
		proposal("test1", 1000), proposal("test2", 2000), proposal("test3", 300))

	info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, proposals, nil, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)

	assert.Equal(t, primitives.EpochHeight(8), info.EpochHeight)

	// Block producers are assigned in decreasing order of stake.
	wantOrder := []primitives.AccountID{"test2", "test1", "test3"}
	require.Equal(t, len(wantOrder), len(info.Validators))
	for i, account := range wantOrder {
		assert.Equal(t, account, info.Validators[i].AccountID)
	}
	assert.DeepEqual(t, []primitives.ValidatorID{0, 1, 2}, info.BlockProducersSettlement)
	assert.Equal(t, 0, len(info.Fishermen))

	// Validators are split between shards to make roughly equal stakes: in
	// this case shard 0 has 2000 while shard 1 has 1300.
	assert.DeepEqual(t, [][]primitives.ValidatorID{{0}, {1, 2}}, info.ChunkProducersSettlement)
}

func TestValidatorAssignment_WithChunkOnlyProducers(t *testing.T) {
	// More block producer proposals than seats: the surplus becomes chunk
	// only producers alongside the chunk-only proposals.
	setupConfig(t, nil)
	numBPSeats := uint64(10)
	numCPSeats := uint64(30)
	cfg := createEpochConfig(2, numBPSeats,
		// High fishermen threshold so that none become fishermen.
		10_000,
		SelectionConfig{
			NumChunkOnlyProducerSeats: numCPSeats,
			MinimumValidatorsPerShard: 1,
			MinimumStakeRatio:         Ratio{Num: 160, Den: 1_000_000},
		})
	test1Stake := uint64(1000)
	prev := createPrevEpochInfo(3, createProposals(
		// test1 is not in the proposals below and will get kicked out
		// because its stake is too low. test2 submits a new proposal, so
		// its stake comes from there, but it too will be kicked out.
		proposal("test1", test1Stake), proposal("test2", 1234)), nil)

	var proposals []*validator.Stake
	for i := uint64(2); i < 2*numBPSeats+numCPSeats; i++ {
		proposals = append(proposals, validator.NewStake(
			primitives.AccountID(fmt.Sprintf("test%d", i)), primitives.PublicKey{}, 2000+i))
	}

	info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, proposals, nil, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)

	assert.Equal(t, primitives.EpochHeight(4), info.EpochHeight)

	// The top stakes are the chosen block producers.
	sorted := append([]*validator.Stake(nil), proposals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Stake.Gt(sorted[j].Stake) })
	require.Equal(t, int(numBPSeats), len(info.BlockProducersSettlement))
	for i, id := range info.BlockProducersSettlement {
		assert.Equal(t, sorted[i].AccountID, info.GetValidator(id).AccountID)
	}

	// Stakes are evenly distributed between the two shards.
	stakeSum := func(ids []primitives.ValidatorID) *uint256.Int {
		sum := new(uint256.Int)
		for _, id := range ids {
			sum.Add(sum, info.GetValidator(id).Stake)
		}
		return sum
	}
	assert.Equal(t, 0, stakeSum(info.ChunkProducersSettlement[0]).Cmp(stakeSum(info.ChunkProducersSettlement[1])))

	// The top proposals are all chunk producers.
	var chosen []*validator.Stake
	for _, shard := range info.ChunkProducersSettlement {
		for _, id := range shard {
			chosen = append(chosen, info.GetValidator(id))
		}
	}
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].Stake.Gt(chosen[j].Stake) })
	require.Equal(t, int(numBPSeats+numCPSeats), len(chosen))
	for i, v := range chosen {
		assert.Equal(t, sorted[i].AccountID, v.AccountID)
	}

	// The old low-stake accounts were not accepted anywhere.
	require.Equal(t, 2, len(info.ValidatorKickout))
	threshold := uint256.NewInt(2011)
	want1 := validator.NotEnoughStake(uint256.NewInt(test1Stake), threshold)
	want2 := validator.NotEnoughStake(uint256.NewInt(2002), threshold)
	assert.Equal(t, true, info.ValidatorKickout["test1"].Equal(want1))
	assert.Equal(t, true, info.ValidatorKickout["test2"].Equal(want2))
}

func TestValidatorAssignment_RatioCondition(t *testing.T) {
	// There are more seats than proposals, but the lower proposals are too
	// small relative to the total: the probability of them producing a
	// block would be too low.
	run := func(t *testing.T, fixStakingThreshold bool, wantThreshold uint64) {
		setupConfig(t, func(c *params.Config) {
			if !fixStakingThreshold {
				c.FixStakingThresholdVersion = 1 << 30
			}
		})
		cfg := createEpochConfig(1, 100, 150, SelectionConfig{
			NumChunkOnlyProducerSeats: 300,
			MinimumValidatorsPerShard: 1,
			// Higher than production, for example purposes.
			MinimumStakeRatio: Ratio{Num: 1, Den: 10},
		})
		// test5 and test6 are going to be kicked for not enough stake.
		prev := createPrevEpochInfo(7,
			createProposals(proposal("test5", 100), proposal("test6", 50)), nil)
		proposals := createProposals(
			proposal("test1", 1000),
			proposal("test2", 1000),
			proposal("test3", 1000), // the total up to this point is 3000
			proposal("test4", 200),  // below 1/10 of 3000: fisherman at most
			proposal("test5", 100),  // too small even for a fisherman
			proposal("test6", 50),
		)

		info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, proposals, nil, nil, uint256.NewInt(0), 63, 63)
		require.NoError(t, err)

		require.Equal(t, 3, len(info.Validators))
		require.Equal(t, 1, len(info.Fishermen))
		assert.Equal(t, primitives.AccountID("test4"), info.Fishermen[0].AccountID)

		require.Equal(t, 2, len(info.ValidatorKickout))
		threshold := uint256.NewInt(wantThreshold)
		assert.Equal(t, true, info.ValidatorKickout["test5"].Equal(
			validator.NotEnoughStake(uint256.NewInt(100), threshold)))
		assert.Equal(t, true, info.ValidatorKickout["test6"].Equal(
			validator.NotEnoughStake(uint256.NewInt(50), threshold)))
		assert.Equal(t, 0, info.SeatPrice.Cmp(threshold))
	}

	t.Run("fix_staking_threshold", func(t *testing.T) { run(t, true, 334) })
	t.Run("legacy_threshold", func(t *testing.T) { run(t, false, 300) })
}

func TestValidatorAssignment_ThresholdBoundary(t *testing.T) {
	// A proposal at exactly the seat price is included; one unit below is
	// not.
	setupConfig(t, nil)
	cfg := createEpochConfig(1, 100, 150, SelectionConfig{
		NumChunkOnlyProducerSeats: 300,
		MinimumValidatorsPerShard: 1,
		MinimumStakeRatio:         Ratio{Num: 1, Den: 10},
	})
	prev := createPrevEpochInfo(7, nil, nil)
	base := []struct {
		account string
		stake   uint64
	}{
		proposal("test1", 1000), proposal("test2", 1000), proposal("test3", 1000),
		proposal("test4", 200),
	}

	first, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, createProposals(base...), nil, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)
	seatPrice := first.SeatPrice.Uint64()

	atPrice, err := ProposalsToEpochInfo(cfg, [32]byte{}, first,
		createProposals(append(base, proposal("test7", seatPrice))...),
		nil, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)
	assert.Equal(t, len(first.Validators)+1, len(atPrice.Validators))

	belowPrice, err := ProposalsToEpochInfo(cfg, [32]byte{}, first,
		createProposals(append(base, proposal("test7", seatPrice-1))...),
		nil, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)
	assert.Equal(t, len(first.Validators), len(belowPrice.Validators))
}

func TestValidatorAssignment_WithKickout(t *testing.T) {
	// Kicked out validators are not selected even when they roll over.
	setupConfig(t, nil)
	cfg := createEpochConfig(1, 100, 0, DefaultSelectionConfig())
	prev := createPrevEpochInfo(7, createProposals(
		proposal("test1", 10_000), proposal("test2", 2000), proposal("test3", 3000)), nil)
	kickout := map[primitives.AccountID]validator.KickoutReason{
		"test1": validator.Unstaked(),
	}

	info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, nil, kickout, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)

	_, ok := info.GetValidatorID("test1")
	assert.Equal(t, false, ok)
	assert.Equal(t, true, info.StakeChange["test1"].IsZero())
}

func TestValidatorAssignment_WithRewards(t *testing.T) {
	// Validator balances are updated by their rewards during rollover.
	setupConfig(t, nil)
	cfg := createEpochConfig(1, 100, 0, DefaultSelectionConfig())
	stakes := []uint64{3000, 2000, 1000}
	rewards := []uint64{7, 8, 9}
	var prevValidators []*validator.Stake
	rewardMap := make(map[primitives.AccountID]*uint256.Int)
	for i := range stakes {
		account := primitives.AccountID(fmt.Sprintf("test%d", i+1))
		prevValidators = append(prevValidators, validator.NewStake(account, primitives.PublicKey{}, stakes[i]))
		rewardMap[account] = uint256.NewInt(rewards[i])
	}
	prev := createPrevEpochInfo(7, prevValidators, nil)

	info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, nil, nil, rewardMap, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)

	require.Equal(t, len(stakes), len(info.Validators))
	for i, v := range info.Validators {
		assert.Equal(t, stakes[i]+rewards[i], v.Stake.Uint64())
	}
}

func TestValidatorAssignment_Deterministic(t *testing.T) {
	setupConfig(t, nil)
	cfg := createEpochConfig(2, 10, 100, DefaultSelectionConfig())
	prev := createPrevEpochInfo(7, createProposals(
		proposal("alice", 5000), proposal("bob", 4000)), nil)
	proposals := createProposals(
		proposal("carol", 3000), proposal("dave", 3000), proposal("erin", 150),
		proposal("frank", 10))
	kickout := map[primitives.AccountID]validator.KickoutReason{"bob": validator.Unstaked()}
	rewards := map[primitives.AccountID]*uint256.Int{"alice": uint256.NewInt(11)}

	a, err := ProposalsToEpochInfo(cfg, [32]byte{1}, prev, proposals, kickout, rewards, uint256.NewInt(42), 63, 63)
	require.NoError(t, err)
	b, err := ProposalsToEpochInfo(cfg, [32]byte{1}, prev, proposals, kickout, rewards, uint256.NewInt(42), 63, 63)
	require.NoError(t, err)
	require.DeepEqual(t, a, b)
}

func TestValidatorAssignment_NotEnoughValidators(t *testing.T) {
	setupConfig(t, nil)
	cfg := createEpochConfig(4, 10, 0, SelectionConfig{
		NumChunkOnlyProducerSeats: 0,
		MinimumValidatorsPerShard: 2,
		MinimumStakeRatio:         Ratio{Num: 160, Den: 1_000_000},
	})
	prev := createPrevEpochInfo(7, nil, nil)
	proposals := createProposals(proposal("test1", 1000), proposal("test2", 1000))

	_, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, proposals, nil, nil, uint256.NewInt(0), 63, 63)
	require.ErrorContains(t, "not enough validators", err)
}

func TestValidatorAssignment_StakeChangeConservation(t *testing.T) {
	// Every account that proposed, was in the previous epoch, or was
	// rewarded shows up in StakeChange; zeroes correspond to kicks or
	// failed proposals.
	setupConfig(t, nil)
	cfg := createEpochConfig(1, 2, 1000, SelectionConfig{
		NumChunkOnlyProducerSeats: 0,
		MinimumValidatorsPerShard: 1,
		MinimumStakeRatio:         Ratio{Num: 1, Den: 10},
	})
	prev := createPrevEpochInfo(7, createProposals(
		proposal("alice", 5000), proposal("bob", 4000)), nil)
	proposals := createProposals(proposal("carol", 6000), proposal("dave", 5))
	kickout := map[primitives.AccountID]validator.KickoutReason{"bob": validator.Unstaked()}

	info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, proposals, kickout, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)

	for _, account := range []primitives.AccountID{"alice", "bob", "carol", "dave"} {
		require.NotNil(t, info.StakeChange[account], "missing stake change for %s", account)
	}
	assert.Equal(t, uint64(6000), info.StakeChange["carol"].Uint64())
	assert.Equal(t, uint64(5000), info.StakeChange["alice"].Uint64())
	assert.Equal(t, true, info.StakeChange["bob"].IsZero())
	assert.Equal(t, true, info.StakeChange["dave"].IsZero())
}

func TestBlockProducerSampling_ProportionalToStake(t *testing.T) {
	setupConfig(t, nil)
	cfg := createEpochConfig(2, 2, 0, SelectionConfig{
		NumChunkOnlyProducerSeats: 0,
		MinimumValidatorsPerShard: 1,
		MinimumStakeRatio:         Ratio{Num: 160, Den: 1_000_000},
	})
	prev := createPrevEpochInfo(7, nil, nil)
	proposals := createProposals(proposal("test1", 1000), proposal("test2", 2000))

	info, err := ProposalsToEpochInfo(cfg, [32]byte{}, prev, proposals, nil, nil, uint256.NewInt(0), 63, 63)
	require.NoError(t, err)

	// test2 is chosen roughly twice as often as test1.
	counts := [2]int{}
	for h := primitives.BlockHeight(0); h < 30_000; h++ {
		counts[info.SampleBlockProducer(h)]++
	}
	diff := 2*counts[1] - counts[0]
	if diff < 0 {
		diff = -diff
	}
	if diff > 1500 {
		t.Fatalf("sampling too far from stake proportions: %v", counts)
	}
}
