package epoch

import (
	"container/heap"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/validator"
)

// ErrNotEnoughValidators is returned when shard assignment cannot satisfy
// the minimum number of validators per shard; the epoch cannot start.
type ErrNotEnoughValidators struct {
	NumValidators uint64
	NumShards     primitives.NumShards
}

func (e ErrNotEnoughValidators) Error() string {
	return errors.Errorf(
		"not enough validators: %d validators for %d shards", e.NumValidators, e.NumShards,
	).Error()
}

// ProposalsToEpochInfo selects validators for the next epoch and generates
// its EpochInfo. It is a pure function: given identical inputs and feature
// set the output is identical, with ties broken by (stake desc, account id
// asc).
func ProposalsToEpochInfo(
	cfg *Config,
	rngSeed [32]byte,
	prevEpochInfo *validator.EpochInfo,
	proposals []*validator.Stake,
	validatorKickout map[primitives.AccountID]validator.KickoutReason,
	validatorReward map[primitives.AccountID]*uint256.Int,
	mintedAmount *uint256.Int,
	nextVersion primitives.ProtocolVersion,
	lastVersion primitives.ProtocolVersion,
) (*validator.EpochInfo, error) {
	features := params.ShardConfig()
	shardIDs := cfg.ShardLayout.ShardIDs()
	numShards := uint64(len(shardIDs))
	minStakeRatio := cfg.Selection.MinimumStakeRatio
	maxBPSelected := int(cfg.NumBlockProducerSeats)

	kickout := make(map[primitives.AccountID]validator.KickoutReason, len(validatorKickout))
	for k, v := range validatorKickout {
		kickout[k] = v
	}

	stakeChange := make(map[primitives.AccountID]*uint256.Int)
	var fishermen []*validator.Stake
	effective := proposalsWithRollover(
		proposals, prevEpochInfo, validatorReward, kickout, stakeChange, &fishermen,
	)

	bpProposals := orderProposals(effective)
	blockProducers, bpThreshold := selectBlockProducers(bpProposals, maxBPSelected, minStakeRatio, features, lastVersion)

	var cpProposals *proposalHeap
	var chunkProducers []*validator.Stake
	var cpThreshold *uint256.Int
	if features.ChunkOnlyProducersEnabled(nextVersion) {
		cpProposals = orderProposals(effective)
		maxCPSelected := maxBPSelected + int(cfg.Selection.NumChunkOnlyProducerSeats)
		chunkProducers, cpThreshold = selectChunkProducers(
			cpProposals, maxCPSelected, minStakeRatio, numShards, features, lastVersion,
		)
	} else {
		cpProposals = bpProposals
		chunkProducers = blockProducers
		cpThreshold = bpThreshold
	}

	// Block producer proposals can also become chunk producers, so the
	// effective stake threshold is the smaller of the two.
	threshold := bpThreshold
	if cpThreshold.Lt(threshold) {
		threshold = cpThreshold
	}

	// Proposals selected for neither role become fishermen if above the
	// fishermen threshold, otherwise they are unstaked and, if they held a
	// role last epoch, kicked with NotEnoughStake.
	for cpProposals.Len() > 0 {
		p := heap.Pop(cpProposals).(*validator.Stake)
		if cfg.FishermenThreshold != nil && !p.Stake.Lt(cfg.FishermenThreshold) {
			fishermen = append(fishermen, p)
			continue
		}
		stakeChange[p.AccountID] = uint256.NewInt(0)
		if prevEpochInfo.AccountIsValidator(p.AccountID) || prevEpochInfo.AccountIsFisherman(p.AccountID) {
			kickout[p.AccountID] = validator.NotEnoughStake(p.Stake, threshold)
		}
	}

	numChunkProducers := len(chunkProducers)
	allValidators := make([]*validator.Stake, 0, numChunkProducers)
	validatorToIndex := make(map[primitives.AccountID]primitives.ValidatorID)
	bpSettlement := make([]primitives.ValidatorID, 0, len(blockProducers))
	for i, bp := range blockProducers {
		id := primitives.ValidatorID(i)
		validatorToIndex[bp.AccountID] = id
		bpSettlement = append(bpSettlement, id)
		allValidators = append(allValidators, bp)
	}

	var cpSettlement [][]primitives.ValidatorID
	if features.ChunkOnlyProducersEnabled(nextVersion) {
		assignment, err := assignShards(
			chunkProducers, primitives.NumShards(numShards), cfg.Selection.MinimumValidatorsPerShard,
		)
		if err != nil {
			return nil, ErrNotEnoughValidators{
				NumValidators: uint64(numChunkProducers),
				NumShards:     primitives.NumShards(numShards),
			}
		}
		cpSettlement = make([][]primitives.ValidatorID, len(assignment))
		for shard, shardValidators := range assignment {
			ids := make([]primitives.ValidatorID, 0, len(shardValidators))
			for _, v := range shardValidators {
				id, ok := validatorToIndex[v.AccountID]
				if !ok {
					// Chunk-only producers are appended after block
					// producers, in shard-assignment order.
					id = primitives.ValidatorID(len(allValidators))
					validatorToIndex[v.AccountID] = id
					allValidators = append(allValidators, v)
				}
				ids = append(ids, id)
			}
			cpSettlement[shard] = ids
		}
	} else {
		if len(chunkProducers) == 0 {
			// All validators tried to unstake?
			return nil, ErrNotEnoughValidators{NumValidators: 0, NumShards: primitives.NumShards(numShards)}
		}
		// Round-robin block producers across the per-shard seat counts,
		// keeping the number of shards per validator as even as possible.
		cpSettlement = make([][]primitives.ValidatorID, numShards)
		id := 0
		for shard := range cpSettlement {
			seats := cfg.NumBlockProducerSeatsPerShard[shard]
			if n := uint64(len(bpSettlement)); seats > n {
				seats = n
			}
			ids := make([]primitives.ValidatorID, 0, seats)
			for j := uint64(0); j < seats; j++ {
				ids = append(ids, bpSettlement[id])
				id = (id + 1) % len(bpSettlement)
			}
			cpSettlement[shard] = ids
		}
	}

	var mandates *validator.Mandates
	if features.ChunkValidationEnabled(nextVersion) {
		mandates = validator.NewMandates(validator.MandatesConfig{
			StakePerMandate:     threshold,
			MinMandatesPerShard: 0,
			NumShards:           len(shardIDs),
		}, allValidators)
	}

	fishermenToIndex := make(map[primitives.AccountID]primitives.ValidatorID, len(fishermen))
	for i, f := range fishermen {
		fishermenToIndex[f.AccountID] = primitives.ValidatorID(i)
	}

	rewards := make(map[primitives.AccountID]*uint256.Int, len(validatorReward))
	for k, v := range validatorReward {
		rewards[k] = new(uint256.Int).Set(v)
	}

	return &validator.EpochInfo{
		EpochHeight:              prevEpochInfo.EpochHeight + 1,
		Validators:               allValidators,
		ValidatorToIndex:         validatorToIndex,
		BlockProducersSettlement: bpSettlement,
		ChunkProducersSettlement: cpSettlement,
		Fishermen:                fishermen,
		FishermenToIndex:         fishermenToIndex,
		StakeChange:              stakeChange,
		ValidatorRewards:         rewards,
		ValidatorKickout:         kickout,
		MintedAmount:             mintedAmount,
		SeatPrice:                threshold,
		ProtocolVersion:          nextVersion,
		RNGSeed:                  rngSeed,
		Mandates:                 mandates,
	}, nil
}

// proposalsWithRollover generates effective proposals based on the new
// proposals, last epoch's validators and fishermen, and the kickout set.
// For each account seen, in priority order: a kicked account gets no role
// and a zero stake change; a fresh proposal wins over the rollover and is
// adjusted by rewards; a previous validator rolls over with rewards; a
// previous fisherman is carried into the fishermen set unless it proposed.
func proposalsWithRollover(
	proposals []*validator.Stake,
	prevEpochInfo *validator.EpochInfo,
	validatorReward map[primitives.AccountID]*uint256.Int,
	validatorKickout map[primitives.AccountID]validator.KickoutReason,
	stakeChange map[primitives.AccountID]*uint256.Int,
	fishermen *[]*validator.Stake,
) map[primitives.AccountID]*validator.Stake {
	byAccount := make(map[primitives.AccountID]*validator.Stake)
	for _, p := range proposals {
		if _, kicked := validatorKickout[p.AccountID]; kicked {
			stakeChange[p.AccountID] = uint256.NewInt(0)
			continue
		}
		cp := p.Copy()
		stakeChange[cp.AccountID] = new(uint256.Int).Set(cp.Stake)
		byAccount[cp.AccountID] = cp
	}

	for _, r := range prevEpochInfo.Validators {
		account := r.AccountID
		if _, kicked := validatorKickout[account]; kicked {
			stakeChange[account] = uint256.NewInt(0)
			continue
		}
		p, ok := byAccount[account]
		if !ok {
			p = r.Copy()
			byAccount[account] = p
		}
		if reward, ok := validatorReward[account]; ok {
			p.Stake.Add(p.Stake, reward)
		}
		stakeChange[account] = new(uint256.Int).Set(p.Stake)
	}

	for _, r := range prevEpochInfo.Fishermen {
		account := r.AccountID
		if _, kicked := validatorKickout[account]; kicked {
			stakeChange[account] = uint256.NewInt(0)
			continue
		}
		if _, ok := byAccount[account]; !ok {
			// Fishermen from the previous epoch are guaranteed to have no
			// duplicates, so carrying them over directly is safe.
			stakeChange[account] = new(uint256.Int).Set(r.Stake)
			*fishermen = append(*fishermen, r.Copy())
		}
	}

	return byAccount
}

func selectBlockProducers(
	proposals *proposalHeap,
	maxNumSelected int,
	minStakeRatio Ratio,
	features *params.Config,
	protocolVersion primitives.ProtocolVersion,
) ([]*validator.Stake, *uint256.Int) {
	return selectValidators(proposals, maxNumSelected, minStakeRatio, features, protocolVersion)
}

func selectChunkProducers(
	allProposals *proposalHeap,
	maxNumSelected int,
	minStakeRatio Ratio,
	numShards uint64,
	features *params.Config,
	protocolVersion primitives.ProtocolVersion,
) ([]*validator.Stake, *uint256.Int) {
	perShard := Ratio{Num: minStakeRatio.Num, Den: minStakeRatio.Den * numShards}
	return selectValidators(allProposals, maxNumSelected, perShard, features, protocolVersion)
}

// selectValidators takes the top proposals by stake, or fewer if either
// there are not enough or the next proposal's stake falls below the
// minimum ratio of the running total. It also returns the threshold stake
// required for inclusion.
func selectValidators(
	proposals *proposalHeap,
	maxNumSelected int,
	minStakeRatio Ratio,
	features *params.Config,
	protocolVersion primitives.ProtocolVersion,
) ([]*validator.Stake, *uint256.Int) {
	totalStake := new(uint256.Int)
	n := maxNumSelected
	if proposals.Len() < n {
		n = proposals.Len()
	}
	validators := make([]*validator.Stake, 0, n)
	num := uint256.NewInt(minStakeRatio.Num)
	den := uint256.NewInt(minStakeRatio.Den)
	for i := 0; i < n; i++ {
		p := heap.Pop(proposals).(*validator.Stake)
		totalWithP := new(uint256.Int).Add(totalStake, p.Stake)
		// stake / (total + stake) > num / den, by cross multiplication.
		lhs := new(uint256.Int).Mul(p.Stake, den)
		rhs := new(uint256.Int).Mul(totalWithP, num)
		if lhs.Gt(rhs) {
			validators = append(validators, p)
			totalStake = totalWithP
		} else {
			// p was not included; return it to the proposals.
			heap.Push(proposals, p)
			break
		}
	}
	if len(validators) == maxNumSelected {
		// All seats were filled, so the threshold is one more than the
		// smallest accepted stake.
		threshold := new(uint256.Int).AddUint64(validators[len(validators)-1].Stake, 1)
		return validators, threshold
	}
	// The ratio condition stopped the fill, or there were fewer proposals
	// than seats; the threshold is whatever amount passes the ratio.
	var threshold *uint256.Int
	if features.FixStakingThresholdEnabled(protocolVersion) {
		// ceil(num * total / (den - num))
		d := new(uint256.Int).Sub(den, num)
		t := new(uint256.Int).Mul(num, totalStake)
		threshold = ceilDiv(t, d)
	} else {
		t := new(uint256.Int).Mul(num, totalStake)
		threshold = ceilDiv(t, den)
	}
	return validators, threshold
}

func ceilDiv(a, b *uint256.Int) *uint256.Int {
	q := new(uint256.Int)
	r := new(uint256.Int)
	q.DivMod(a, b, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// proposalHeap is a max-heap ordering proposals by stake descending with
// the lexicographically smallest account id winning ties.
type proposalHeap struct {
	items []*validator.Stake
}

func orderProposals(proposals map[primitives.AccountID]*validator.Stake) *proposalHeap {
	h := &proposalHeap{items: make([]*validator.Stake, 0, len(proposals))}
	for _, p := range proposals {
		h.items = append(h.items, p)
	}
	heap.Init(h)
	return h
}

func (h *proposalHeap) Len() int { return len(h.items) }

func (h *proposalHeap) Less(i, j int) bool {
	switch h.items[i].Stake.Cmp(h.items[j].Stake) {
	case 1:
		return true
	case -1:
		return false
	default:
		return h.items[i].AccountID < h.items[j].AccountID
	}
}

func (h *proposalHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *proposalHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*validator.Stake))
}

func (h *proposalHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
