package client

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/cache"
	"github.com/sirupsen/logrus"
)

// canProduceBlock checks the production preconditions for height on top of
// prevHeader. A false return means skip, not fail; the adversarial modes
// relax individual checks.
func (c *Client) canProduceBlock(prevHeader *blocks.Header, height primitives.BlockHeight, accountID, nextBlockProposer primitives.AccountID) (bool, error) {
	if c.config.AdvProduceBlocks == params.AdvProduceBlocksAll {
		return true, nil
	}

	// If we are not the block proposer, skip block production.
	if accountID != nextBlockProposer {
		log.WithField("height", height).Info("Skipping block production, not block producer for next block")
		return false, nil
	}

	if c.config.AdvProduceBlocks == params.AdvProduceBlocksOnlyValid {
		return true, nil
	}

	// If the height is known already, don't produce a new block for it.
	known, err := c.chain.LatestKnown()
	if err != nil {
		return false, err
	}
	if height <= known.Height {
		return false, nil
	}

	// If this block starts a new epoch, the previous block must be caught
	// up, otherwise the following block could not be applied.
	prevHash := prevHeader.Hash()
	epochStart, err := c.epochManager.IsNextBlockEpochStart(prevHash)
	if err != nil {
		return false, err
	}
	if epochStart {
		caughtUp, err := c.chain.PrevBlockIsCaughtUp(prevHeader.PrevHash, prevHash)
		if err != nil {
			return false, err
		}
		if !caughtUp {
			log.WithField("height", height).Debug("Skipping block production, prev block is not caught up")
			return false, nil
		}
	}
	return true, nil
}

// ProduceBlock produces a block at the given height on top of the current
// head if this node is the height's block producer. Returns the produced
// block (not yet applied), or nil when production was skipped.
func (c *Client) ProduceBlock(height primitives.BlockHeight) (*blocks.Block, error) {
	head, err := c.chain.Head()
	if err != nil {
		return nil, err
	}
	return c.ProduceBlockOn(height, head.LastBlockHash)
}

// ProduceBlockOn produces a block at height on top of prevHash.
func (c *Client) ProduceBlockOn(height primitives.BlockHeight, prevHash [32]byte) (*blocks.Block, error) {
	if c.signer == nil {
		return nil, BlockProducerError{Msg: "called without block producer info"}
	}

	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(prevHash)
	if err != nil {
		return nil, err
	}
	nextBlockProposer, err := c.epochManager.GetBlockProducer(epochID, height)
	if err != nil {
		return nil, err
	}

	prev, err := c.chain.GetBlockHeader(prevHash)
	if err != nil {
		return nil, err
	}
	prevHeight := prev.Height
	prevEpochID := prev.EpochID
	prevNextBPHash := prev.NextBPHash

	// Check and update the doomslug tip here. This guarantees that our
	// endorsement will be in the doomslug witness, and must happen before
	// checking the ability to produce a block.
	if err := c.CheckAndUpdateDoomslugTip(); err != nil {
		return nil, err
	}

	ok, err := c.canProduceBlock(prev, height, c.signer.ValidatorID(), nextBlockProposer)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debug("Should reschedule block")
		return nil, nil
	}

	stake, _, err := c.epochManager.GetValidatorByAccountID(epochID, prevHash, nextBlockProposer)
	if err != nil {
		return nil, err
	}
	if stake.PublicKey != c.signer.PublicKey() && c.config.AdvProduceBlocks != params.AdvProduceBlocksAll {
		log.WithFields(logrus.Fields{
			"localValidatorKey": c.signer.PublicKey(),
			"validatorKey":      stake.PublicKey,
		}).Debug("Local validator key does not match expected validator key, skipping block production")
		return nil, nil
	}

	newChunks := c.ChunkHeadersReadyForInclusion(epochID, prevHash)
	log.WithFields(logrus.Fields{
		"validator":  c.signer.ValidatorID(),
		"height":     height,
		"prevHeight": prevHeight,
		"newChunks":  len(newChunks),
	}).Debug("Producing block")

	// If we are not producing empty blocks and there are no new chunks,
	// skip.
	if !c.config.ProduceEmptyBlocks && len(newChunks) == 0 {
		log.Debug("Empty blocks, skipping block production")
		return nil, nil
	}

	witness := c.doomslug.Witness(prevHash, prevHeight, height)

	protocolVersion, err := c.epochManager.GetEpochProtocolVersion(epochID)
	if err != nil {
		return nil, err
	}
	if protocolVersion > params.ShardConfig().CompiledProtocolVersion {
		log.WithFields(logrus.Fields{
			"clientVersion":  params.ShardConfig().CompiledProtocolVersion,
			"networkVersion": protocolVersion,
		}).Fatal("The client protocol version is older than the protocol version of the network; please update the node")
	}

	// Order approvals by the epoch's ordered approvers, substituting
	// absent for slashed or missing approvers.
	approverStakes, slashed, err := c.epochManager.GetEpochBlockApproversOrdered(prevHash)
	if err != nil {
		return nil, err
	}
	approvals := make([]primitives.Signature, len(approverStakes))
	for i, approver := range approverStakes {
		if slashed[i] {
			continue
		}
		if approval, ok := witness[approver.AccountID]; ok {
			approvals[i] = approval.Signature
		}
	}

	nextEpochID, err := c.epochManager.GetNextEpochIDFromPrevBlock(prevHash)
	if err != nil {
		return nil, err
	}

	rateNum, rateDen := params.ShardConfig().GasPriceAdjustmentRate(protocolVersion)
	minGasPrice := params.ShardConfig().MinGasPriceFor(protocolVersion)
	maxGasPrice := params.ShardConfig().MaxGasPriceFor(protocolVersion)

	nextBPHash := prevNextBPHash
	if prevEpochID != epochID {
		nextBPHash, err = c.epochManager.ComputeBPHash(nextEpochID, prevHash)
		if err != nil {
			return nil, err
		}
	}

	// The block merkle tree of the previous block plus the previous hash
	// gives this block's merkle root; the leaf count is the number of
	// blocks on the canonical chain, so the next ordinal is count plus
	// one.
	blockMerkleTree, err := c.chain.GetBlockMerkleTree(prevHash)
	if err != nil {
		return nil, err
	}
	blockMerkleTree = blockMerkleTree.Copy()
	blockMerkleTree.Insert(prevHash)
	blockMerkleRoot := blockMerkleTree.Root()
	blockOrdinal := primitives.NumBlocks(blockMerkleTree.Size() + 1)

	prevBlock, err := c.chain.GetBlock(prevHash)
	if err != nil {
		return nil, err
	}
	chunkHeaders, err := c.chain.GetPrevChunkHeaders(prevBlock)
	if err != nil {
		return nil, err
	}

	c.BlockProductionInfo.RecordBlockProduction(
		height, c.clock.Now(), chunkCollectionInfo(height, chunkHeaders, newChunks))

	// Collect the new chunks, stamping their inclusion height.
	for shard, ready := range newChunks {
		header := ready.Header.Clone()
		header.SetHeightIncluded(height)
		chunkHeaders[shard] = header
	}

	epochStart, err := c.epochManager.IsNextBlockEpochStart(prevHash)
	if err != nil {
		return nil, err
	}
	args := &blocks.ProduceArgs{
		ThisEpochProtocolVersion: protocolVersion,
		Prev:                     prev,
		Height:                   height,
		BlockOrdinal:             blockOrdinal,
		Chunks:                   chunkHeaders,
		EpochID:                  epochID,
		NextEpochID:              nextEpochID,
		Approvals:                approvals,
		GasPriceAdjRateNum:       rateNum,
		GasPriceAdjRateDen:       rateDen,
		MinGasPrice:              minGasPrice,
		MaxGasPrice:              maxGasPrice,
		NextBPHash:               nextBPHash,
		BlockMerkleRoot:          blockMerkleRoot,
		Timestamp:                c.blockTimestamp(),
	}
	nextProtocolVersion, err := c.epochManager.GetEpochProtocolVersion(nextEpochID)
	if err != nil {
		return nil, err
	}
	args.NextEpochProtocolVersion = nextProtocolVersion
	if epochStart {
		minted, err := c.epochManager.GetEpochMintedAmount(nextEpochID)
		if err != nil {
			return nil, err
		}
		args.MintedAmount = minted
		syncDataHash, err := c.epochManager.GetEpochSyncDataHash(prevHash, epochID, nextEpochID)
		if err != nil {
			return nil, err
		}
		args.EpochSyncDataHash = &syncDataHash
	}

	block := blocks.Produce(args, c.signer)

	// Update latest known even before returning the block out, to prevent
	// producing twice at this height after a restart.
	if err := c.chain.SaveLatestKnown(LatestKnown{
		Height: height,
		Seen:   block.Header.RawTimestamp,
	}); err != nil {
		return nil, errors.Wrap(err, "cannot save latest known")
	}

	blockProducedTotal.Inc()
	return block, nil
}

// blockTimestamp is the wall clock, shifted by the accrued fast-forward
// delta in sandbox mode.
func (c *Client) blockTimestamp() time.Time {
	now := c.clock.Now()
	if c.config.Sandbox && c.config.AccruedFastforwardDelta > 0 {
		avg := (c.config.MinBlockProductionDelay + c.config.MaxBlockProductionDelay) / 2
		now = now.Add(time.Duration(c.config.AccruedFastforwardDelta) * avg)
	}
	return now
}

// chunkCollectionInfo summarizes, per shard, whether a fresh chunk was
// collected for the produced block and from whom.
func chunkCollectionInfo(height primitives.BlockHeight, allChunks []*blocks.ChunkHeader, newChunks map[primitives.ShardID]ReadyChunk) []cache.ChunkCollection {
	out := make([]cache.ChunkCollection, 0, len(allChunks))
	for shardIdx := range allChunks {
		shard := primitives.ShardID(shardIdx)
		info := cache.ChunkCollection{ShardID: shard}
		if ready, ok := newChunks[shard]; ok {
			info.Producer = ready.Producer
			info.ReceivedTime = ready.ReceivedAt
			info.ChunkIncluded = true
		}
		out = append(out, info)
	}
	return out
}

// CheckAndUpdateDoomslugTip aligns doomslug's tip with the chain head so
// the produced block's approval witness is computed against the right
// reference tip.
func (c *Client) CheckAndUpdateDoomslugTip() error {
	tip, err := c.chain.Head()
	if err != nil {
		return err
	}
	dsHash, _ := c.doomslug.Tip()
	if tip.LastBlockHash == dsHash {
		return nil
	}
	header, err := c.chain.GetBlockHeader(tip.LastBlockHash)
	if err != nil {
		return err
	}
	lastFinalHeight := c.chain.Genesis().Height
	if header.LastFinalBlock != ([32]byte{}) {
		finalHeader, err := c.chain.GetBlockHeader(header.LastFinalBlock)
		if err != nil {
			return err
		}
		lastFinalHeight = finalHeader.Height
	}
	c.doomslug.SetTip(c.clock.Now(), tip.LastBlockHash, tip.Height, lastFinalHeight)
	return nil
}

// SendApproval routes an approval: straight into doomslug when this node
// is the target height's producer, to the network otherwise.
func (c *Client) SendApproval(parentHash [32]byte, approval *blocks.Approval) error {
	nextEpochID, err := c.epochManager.GetEpochIDFromPrevBlock(parentHash)
	if err != nil {
		return err
	}
	nextBlockProducer, err := c.epochManager.GetBlockProducer(nextEpochID, approval.TargetHeight)
	if err != nil {
		return err
	}
	if c.signer != nil && nextBlockProducer == c.signer.ValidatorID() {
		c.CollectBlockApproval(approval, blocks.SelfApproval)
		return nil
	}
	log.WithFields(logrus.Fields{
		"account":      approval.AccountID,
		"nextBP":       nextBlockProducer,
		"targetHeight": approval.TargetHeight,
	}).Debug("Sending an approval")
	c.network.Send(ApprovalMessage{TargetAccount: nextBlockProducer, Approval: approval})
	return nil
}
