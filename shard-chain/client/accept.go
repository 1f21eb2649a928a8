package client

import (
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/sirupsen/logrus"
)

// PostprocessReadyBlocks polls for blocks whose chunk application has
// completed, runs post processing on each, and returns the accepted block
// hashes along with per-block errors.
func (c *Client) PostprocessReadyBlocks(done DoneApplyChunkCallback, shouldProduceChunk bool) ([][32]byte, map[[32]byte]error) {
	var artifact BlockProcessingArtifact
	accepted, errs := c.chain.PostprocessReadyBlocks(c.me(), &artifact, done)
	for _, block := range accepted {
		if block.Status.IsNewHead() {
			head, err := c.chain.Head()
			if err == nil {
				headerHead, err := c.chain.HeaderHead()
				if err == nil {
					c.shardsManager.UpdateChainHeads(head, headerHead)
				}
			}
			break
		}
	}
	c.processBlockProcessingArtifact(&artifact)
	hashes := make([][32]byte, 0, len(accepted))
	for _, block := range accepted {
		hashes = append(hashes, block.Hash)
		c.OnBlockAcceptedWithOptionalChunkProduce(block.Hash, block.Status, block.Provenance, !shouldProduceChunk)
	}
	if lastUpdated := c.chain.LastTimeHeadUpdated(); lastUpdated.After(c.lastTimeHeadProgressMade) {
		c.lastTimeHeadProgressMade = lastUpdated
	}
	return hashes, errs
}

// OnBlockAccepted runs the post-acceptance duties for one block.
func (c *Client) OnBlockAccepted(blockHash [32]byte, status BlockStatus, provenance Provenance) {
	c.OnBlockAcceptedWithOptionalChunkProduce(blockHash, status, provenance, false)
}

// OnBlockAcceptedWithOptionalChunkProduce runs the post-acceptance duties:
// draining pending approvals, head-move bookkeeping (pruning, garbage
// collection, chain info publication, pool resharding), transaction pool
// reconciliation and chunk production for the next height.
// skipProduceChunk simulates a block with missing chunks.
func (c *Client) OnBlockAcceptedWithOptionalChunkProduce(blockHash [32]byte, status BlockStatus, provenance Provenance, skipProduceChunk bool) {
	block, err := c.chain.GetBlock(blockHash)
	if err != nil {
		log.WithError(err).Error("Failed to find block that was just accepted")
		return
	}

	if err := c.CheckAndUpdateDoomslugTip(); err != nil {
		log.WithError(err).Debug("Could not update doomslug tip")
	}

	// A block we produced was already broadcast; for received blocks,
	// drain the approvals that were waiting for it.
	if provenance == ProvenanceNone {
		c.drainPendingApprovals(blocks.NewApprovalEndorsement(blockHash))
		c.drainPendingApprovals(blocks.NewApprovalSkip(block.Header.Height))
	}

	if status.IsNewHead() {
		lastFinalized := c.chain.Genesis().Height
		if block.Header.LastFinalBlock != ([32]byte{}) {
			if header, err := c.chain.GetBlockHeader(block.Header.LastFinalBlock); err == nil {
				lastFinalized = header.Height
			} else {
				lastFinalized = 0
			}
		}
		c.chain.PruneBlocksBelowHeight(lastFinalized)

		gcStart := c.clock.Now()
		if err := c.clearData(); err != nil {
			log.WithError(err).Error("Can't clear old data")
		}
		gcTime.Observe(c.clock.Since(gcStart).Seconds())

		// Chain info must be published whenever the head changes; the
		// network layer relies on this ordering for tier-1
		// prioritization.
		if err := c.SendNetworkChainInfo(); err != nil {
			log.WithError(err).Error("Failed to update network chain info")
		}

		// If the next block starts a new epoch under a different shard
		// layout, the transaction pool must be resharded.
		if epochStart, err := c.epochManager.IsNextBlockEpochStart(blockHash); err == nil && epochStart {
			newLayout, newErr := c.epochManager.GetShardLayoutFromPrevBlock(blockHash)
			oldLayout, oldErr := c.epochManager.GetShardLayoutFromPrevBlock(block.Header.PrevHash)
			if newErr == nil && oldErr == nil {
				if !oldLayout.Equal(newLayout) {
					c.shardedTxPool.Reshard(oldLayout, newLayout)
				}
			} else {
				log.WithFields(logrus.Fields{
					"oldErr": oldErr, "newErr": newErr,
				}).Warn("Failed to check if shard layout is changing")
			}
		}
	}

	if c.signer != nil {
		validatorID := c.signer.ValidatorID()
		if !c.reconcileTransactionPool(validatorID, status, block) {
			return
		}
		if provenance != ProvenanceSync && !c.SyncStatus.IsSyncing() && !skipProduceChunk {
			c.produceChunks(block, validatorID)
		} else {
			log.Info("Not producing a chunk")
		}
	}

	c.shardsManager.CheckIncompleteChunks(blockHash)
}

// reconcileTransactionPool reconciles the pool with how the accepted block
// relates to the previous head. Returns false when chunk production should
// be skipped (forks do not change the pool or produce chunks).
func (c *Client) reconcileTransactionPool(validatorID primitives.AccountID, status BlockStatus, block *blocks.Block) bool {
	switch status.Kind {
	case BlockStatusNext:
		// The block extends the tip: its transactions leave the pool.
		if err := c.RemoveTransactionsForBlock(validatorID, block); err != nil {
			log.WithError(err).Debug("Could not remove transactions for block")
		}
		return true
	case BlockStatusFork:
		return false
	case BlockStatusReorg:
		// Walk both tips back to their common ancestor: reintroduce the
		// abandoned branch's transactions, remove the new branch's.
		reintroduceHead, err := c.chain.GetBlockHeader(status.PrevHead)
		if err != nil {
			log.WithError(err).Error("Could not load abandoned head during reorg")
			return true
		}
		removeHead := block.Header
		var toRemove, toReintroduce [][32]byte
		for removeHead.Hash() != reintroduceHead.Hash() {
			for removeHead.Height > reintroduceHead.Height {
				toRemove = append(toRemove, removeHead.Hash())
				removeHead, err = c.chain.GetBlockHeader(removeHead.PrevHash)
				if err != nil {
					log.WithError(err).Error("Broken remove branch during reorg")
					return true
				}
			}
			for reintroduceHead.Height > removeHead.Height ||
				reintroduceHead.Height == removeHead.Height && reintroduceHead.Hash() != removeHead.Hash() {
				toReintroduce = append(toReintroduce, reintroduceHead.Hash())
				reintroduceHead, err = c.chain.GetBlockHeader(reintroduceHead.PrevHash)
				if err != nil {
					log.WithError(err).Error("Broken reintroduce branch during reorg")
					return true
				}
			}
		}
		for _, hash := range toReintroduce {
			if abandoned, err := c.chain.GetBlock(hash); err == nil {
				if err := c.ReintroduceTransactionsForBlock(validatorID, abandoned); err != nil {
					log.WithError(err).Debug("Could not reintroduce transactions")
				}
			}
		}
		for _, hash := range toRemove {
			if adopted, err := c.chain.GetBlock(hash); err == nil {
				if err := c.RemoveTransactionsForBlock(validatorID, adopted); err != nil {
					log.WithError(err).Debug("Could not remove transactions")
				}
			}
		}
		return true
	default:
		return true
	}
}

// produceChunks produces this node's chunks for every shard it is the
// producer of at the next height.
func (c *Client) produceChunks(block *blocks.Block, validatorID primitives.AccountID) {
	blockHash := block.Hash()
	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(blockHash)
	if err != nil {
		log.WithError(err).Error("Could not resolve epoch for chunk production")
		return
	}
	shardIDs, err := c.epochManager.ShardIDs(epochID)
	if err != nil {
		log.WithError(err).Error("Could not resolve shards for chunk production")
		return
	}
	nextHeight := block.Header.Height + 1
	for _, shardID := range shardIDs {
		chunkProposer, err := c.epochManager.GetChunkProducer(epochID, nextHeight, shardID)
		if err != nil || chunkProposer != validatorID {
			continue
		}
		lastHeader, err := c.chain.GetPrevChunkHeader(block, shardID)
		if err != nil {
			log.WithError(err).WithField("shard", shardID).Error("Could not find prev chunk header")
			continue
		}
		encoded, paths, receipts, err := c.ProduceChunk(blockHash, epochID, lastHeader, nextHeight, shardID)
		if err != nil {
			log.WithError(err).Error("Error producing chunk")
			continue
		}
		if encoded == nil {
			continue
		}
		if err := c.PersistAndDistributeEncodedChunk(encoded, paths, receipts, validatorID); err != nil {
			log.WithError(err).Error("Failed to process produced chunk")
		}
	}
}

// clearData garbage collects old chain data, bounded by GCBlocksLimit.
// Non-archival nodes use the regular collection; archival nodes use the
// archive-specific path.
func (c *Client) clearData() error {
	if !c.config.Archive {
		return c.chain.ClearData(c.config.GCBlocksLimit)
	}
	return c.chain.ClearArchiveData(c.config.GCBlocksLimit)
}
