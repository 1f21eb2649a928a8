package client

import (
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/chunks"
)

// ReceiveBlock processes a received block, banning the peer if the header
// is invalid or the block is ill-formed. Errors are handled internally;
// this wrapper only classifies them for logging.
func (c *Client) ReceiveBlock(block *blocks.Block, peer PeerID, wasRequested bool, done DoneApplyChunkCallback) {
	err := c.receiveBlockImpl(block, peer, wasRequested, done)
	if err == nil {
		return
	}
	switch {
	case IsBadData(err):
		log.WithError(err).Warn("Receive bad block")
	case isDemotedWhileSyncing(err) && c.SyncStatus.IsSyncing():
		// While syncing we may receive blocks that are older or from
		// future epochs.
		log.WithError(err).WithField("syncStatus", c.SyncStatus.Kind).
			Debug("Error receiving a block while syncing")
	case errors.Is(err, ErrOrphan):
		log.WithError(err).Debug("Process block: refused by chain")
	default:
		log.WithError(err).Error("Error on receiving a block, not syncing")
	}
}

func (c *Client) receiveBlockImpl(block *blocks.Block, peer PeerID, wasRequested bool, done DoneApplyChunkCallback) error {
	// Pre-check on block height, to avoid processing blocks multiple times
	// and spam beyond the horizon.
	ok, err := c.checkBlockHeight(block, wasRequested)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	// The block hash and signature must match the assigned producer before
	// any further processing; otherwise drop it and ban the peer.
	verify, err := c.chain.VerifyBlockHashAndSignature(block)
	if err != nil {
		return err
	}
	if verify == VerifyBlockIncorrect {
		c.BanPeer(peer, BanReasonBadBlockHeader)
		return ErrInvalidSignature
	}

	prevHash := block.Header.PrevHash
	if err := c.verifyAndRebroadcastBlock(block, wasRequested, peer); err != nil {
		return err
	}
	provenance := ProvenanceNone
	if wasRequested {
		provenance = ProvenanceSync
	}
	err = c.StartProcessBlock(block, provenance, done)
	if errors.Is(err, ErrOrphan) && !c.chain.IsOrphan(prevHash) {
		c.RequestBlock(prevHash, peer)
	}
	return err
}

// checkBlockHeight drops blocks outside [tail, head + horizon) while
// syncing and unrequested, and duplicate heights off the head.
func (c *Client) checkBlockHeight(block *blocks.Block, wasRequested bool) (bool, error) {
	head, err := c.chain.Head()
	if err != nil {
		return false, err
	}
	if block.Header.Height >= head.Height+primitives.BlockHeight(BlockHorizon) && c.SyncStatus.IsSyncing() && !wasRequested {
		log.WithField("headHeight", head.Height).Debug("Dropping a block that is too far ahead")
		return false, nil
	}
	tail, err := c.chain.Tail()
	if err != nil {
		return false, err
	}
	if block.Header.Height < tail {
		log.WithField("tailHeight", tail).Debug("Dropping a block that is too far behind")
		return false, nil
	}
	// Drop the block if it was not requested, does not build on the head,
	// and its height was already processed.
	if !wasRequested && block.Header.PrevHash != head.LastBlockHash {
		processed, err := c.chain.IsHeightProcessed(block.Header.Height)
		if err != nil {
			return false, err
		}
		if processed {
			log.WithField("height", block.Header.Height).
				Debug("Dropping a block, height was seen before and block was not requested")
			return false, nil
		}
	}
	return true, nil
}

// verifyAndRebroadcastBlock validates the header and body enough to decide
// whether to propagate the block, before the heavier full processing. A
// bad-data failure bans the peer, except for future timestamps where
// clocks may simply be skewed. Other failures are ignored here; the full
// processing will classify them.
func (c *Client) verifyAndRebroadcastBlock(block *blocks.Block, wasRequested bool, peer PeerID) error {
	err := c.chain.ProcessBlockHeader(block.Header)
	if err == nil {
		err = c.chain.ValidateBlock(block)
	}
	if err == nil {
		head, headErr := c.chain.Head()
		if headErr != nil {
			return headErr
		}
		// Do not rebroadcast blocks that are too far back.
		if (head.Height < block.Header.Height || head.EpochID == block.Header.EpochID) &&
			!wasRequested && !c.SyncStatus.IsSyncing() {
			c.rebroadcastBlock(block)
		}
		return nil
	}
	if IsBadData(err) {
		if !errors.Is(err, ErrInvalidBlockFutureTime) {
			c.BanPeer(peer, BanReasonBadBlockHeader)
		}
		return err
	}
	// All other errors pass the block along; an unknown parent will park
	// it as an orphan during processing.
	return nil
}

// StartProcessBlock hands the block to the asynchronous processing
// pipeline. It returns before chunk application finishes; the callback
// fires on the worker pool when it does.
func (c *Client) StartProcessBlock(block *blocks.Block, provenance Provenance, done DoneApplyChunkCallback) error {
	var artifact BlockProcessingArtifact
	err := c.chain.StartProcessBlockAsync(c.me(), block, provenance, &artifact, done)
	c.processBlockProcessingArtifact(&artifact)

	// Send out a challenge if the block was found to be invalid.
	if c.signer != nil && err != nil {
		switch {
		case errors.Is(err, ErrInvalidChunkProofs):
			c.SendChallenges([][]byte{challengeBodyChunkProofs(block)})
		case errors.Is(err, ErrInvalidChunkState):
			c.SendChallenges([][]byte{challengeBodyChunkState(block)})
		}
	}
	return err
}

func challengeBodyChunkProofs(block *blocks.Block) []byte {
	h := block.Hash()
	return append([]byte("chunk-proofs:"), h[:]...)
}

func challengeBodyChunkState(block *blocks.Block) []byte {
	h := block.Hash()
	return append([]byte("chunk-state:"), h[:]...)
}

// processBlockProcessingArtifact finishes the steps block processing
// cannot do itself: sending challenges, handing missing chunk headers to
// the shards manager, requesting missing chunks and banning producers of
// invalid chunks.
func (c *Client) processBlockProcessingArtifact(artifact *BlockProcessingArtifact) {
	c.SendChallenges(artifact.Challenges)
	for _, missing := range artifact.BlocksMissingChunks {
		for _, chunk := range missing.MissingChunks {
			c.shardsManager.ProcessChunkHeaderFromBlock(chunk)
		}
	}
	for _, missing := range artifact.OrphansMissingChunks {
		for _, chunk := range missing.MissingChunks {
			c.shardsManager.ProcessChunkHeaderFromBlock(chunk)
		}
	}
	c.RequestMissingChunks(artifact.BlocksMissingChunks, artifact.OrphansMissingChunks)
	for _, chunkHeader := range artifact.InvalidChunks {
		if err := c.banChunkProducerForProducingInvalidChunk(chunkHeader); err != nil {
			log.WithError(err).Error("Failed to ban chunk producer for producing invalid chunk")
		}
	}
}

// RequestMissingChunks forwards missing chunk sets to the shards manager.
func (c *Client) RequestMissingChunks(blocksMissing []BlockMissingChunks, orphansMissing []OrphanMissingChunks) {
	for _, missing := range blocksMissing {
		c.shardsManager.RequestChunks(missing.MissingChunks, missing.PrevHash)
	}
	for _, missing := range orphansMissing {
		c.shardsManager.RequestChunksForOrphan(missing.MissingChunks, missing.EpochID, missing.AncestorHash)
	}
}

// ProcessBlocksWithMissingChunks retries blocks whose chunk sets may have
// completed.
func (c *Client) ProcessBlocksWithMissingChunks(done DoneApplyChunkCallback) {
	var artifact BlockProcessingArtifact
	c.chain.CheckBlocksWithMissingChunks(c.me(), &artifact, done)
	c.processBlockProcessingArtifact(&artifact)
}

// OnChunkCompleted is called when the shards manager finishes
// reassembling a chunk: persist it, record the collection time, mark it
// accepted and retry blocks waiting on it.
func (c *Client) OnChunkCompleted(partial *chunks.PartialEncodedChunk, shardChunk *chunks.ShardChunk, done DoneApplyChunkCallback) {
	header := partial.Header
	c.BlockProductionInfo.RecordChunkCollected(header.HeightCreated, header.ShardID, c.clock.Now())
	if shardChunk != nil {
		if err := c.chain.SaveChunk(shardChunk); err != nil {
			log.WithError(err).Error("Could not persist chunk")
			return
		}
	}
	c.chain.AcceptChunk(header.ChunkHash())
	c.ProcessBlocksWithMissingChunks(done)
}

// OnInvalidChunk persists an encoded chunk that failed validation, for
// later challenge evidence.
func (c *Client) OnInvalidChunk(encoded *chunks.EncodedShardChunk) {
	if err := c.chain.SaveInvalidChunk(encoded); err != nil {
		log.WithError(err).Error("Error saving invalid chunk")
	}
}

// SyncBlockHeaders validates a batch of headers during header sync and
// republishes the chain heads to the shards manager.
func (c *Client) SyncBlockHeaders(headers []*blocks.Header) error {
	for _, header := range headers {
		if err := c.chain.ProcessBlockHeader(header); err != nil {
			return err
		}
	}
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	headerHead, err := c.chain.HeaderHead()
	if err != nil {
		return err
	}
	c.shardsManager.UpdateChainHeads(head, headerHead)
	return nil
}
