package client

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/merkle"
	"github.com/shardlabs/tessera/shard-chain/cache"
	"github.com/shardlabs/tessera/shard-chain/chunks"
	"github.com/sirupsen/logrus"
)

// ProduceChunk produces this node's chunk for (epoch, nextHeight, shard)
// on top of prevBlockHash, or returns nil when this node is not the
// chunk producer. lastHeader is the shard's previous chunk header.
func (c *Client) ProduceChunk(
	prevBlockHash [32]byte,
	epochID primitives.EpochID,
	lastHeader *blocks.ChunkHeader,
	nextHeight primitives.BlockHeight,
	shardID primitives.ShardID,
) (*chunks.EncodedShardChunk, []merkle.Path, []*blocks.Receipt, error) {
	start := c.clock.Now()
	timer := produceChunkTime.WithLabelValues(shardLabel(shardID))
	defer func() { timer.Observe(c.clock.Since(start).Seconds()) }()

	if c.signer == nil {
		return nil, nil, nil, ChunkProducerError{Msg: "called without chunk producer info"}
	}
	chunkProposer, err := c.epochManager.GetChunkProducer(epochID, nextHeight, shardID)
	if err != nil {
		return nil, nil, nil, err
	}
	if chunkProposer != c.signer.ValidatorID() {
		log.WithFields(logrus.Fields{
			"me":            c.signer.ValidatorID(),
			"chunkProposer": chunkProposer,
			"nextHeight":    nextHeight,
			"shard":         shardID,
		}).Debug("Not producing chunk, not chunk producer for next chunk")
		return nil, nil, nil, nil
	}

	epochStart, err := c.epochManager.IsNextBlockEpochStart(prevBlockHash)
	if err != nil {
		return nil, nil, nil, err
	}
	if epochStart {
		prevHeader, err := c.chain.GetBlockHeader(prevBlockHash)
		if err != nil {
			return nil, nil, nil, err
		}
		caughtUp, err := c.chain.PrevBlockIsCaughtUp(prevHeader.PrevHash, prevBlockHash)
		if err != nil {
			return nil, nil, nil, err
		}
		if !caughtUp {
			log.WithFields(logrus.Fields{"shard": shardID, "nextHeight": nextHeight}).
				Debug("Produce chunk: prev block is not caught up")
			return nil, nil, nil, ChunkProducerError{
				Msg: "state for the epoch is not downloaded yet, skipping chunk production",
			}
		}
	}

	log.WithFields(logrus.Fields{
		"me":         c.signer.ValidatorID(),
		"nextHeight": nextHeight,
		"shard":      shardID,
	}).Debug("Producing chunk")

	shardUID, err := c.epochManager.ShardIDToUID(shardID, epochID)
	if err != nil {
		return nil, nil, nil, err
	}
	chunkExtra, err := c.chain.GetChunkExtra(prevBlockHash, shardUID)
	if err != nil {
		return nil, nil, nil, ChunkProducerError{Msg: "no chunk extra available: " + err.Error()}
	}

	prevBlockHeader, err := c.chain.GetBlockHeader(prevBlockHash)
	if err != nil {
		return nil, nil, nil, err
	}
	transactions, err := c.prepareTransactions(shardUID, chunkExtra.GasLimit, chunkExtra.StateRoot, prevBlockHeader)
	if err != nil {
		return nil, nil, nil, err
	}
	if c.config.ProduceInvalidTxInChunks {
		transactions = append(transactions, &blocks.SignedTransaction{
			Transaction: blocks.Transaction{
				SignerID:   "test",
				ReceiverID: "other",
				Nonce:      3,
				BlockHash:  prevBlockHash,
			},
		})
	}
	txBytes := make([][]byte, len(transactions))
	for i, tx := range transactions {
		txBytes[i] = blocks.MarshalTransaction(tx)
	}
	txRoot, _ := merkle.Merklize(txBytes)

	outgoingReceipts, err := c.chain.GetOutgoingReceipts(prevBlockHash, shardID, lastHeader.HeightIncluded())
	if err != nil {
		return nil, nil, nil, err
	}
	receiptsRoot, err := c.calculateReceiptsRoot(epochID, outgoingReceipts)
	if err != nil {
		return nil, nil, nil, err
	}

	gasUsed := chunkExtra.GasUsed
	if c.config.ProduceInvalidChunks {
		gasUsed++
	}
	header := &blocks.ChunkHeader{
		PrevBlockHash:      prevBlockHash,
		ShardID:            shardID,
		HeightCreated:      nextHeight,
		StateRoot:          chunkExtra.StateRoot,
		OutcomeRoot:        chunkExtra.OutcomeRoot,
		GasUsed:            gasUsed,
		GasLimit:           chunkExtra.GasLimit,
		BalanceBurnt:       chunkExtra.BalanceBurnt,
		ValidatorProposals: chunkExtra.ValidatorProposals,
		TxRoot:             txRoot,
		ReceiptsRoot:       receiptsRoot,
	}
	header.Signature = c.signer.Sign(header.ChunkHash().Bytes())

	encodedChunk, paths, err := chunks.EncodeChunk(header, transactions, outgoingReceipts, c.dataParts, c.parityParts)
	if err != nil {
		return nil, nil, nil, err
	}

	log.WithFields(logrus.Fields{
		"me":                  c.signer.ValidatorID(),
		"numTransactions":     len(transactions),
		"numOutgoingReceipts": len(outgoingReceipts),
	}).Debug("Produced chunk")

	chunkProducedTotal.Inc()
	c.BlockProductionInfo.RecordChunkProduction(nextHeight, shardID, cache.ChunkProduction{
		Time:           c.clock.Now(),
		DurationMillis: uint64(c.clock.Since(start).Milliseconds()),
	})
	return encodedChunk, paths, outgoingReceipts, nil
}

// prepareTransactions pulls an ordered batch of valid transactions from
// the shard's pool, bounded by the gas limit and the validity period. The
// pulled transactions are reintroduced right away; they leave the pool
// only when their chunk lands in a block.
func (c *Client) prepareTransactions(
	shardUID primitives.ShardUID,
	gasLimit primitives.Gas,
	stateRoot [32]byte,
	prevBlockHeader *blocks.Header,
) ([]*blocks.SignedTransaction, error) {
	nextEpochID, err := c.epochManager.GetEpochIDFromPrevBlock(prevBlockHeader.Hash())
	if err != nil {
		return nil, err
	}
	protocolVersion, err := c.epochManager.GetEpochProtocolVersion(nextEpochID)
	if err != nil {
		return nil, err
	}
	var transactions []*blocks.SignedTransaction
	if iter := c.shardedTxPool.Iterator(shardUID); iter != nil {
		period := params.ShardConfig().TransactionValidityPeriod
		transactions, err = c.runtime.PrepareTransactions(
			prevBlockHeader.NextGasPrice,
			gasLimit,
			nextEpochID,
			primitives.ShardID(shardUID.ShardID),
			stateRoot,
			// The height of the block including the chunk might exceed
			// prev height + 1; passing the latter is the conservative
			// check and never admits an invalid transaction.
			prevBlockHeader.Height+1,
			iter,
			func(tx *blocks.SignedTransaction) bool {
				return c.chain.CheckTransactionValidityPeriod(prevBlockHeader, tx.Transaction.BlockHash, period) == nil
			},
			protocolVersion,
		)
		if err != nil {
			return nil, err
		}
	}
	reintroduced := c.shardedTxPool.Reintroduce(shardUID, transactions)
	if reintroduced < len(transactions) {
		log.WithFields(logrus.Fields{
			"reintroduced": reintroduced,
			"numTx":        len(transactions),
		}).Debug("Reintroduced transactions")
	}
	return transactions, nil
}

// calculateReceiptsRoot groups outgoing receipts by receiver shard, hashes
// each group, and merklizes the group hashes. Shard trackers use the root
// to verify downloaded receipts; receipt recipients verify individual
// proofs against it.
func (c *Client) calculateReceiptsRoot(epochID primitives.EpochID, receipts []*blocks.Receipt) ([32]byte, error) {
	layout, err := c.epochManager.GetShardLayout(epochID)
	if err != nil {
		return [32]byte{}, err
	}
	groups := make([][]byte, layout.NumShards)
	for _, r := range receipts {
		shard := layout.AccountShard(r.ReceiverID)
		groups[shard] = append(groups[shard], blocks.MarshalReceipt(r)...)
	}
	root, _ := merkle.Merklize(groups)
	return root, nil
}

// PersistAndDistributeEncodedChunk decodes the produced chunk, persists
// it, marks it ready for inclusion and hands distribution to the shards
// manager.
func (c *Client) PersistAndDistributeEncodedChunk(
	encodedChunk *chunks.EncodedShardChunk,
	paths []merkle.Path,
	receipts []*blocks.Receipt,
	validatorID primitives.AccountID,
) error {
	shardChunk, err := encodedChunk.Decode()
	if err != nil {
		return errors.Wrap(err, "cannot decode produced chunk")
	}
	if err := c.chain.SaveChunk(shardChunk); err != nil {
		return errors.Wrap(err, "cannot persist chunk")
	}
	c.OnChunkHeaderReadyForInclusion(encodedChunk.Header, validatorID)
	partial := encodedChunk.ToPartial(allPartOrds(len(encodedChunk.Parts)), paths)
	c.shardsManager.DistributeEncodedChunk(partial, encodedChunk, paths, receipts)
	return nil
}

func allPartOrds(n int) []int {
	ords := make([]int, n)
	for i := range ords {
		ords[i] = i
	}
	return ords
}

func shardLabel(shard primitives.ShardID) string {
	return strconv.FormatUint(uint64(shard), 10)
}
