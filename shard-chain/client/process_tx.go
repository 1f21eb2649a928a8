package client

import (
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/pool"
	"github.com/sirupsen/logrus"
)

// ProcessTxResponse is the terminal outcome of transaction admission, the
// primary external signal for transaction clients.
type ProcessTxResponse struct {
	Kind ProcessTxResponseKind
	// InvalidReason is set for ProcessTxInvalid.
	InvalidReason error
}

// ProcessTxResponseKind enumerates admission outcomes.
type ProcessTxResponseKind int

const (
	// ProcessTxNoResponse - dropped without a meaningful answer.
	ProcessTxNoResponse ProcessTxResponseKind = iota
	// ProcessTxValid - the transaction is valid and, unless check-only,
	// recorded.
	ProcessTxValid
	// ProcessTxInvalid - the transaction failed validation.
	ProcessTxInvalid
	// ProcessTxRequestRouted - forwarded to the responsible producer.
	ProcessTxRequestRouted
	// ProcessTxDoesNotTrackShard - check-only on an untracked shard.
	ProcessTxDoesNotTrackShard
)

func validTx() ProcessTxResponse {
	return ProcessTxResponse{Kind: ProcessTxValid}
}

func invalidTx(reason error) ProcessTxResponse {
	return ProcessTxResponse{Kind: ProcessTxInvalid, InvalidReason: reason}
}

// ProcessTx submits a transaction for future inclusion into the chain. If
// accepted it joins the shard's pool and may be forwarded to other
// validators.
func (c *Client) ProcessTx(tx *blocks.SignedTransaction, isForwarded, checkOnly bool) ProcessTxResponse {
	resp, err := c.processTxInternal(tx, isForwarded, checkOnly)
	if err != nil {
		log.WithError(err).WithField("me", c.me()).Warn("Dropping tx")
		return ProcessTxResponse{Kind: ProcessTxNoResponse}
	}
	return resp
}

func (c *Client) processTxInternal(tx *blocks.SignedTransaction, isForwarded, checkOnly bool) (ProcessTxResponse, error) {
	head, err := c.chain.Head()
	if err != nil {
		return ProcessTxResponse{}, err
	}
	me := c.me()
	curHeader, err := c.chain.GetBlockHeader(head.LastBlockHash)
	if err != nil {
		return ProcessTxResponse{}, err
	}

	// The validity window check against the current header is a best
	// effort estimate: a block including the transaction can only be
	// higher than the current head.
	period := params.ShardConfig().TransactionValidityPeriod
	if err := c.chain.CheckTransactionValidityPeriod(curHeader, tx.Transaction.BlockHash, period); err != nil {
		log.Debug("Invalid tx: expired or from a different fork")
		return invalidTx(err), nil
	}
	gasPrice := curHeader.NextGasPrice
	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(head.LastBlockHash)
	if err != nil {
		return ProcessTxResponse{}, err
	}
	protocolVersion, err := c.epochManager.GetEpochProtocolVersion(epochID)
	if err != nil {
		return ProcessTxResponse{}, err
	}

	invalid, err := c.runtime.ValidateTx(gasPrice, nil, tx, true, epochID, protocolVersion)
	if err != nil {
		return ProcessTxResponse{}, errors.Wrap(err, "tx validation storage error")
	}
	if invalid != nil {
		log.WithError(invalid).Debug("Invalid tx during basic validation")
		return invalidTx(invalid), nil
	}

	shardID, err := c.epochManager.AccountIDToShardID(tx.Transaction.SignerID, epochID)
	if err != nil {
		return ProcessTxResponse{}, err
	}
	careAboutShard := c.shardTracker.CareAboutShard(me, head.LastBlockHash, shardID, true)
	willCareAboutShard := c.shardTracker.WillCareAboutShard(me, head.LastBlockHash, shardID, true)

	if !careAboutShard && !willCareAboutShard {
		if checkOnly {
			return ProcessTxResponse{Kind: ProcessTxDoesNotTrackShard}, nil
		}
		if isForwarded {
			// A forwarded transaction for an untracked shard has nowhere
			// to go.
			log.WithField("shard", shardID).Debug("Received forwarded transaction but no tracking shard")
			return ProcessTxResponse{Kind: ProcessTxNoResponse}, nil
		}
		// We cannot validate the transaction; reroute it.
		if err := c.forwardTx(epochID, tx); err != nil {
			return ProcessTxResponse{}, err
		}
		return ProcessTxResponse{Kind: ProcessTxRequestRouted}, nil
	}

	shardUID, err := c.epochManager.ShardIDToUID(shardID, epochID)
	if err != nil {
		return ProcessTxResponse{}, err
	}
	extra, err := c.chain.GetChunkExtra(head.LastBlockHash, shardUID)
	if err != nil {
		// A missing state root most likely means the node has not caught
		// up with the epoch yet.
		if isForwarded {
			return ProcessTxResponse{}, errors.New("node has not caught up yet")
		}
		if err := c.forwardTx(epochID, tx); err != nil {
			return ProcessTxResponse{}, err
		}
		return ProcessTxResponse{Kind: ProcessTxRequestRouted}, nil
	}
	stateRoot := extra.StateRoot

	invalid, err = c.runtime.ValidateTx(gasPrice, &stateRoot, tx, false, epochID, protocolVersion)
	if err != nil {
		return ProcessTxResponse{}, errors.Wrap(err, "tx validation storage error")
	}
	if invalid != nil {
		log.WithError(invalid).Debug("Invalid tx")
		return invalidTx(invalid), nil
	}
	if checkOnly {
		return validTx(), nil
	}

	// Transactions only need to be recorded if the node is a validator.
	if me != nil {
		switch c.shardedTxPool.Insert(shardUID, tx) {
		case pool.InsertSuccess:
			log.WithField("shard", shardUID).Trace("Recorded a transaction")
		case pool.InsertDuplicate:
			log.WithField("shard", shardUID).Trace("Duplicate transaction, not forwarding it")
			return validTx(), nil
		case pool.InsertNoSpaceLeft:
			if isForwarded {
				log.WithField("shard", shardUID).Trace("Transaction pool is full, dropping the transaction")
			} else {
				log.WithField("shard", shardUID).Trace("Transaction pool is full, trying to forward the transaction")
			}
		}
	}

	// An active validator records and possibly forwards to the next
	// epoch's validators; everyone else forwards to the current epoch's.
	active, err := c.activeValidator(shardID)
	if err != nil {
		return ProcessTxResponse{}, err
	}
	switch {
	case active:
		log.WithFields(logrus.Fields{"shard": shardID, "isForwarded": isForwarded}).
			Trace("Recording a transaction")
		txReceivedValidator.Inc()
		if !isForwarded {
			if err := c.possiblyForwardTxToNextEpoch(tx); err != nil {
				return ProcessTxResponse{}, err
			}
		}
		return validTx(), nil
	case !isForwarded:
		log.WithField("shard", shardID).Trace("Forwarding a transaction")
		txReceivedNonValidator.Inc()
		if err := c.forwardTx(epochID, tx); err != nil {
			return ProcessTxResponse{}, err
		}
		return ProcessTxResponse{Kind: ProcessTxRequestRouted}, nil
	default:
		log.WithField("shard", shardID).Trace("Non-validator received a forwarded transaction, dropping it")
		txReceivedNonValidatorForwarded.Inc()
		return ProcessTxResponse{Kind: ProcessTxNoResponse}, nil
	}
}

// forwardTx forwards a transaction to the chunk producers responsible for
// the signer's shard over the next few heights, in this epoch and, near a
// boundary, the next.
func (c *Client) forwardTx(epochID primitives.EpochID, tx *blocks.SignedTransaction) error {
	shardID, err := c.epochManager.AccountIDToShardID(tx.Transaction.SignerID, epochID)
	if err != nil {
		return err
	}
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	nextEpochID, err := c.nextEpochIDIfAtBoundary(head)
	if err != nil {
		return err
	}

	horizon := params.ShardConfig().TxRoutingHeightHorizon
	targets := make(map[primitives.AccountID]bool)
	horizons := make([]primitives.BlockHeightDelta, 0, horizon)
	for h := primitives.BlockHeightDelta(2); h <= horizon; h++ {
		horizons = append(horizons, h)
	}
	horizons = append(horizons, horizon*2)
	for _, h := range horizons {
		target, err := c.chain.FindChunkProducerForForwarding(epochID, shardID, h)
		if err != nil {
			return err
		}
		targets[target] = true
		if nextEpochID != nil {
			nextShardID, err := c.epochManager.AccountIDToShardID(tx.Transaction.SignerID, *nextEpochID)
			if err != nil {
				return err
			}
			target, err := c.chain.FindChunkProducerForForwarding(*nextEpochID, nextShardID, h)
			if err != nil {
				return err
			}
			targets[target] = true
		}
	}
	if me := c.me(); me != nil {
		delete(targets, *me)
	}
	for target := range targets {
		log.WithFields(logrus.Fields{"target": target, "shard": shardID}).Trace("Routing a transaction")
		c.network.Send(ForwardTxMessage{TargetAccount: target, Tx: tx})
	}
	return nil
}

// nextEpochIDIfAtBoundary returns the next epoch id when the head is close
// enough to the epoch boundary for routing to care, nil otherwise.
func (c *Client) nextEpochIDIfAtBoundary(head *blocks.Tip) (*primitives.EpochID, error) {
	nextEpochStarted, err := c.epochManager.IsNextBlockEpochStart(head.LastBlockHash)
	if err != nil {
		return nil, err
	}
	if nextEpochStarted {
		return nil, nil
	}
	epochStartHeight, err := c.epochManager.GetEpochStartHeight(head.LastBlockHash)
	if err != nil {
		return nil, err
	}
	nextEpochEstimatedHeight := epochStartHeight + primitives.BlockHeight(c.config.EpochLength)
	horizon := params.ShardConfig().TxRoutingHeightHorizon
	if head.Height+primitives.BlockHeight(horizon) < nextEpochEstimatedHeight {
		return nil, nil
	}
	nextEpochID, err := c.epochManager.GetNextEpochIDFromPrevBlock(head.LastBlockHash)
	if err != nil {
		return nil, err
	}
	return &nextEpochID, nil
}

// possiblyForwardTxToNextEpoch forwards to the next epoch's validators if
// an epoch switch could happen within the routing horizon, and to the
// current epoch's otherwise.
func (c *Client) possiblyForwardTxToNextEpoch(tx *blocks.SignedTransaction) error {
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	nextEpochID, err := c.nextEpochIDIfAtBoundary(head)
	if err != nil {
		return err
	}
	if nextEpochID != nil {
		return c.forwardTx(*nextEpochID, tx)
	}
	return c.forwardTx(head.EpochID, tx)
}

// activeValidator reports whether this node produces a chunk for the shard
// within the routing horizon, assuming the epoch does not change.
func (c *Client) activeValidator(shardID primitives.ShardID) (bool, error) {
	head, err := c.chain.Head()
	if err != nil {
		return false, err
	}
	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(head.LastBlockHash)
	if err != nil {
		return false, err
	}
	me := c.me()
	if me == nil {
		return false, nil
	}
	horizon := params.ShardConfig().TxRoutingHeightHorizon
	for i := primitives.BlockHeightDelta(1); i <= horizon; i++ {
		producer, err := c.epochManager.GetChunkProducer(epochID, head.Height+primitives.BlockHeight(i), shardID)
		if err != nil {
			return false, err
		}
		if producer == *me {
			return true, nil
		}
	}
	return false, nil
}
