package client

import (
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
)

// CollectBlockApproval collects one block approval.
//
// The approval goes to doomslug iff this node is the block producer for the
// target height in the next block's epoch and the signature matches the
// approver's key. A peer approval whose parent block is unknown is parked
// in pendingApprovals: it may be from the next epoch.
func (c *Client) CollectBlockApproval(approval *blocks.Approval, approvalType blocks.ApprovalType) {
	parentHash, err := c.approvalParentHash(approval)
	if err != nil {
		c.handleProcessApprovalError(approval, approvalType, true, err)
		return
	}

	nextBlockEpochID, err := c.epochManager.GetEpochIDFromPrevBlock(parentHash)
	if err != nil {
		c.handleProcessApprovalError(approval, approvalType, true, err)
		return
	}

	if approvalType == blocks.PeerApproval {
		// On the epoch boundary, blocks carry approvals from both the
		// current and the next epoch. Validate against the epoch the
		// approver belongs to: the next block's epoch if the account is a
		// validator there, the epoch after next otherwise.
		validatorEpochID := nextBlockEpochID
		if _, _, err := c.epochManager.GetValidatorByAccountID(nextBlockEpochID, parentHash, approval.AccountID); err != nil {
			nextNext, err := c.epochManager.GetNextEpochIDFromPrevBlock(parentHash)
			if err != nil {
				return
			}
			validatorEpochID = nextNext
		}
		ok, err := c.epochManager.VerifyValidatorSignature(
			validatorEpochID,
			parentHash,
			approval.AccountID,
			blocks.ApprovalDataForSig(approval.Inner, approval.TargetHeight),
			approval.Signature,
		)
		if err != nil || !ok {
			return
		}
	}

	isBlockProducer := false
	if c.signer != nil {
		producer, err := c.epochManager.GetBlockProducer(nextBlockEpochID, approval.TargetHeight)
		if err == nil && producer == c.signer.ValidatorID() {
			isBlockProducer = true
		}
	}
	if !isBlockProducer {
		if _, err := c.chain.GetBlockHeader(parentHash); err == nil {
			// We know the header: either the parent is the tip and we are
			// not the producer on top of it, or we will never build on the
			// parent. Either way the approval is of no use to us.
			return
		} else {
			c.handleProcessApprovalError(approval, approvalType, false, err)
			return
		}
	}

	stakes, _, err := c.epochManager.GetEpochBlockApproversOrdered(parentHash)
	if err != nil {
		log.WithError(err).Error("Block approval error")
		return
	}
	c.doomslug.OnApprovalMessage(c.clock.Now(), approval, stakes)
}

// approvalParentHash resolves the approval's reference parent: the
// endorsed hash, or any block at the skipped height (every block there is
// an eligible parent for the next produced block).
func (c *Client) approvalParentHash(approval *blocks.Approval) ([32]byte, error) {
	if approval.Inner.IsEndorsement {
		return approval.Inner.Endorsement, nil
	}
	hashes, err := c.chain.GetAllBlockHashesByHeight(approval.Inner.SkipHeight)
	if err != nil {
		return [32]byte{}, err
	}
	if len(hashes) == 0 {
		return [32]byte{}, errors.Wrapf(ErrNotFound, "cannot find any block at height %d", approval.Inner.SkipHeight)
	}
	return hashes[0], nil
}

// handleProcessApprovalError parks an approval whose parent is not known
// yet. With checkValidator set, only approvals from accounts that are
// validators in the head's epoch or the next are worth keeping.
func (c *Client) handleProcessApprovalError(approval *blocks.Approval, approvalType blocks.ApprovalType, checkValidator bool, err error) {
	if !errors.Is(err, ErrNotFound) {
		return
	}
	if checkValidator {
		head, headErr := c.chain.Head()
		if headErr != nil {
			return
		}
		if !c.accountIsValidatorIn(head.EpochID, head.LastBlockHash, approval.AccountID) &&
			!c.accountIsValidatorIn(head.NextEpochID, head.LastBlockHash, approval.AccountID) {
			return
		}
	}
	var entry map[primitives.AccountID]pendingApproval
	if v, ok := c.pendingApprovals.Get(approval.Inner); ok {
		entry = v.(map[primitives.AccountID]pendingApproval)
	} else {
		entry = make(map[primitives.AccountID]pendingApproval)
	}
	entry[approval.AccountID] = pendingApproval{approval: approval, approvalType: approvalType}
	c.pendingApprovals.Add(approval.Inner, entry)
}

func (c *Client) accountIsValidatorIn(epochID primitives.EpochID, blockHash [32]byte, account primitives.AccountID) bool {
	_, slashed, err := c.epochManager.GetValidatorByAccountID(epochID, blockHash, account)
	return err == nil && !slashed
}

// drainPendingApprovals feeds the approvals parked under inner back into
// collection, now that their reference block arrived.
func (c *Client) drainPendingApprovals(inner blocks.ApprovalInner) {
	v, ok := c.pendingApprovals.Get(inner)
	if !ok {
		return
	}
	c.pendingApprovals.Remove(inner)
	for _, pending := range v.(map[primitives.AccountID]pendingApproval) {
		c.CollectBlockApproval(pending.approval, pending.approvalType)
	}
}
