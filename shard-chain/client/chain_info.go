package client

import (
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
)

// tier1AccountsFor computes the set of accounts critical to low-latency
// block production: block producers, chunk producers and approvers for the
// current and next epoch. The result is cached per epoch since chain info
// is published far more often than the epoch changes.
func (c *Client) tier1AccountsFor(tip *blocks.Tip) (AccountKeys, error) {
	if c.tier1Accounts != nil && c.tier1Accounts.epochID == tip.EpochID {
		return c.tier1Accounts.keys, nil
	}

	keys := make(AccountKeys)
	for _, epochID := range []primitives.EpochID{tip.EpochID, tip.NextEpochID} {
		chunkProducers, err := c.epochManager.GetEpochChunkProducers(epochID)
		if err != nil {
			return nil, err
		}
		for _, cp := range chunkProducers {
			if keys[cp.AccountID] == nil {
				keys[cp.AccountID] = make(map[primitives.PublicKey]bool)
			}
			keys[cp.AccountID][cp.PublicKey] = true
		}
		blockProducers, err := c.epochManager.GetEpochBlockProducersOrdered(epochID, tip.LastBlockHash)
		if err != nil {
			return nil, err
		}
		for _, bp := range blockProducers {
			if keys[bp.AccountID] == nil {
				keys[bp.AccountID] = make(map[primitives.PublicKey]bool)
			}
			keys[bp.AccountID][bp.PublicKey] = true
		}
	}
	c.tier1Accounts = &tier1Cache{epochID: tip.EpochID, keys: keys}
	return keys, nil
}

// SendNetworkChainInfo publishes the chain information the peer manager
// needs: the head block, tracked shards and tier-1 accounts. Expected to be
// called every time the head changes.
func (c *Client) SendNetworkChainInfo() error {
	tip, err := c.chain.Head()
	if err != nil {
		return err
	}
	var trackedShards []primitives.ShardID
	if len(c.config.TrackedShards) > 0 {
		// The runtime tracks every shard whenever any shard is configured.
		trackedShards, err = c.epochManager.ShardIDs(tip.EpochID)
		if err != nil {
			return err
		}
	}
	tier1, err := c.tier1AccountsFor(tip)
	if err != nil {
		return err
	}
	block, err := c.chain.GetBlock(tip.LastBlockHash)
	if err != nil {
		return err
	}
	c.network.Send(ChainInfoMessage{
		Block:         block,
		TrackedShards: trackedShards,
		Tier1Accounts: tier1,
	})
	return nil
}
