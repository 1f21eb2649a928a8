// Package client implements the consensus-and-chunk coordinator: block and
// chunk production, approval collection, transaction admission and catchup
// state sync. The coordinator is completely synchronous and must be driven
// by an external scheduler; all of its state is mutated on that scheduler's
// thread and long work is handed to worker pools through callbacks.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/cache"
	"github.com/shardlabs/tessera/shard-chain/pool"
	"github.com/sirupsen/logrus"
)

const (
	// NumRebroadcastBlocks bounds the recently rebroadcast block set.
	NumRebroadcastBlocks = 30
	// ChunkHeadersForInclusionCacheSize bounds the prev-hash keyed cache of
	// chunk headers ready for inclusion.
	ChunkHeadersForInclusionCacheSize = 2048
	// NumEpochChunkProducersToKeepInBlocklist bounds the chunk producer ban
	// list.
	NumEpochChunkProducersToKeepInBlocklist = 1000
	// BlockHorizon drops blocks whose height is beyond head + horizon while
	// syncing.
	BlockHorizon primitives.BlockHeightDelta = 500
	// EpochStartInfoBlocks is the number of blocks at an epoch start for
	// which more detailed info is logged.
	EpochStartInfoBlocks = 500
)

// EpochSyncRequestTimeout is how long to wait for an epoch sync response
// before retrying with another peer.
const EpochSyncRequestTimeout = time.Second

// EpochSyncPeerTimeout is the cooldown before the same peer may serve
// another epoch sync request.
const EpochSyncPeerTimeout = 10 * time.Millisecond

// ReadyChunk is a chunk header waiting for inclusion into the next block
// on top of its parent.
type ReadyChunk struct {
	Header     *blocks.ChunkHeader
	ReceivedAt time.Time
	Producer   primitives.AccountID
}

type epochAccount struct {
	epoch   primitives.EpochID
	account primitives.AccountID
}

type pendingApproval struct {
	approval     *blocks.Approval
	approvalType blocks.ApprovalType
}

type tier1Cache struct {
	epochID primitives.EpochID
	keys    AccountKeys
}

// Deps are the external collaborators of the coordinator.
type Deps struct {
	Chain            Chain
	EpochManager     EpochManager
	ShardTracker     ShardTracker
	Runtime          RuntimeAdapter
	Network          NetworkAdapter
	ShardsManager    ShardsManagerAdapter
	Doomslug         Doomslug
	StateSyncAdapter StateSyncAdapter
	// FlatStorageCreator is present while flat storage is still being
	// built in the background for some shards.
	FlatStorageCreator FlatStorageCreator
	// Signer is nil on non-validating nodes.
	Signer blocks.Signer
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Client is the coordinator. All state below is owned by the client thread;
// the only lock is around the state sync adapter handle, shared with the
// sync workers and held only across start and stop.
type Client struct {
	config params.ClientConfig

	SyncStatus SyncStatus

	chain         Chain
	epochManager  EpochManager
	shardTracker  ShardTracker
	runtime       RuntimeAdapter
	network       NetworkAdapter
	shardsManager ShardsManagerAdapter
	doomslug      Doomslug
	signer        blocks.Signer
	clock         clock.Clock

	syncAdapterMu sync.RWMutex
	syncAdapter   StateSyncAdapter

	flatStorageCreator FlatStorageCreator

	shardedTxPool *pool.ShardedTransactionPool

	chunkHeadersReadyForInclusion *lru.Cache // prev hash -> map[ShardID]ReadyChunk
	doNotIncludeChunksFrom        *lru.Cache // epochAccount -> struct{}
	pendingApprovals              *lru.Cache // blocks.ApprovalInner -> map[AccountID]pendingApproval
	rebroadcastedBlocks           *lru.Cache // block hash -> struct{}

	catchupStateSyncs map[[32]byte]*catchupState

	challenges map[[32]byte]*blocks.Challenge

	dataParts   int
	parityParts int

	lastTimeHeadProgressMade time.Time

	// BlockProductionInfo records production timing, for debugging only.
	BlockProductionInfo *cache.BlockProductionTracker

	tier1Accounts *tier1Cache
}

// New builds a coordinator and, when state sync is enabled, starts one
// sync worker per shard of the head epoch's layout.
func New(config params.ClientConfig, deps Deps) (*Client, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	chunkHeadersCache, err := lru.New(ChunkHeadersForInclusionCacheSize)
	if err != nil {
		return nil, err
	}
	banList, err := lru.New(NumEpochChunkProducersToKeepInBlocklist)
	if err != nil {
		return nil, err
	}
	pendingApprovals, err := lru.New(int(config.NumBlockProducerSeats))
	if err != nil {
		return nil, err
	}
	rebroadcasted, err := lru.New(NumRebroadcastBlocks)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:                        config,
		SyncStatus:                    SyncStatus{Kind: SyncAwaitingPeers},
		chain:                         deps.Chain,
		epochManager:                  deps.EpochManager,
		shardTracker:                  deps.ShardTracker,
		runtime:                       deps.Runtime,
		network:                       deps.Network,
		shardsManager:                 deps.ShardsManager,
		doomslug:                      deps.Doomslug,
		signer:                        deps.Signer,
		clock:                         deps.Clock,
		syncAdapter:                   deps.StateSyncAdapter,
		flatStorageCreator:            deps.FlatStorageCreator,
		shardedTxPool:                 pool.NewShardedTransactionPool(int(config.TransactionPoolLimit)),
		chunkHeadersReadyForInclusion: chunkHeadersCache,
		doNotIncludeChunksFrom:        banList,
		pendingApprovals:              pendingApprovals,
		rebroadcastedBlocks:           rebroadcasted,
		catchupStateSyncs:             make(map[[32]byte]*catchupState),
		challenges:                    make(map[[32]byte]*blocks.Challenge),
		dataParts:                     deps.EpochManager.NumDataParts(),
		parityParts:                   deps.EpochManager.NumTotalParts() - deps.EpochManager.NumDataParts(),
		lastTimeHeadProgressMade:      deps.Clock.Now(),
		BlockProductionInfo:           cache.NewBlockProductionTracker(),
	}

	if config.StateSyncEnabled && c.syncAdapter != nil {
		head, err := c.chain.Head()
		if err != nil {
			return nil, errors.Wrap(err, "cannot get chain head")
		}
		layout, err := c.epochManager.GetShardLayout(head.EpochID)
		if err != nil {
			return nil, errors.Wrap(err, "cannot get shard layout")
		}
		c.syncAdapterMu.Lock()
		for _, shard := range layout.ShardUIDs() {
			c.syncAdapter.Start(shard)
		}
		c.syncAdapterMu.Unlock()
	}
	return c, nil
}

// Shutdown stops the sync workers. The running workers are tied to the
// coordinator's lifetime and must stop before it is dropped.
func (c *Client) Shutdown() {
	if c.syncAdapter == nil {
		return
	}
	c.syncAdapterMu.Lock()
	defer c.syncAdapterMu.Unlock()
	c.syncAdapter.StopAll()
}

// FlatStorageCreator drives background flat storage creation for shards
// that do not have a flat head yet.
type FlatStorageCreator interface {
	// UpdateStatus polls the per-shard creators, returning true once every
	// shard is created or creation is not needed.
	UpdateStatus() (bool, error)
}

// RunFlatStorageCreationStep checks updates from the background flat
// storage creation processes, returning true when all flat storages exist.
func (c *Client) RunFlatStorageCreationStep() (bool, error) {
	if c.flatStorageCreator == nil {
		return true, nil
	}
	return c.flatStorageCreator.UpdateStatus()
}

// me returns the local validator account, or nil on non-validating nodes.
func (c *Client) me() *primitives.AccountID {
	if c.signer == nil {
		return nil
	}
	id := c.signer.ValidatorID()
	return &id
}

// CheckHeadProgressStalled rebroadcasts the current head if it has not
// moved for stallTimeout, to prevent the network from stalling when a
// large fraction of it missed a block.
func (c *Client) CheckHeadProgressStalled(stallTimeout time.Duration) error {
	if c.clock.Now().Before(c.lastTimeHeadProgressMade.Add(stallTimeout)) || c.SyncStatus.IsSyncing() {
		return nil
	}
	head, err := c.chain.Head()
	if err != nil {
		return err
	}
	block, err := c.chain.GetBlock(head.LastBlockHash)
	if err != nil {
		return err
	}
	c.network.Send(BlockMessage{Block: block})
	c.lastTimeHeadProgressMade = c.clock.Now()
	return nil
}

func (c *Client) rebroadcastBlock(block *blocks.Block) {
	if _, seen := c.rebroadcastedBlocks.Get(block.Hash()); seen {
		return
	}
	c.network.Send(BlockMessage{Block: block})
	c.rebroadcastedBlocks.Add(block.Hash(), struct{}{})
}

// RequestBlock asks the given peer for a block this node does not have.
func (c *Client) RequestBlock(hash [32]byte, peer PeerID) {
	exists, err := c.chain.BlockExists(hash)
	if err != nil {
		log.WithError(err).Error("Failed to check block existence")
		return
	}
	if exists {
		log.WithField("hash", fmt.Sprintf("%x", hash[:8])).Debug("Block request skipped, block already known")
		return
	}
	c.network.Send(BlockRequestMessage{Hash: hash, Peer: peer})
}

// BanPeer asks the peer manager to ban a peer.
func (c *Client) BanPeer(peer PeerID, reason BanReason) {
	c.network.Send(BanPeerMessage{Peer: peer, Reason: reason})
}

// SendChallenges signs and publishes challenge bodies, keeping them in the
// accumulated set.
func (c *Client) SendChallenges(bodies [][]byte) {
	if c.signer == nil {
		return
	}
	for _, body := range bodies {
		challenge := blocks.ProduceChallenge(body, c.signer)
		c.challenges[challenge.Hash] = challenge
		c.network.Send(ChallengeMessage{Challenge: challenge})
	}
}

// IsValidator reports whether the local node holds an unslashed seat with
// a matching key in the given epoch.
func (c *Client) IsValidator(epochID primitives.EpochID, blockHash [32]byte) bool {
	if c.signer == nil {
		return false
	}
	stake, slashed, err := c.epochManager.GetValidatorByAccountID(epochID, blockHash, c.signer.ValidatorID())
	if err != nil {
		return false
	}
	return !slashed && stake.PublicKey == c.signer.PublicKey()
}

// RemoveTransactionsForBlock drops the transactions of the block's new
// chunks, for shards this node cares about, from the tx pool. Challenges
// carried by the block leave the accumulated set.
func (c *Client) RemoveTransactionsForBlock(me primitives.AccountID, block *blocks.Block) error {
	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(block.Header.PrevHash)
	if err != nil {
		return err
	}
	for shardIdx, chunkHeader := range block.Chunks {
		shardID := primitives.ShardID(shardIdx)
		if !chunkHeader.IsNewChunk(block.Header.Height) {
			continue
		}
		if !c.caresAboutShardThisOrNextEpoch(&me, block.Header.PrevHash, shardID, true) {
			continue
		}
		shardUID, err := c.epochManager.ShardIDToUID(shardID, epochID)
		if err != nil {
			return err
		}
		// By now the chunk must be in store, otherwise the block would
		// have been orphaned.
		chunk, err := c.chain.GetChunk(chunkHeader.ChunkHash())
		if err != nil {
			return err
		}
		c.shardedTxPool.Remove(shardUID, chunk.Transactions)
	}
	for _, challenge := range block.Challenges {
		delete(c.challenges, challenge.Hash)
	}
	return nil
}

// ReintroduceTransactionsForBlock puts the transactions of the block's new
// chunks back into the tx pool; used when the block's branch is abandoned.
func (c *Client) ReintroduceTransactionsForBlock(me primitives.AccountID, block *blocks.Block) error {
	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(block.Header.PrevHash)
	if err != nil {
		return err
	}
	for shardIdx, chunkHeader := range block.Chunks {
		shardID := primitives.ShardID(shardIdx)
		if !chunkHeader.IsNewChunk(block.Header.Height) {
			continue
		}
		if !c.caresAboutShardThisOrNextEpoch(&me, block.Header.PrevHash, shardID, false) {
			continue
		}
		shardUID, err := c.epochManager.ShardIDToUID(shardID, epochID)
		if err != nil {
			return err
		}
		chunk, err := c.chain.GetChunk(chunkHeader.ChunkHash())
		if err != nil {
			return err
		}
		reintroduced := c.shardedTxPool.Reintroduce(shardUID, chunk.Transactions)
		if reintroduced < len(chunk.Transactions) {
			log.WithFields(logrus.Fields{
				"reintroduced": reintroduced,
				"numTx":        len(chunk.Transactions),
			}).Debug("Reintroduced transactions")
		}
	}
	for _, challenge := range block.Challenges {
		c.challenges[challenge.Hash] = challenge
	}
	return nil
}

func (c *Client) caresAboutShardThisOrNextEpoch(me *primitives.AccountID, parentHash [32]byte, shard primitives.ShardID, isMe bool) bool {
	return c.shardTracker.CareAboutShard(me, parentHash, shard, isMe) ||
		c.shardTracker.WillCareAboutShard(me, parentHash, shard, isMe)
}

// TxPool exposes the sharded transaction pool for inspection.
func (c *Client) TxPool() *pool.ShardedTransactionPool {
	return c.shardedTxPool
}

// OnChunkHeaderReadyForInclusion records a completed chunk header as a
// candidate for the next block on top of its parent.
func (c *Client) OnChunkHeaderReadyForInclusion(header *blocks.ChunkHeader, producer primitives.AccountID) {
	prevHash := header.PrevBlockHash
	var entry map[primitives.ShardID]ReadyChunk
	if v, ok := c.chunkHeadersReadyForInclusion.Get(prevHash); ok {
		entry = v.(map[primitives.ShardID]ReadyChunk)
	} else {
		entry = make(map[primitives.ShardID]ReadyChunk)
		c.chunkHeadersReadyForInclusion.Add(prevHash, entry)
	}
	entry[header.ShardID] = ReadyChunk{
		Header:     header,
		ReceivedAt: c.clock.Now(),
		Producer:   producer,
	}
}

// ChunkHeadersReadyForInclusion returns the inclusion candidates on top of
// a parent block, excluding any from banned producers.
func (c *Client) ChunkHeadersReadyForInclusion(epochID primitives.EpochID, prevHash [32]byte) map[primitives.ShardID]ReadyChunk {
	out := make(map[primitives.ShardID]ReadyChunk)
	v, ok := c.chunkHeadersReadyForInclusion.Peek(prevHash)
	if !ok {
		return out
	}
	for shard, ready := range v.(map[primitives.ShardID]ReadyChunk) {
		if _, banned := c.doNotIncludeChunksFrom.Get(epochAccount{epoch: epochID, account: ready.Producer}); banned {
			log.WithFields(logrus.Fields{
				"chunkProducer": ready.Producer,
				"shard":         shard,
			}).Warn("Not including chunk from a banned validator")
			chunkDroppedBannedProducer.Inc()
			continue
		}
		out[shard] = ready
	}
	return out
}

// NumChunkHeadersReadyForInclusion counts inclusion candidates from
// non-banned producers.
func (c *Client) NumChunkHeadersReadyForInclusion(epochID primitives.EpochID, prevHash [32]byte) int {
	return len(c.ChunkHeadersReadyForInclusion(epochID, prevHash))
}

// banChunkProducerForProducingInvalidChunk excludes a producer's chunks
// from inclusion for the rest of the epoch.
func (c *Client) banChunkProducerForProducingInvalidChunk(chunkHeader *blocks.ChunkHeader) error {
	epochID, err := c.epochManager.GetEpochIDFromPrevBlock(chunkHeader.PrevBlockHash)
	if err != nil {
		return err
	}
	producer, err := c.epochManager.GetChunkProducer(epochID, chunkHeader.HeightCreated, chunkHeader.ShardID)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"chunkProducer": producer,
		"shard":         chunkHeader.ShardID,
	}).Error("Banning chunk producer for producing invalid chunk")
	chunkProducerBanned.Inc()
	c.doNotIncludeChunksFrom.Add(epochAccount{epoch: epochID, account: producer}, struct{}{})
	return nil
}
