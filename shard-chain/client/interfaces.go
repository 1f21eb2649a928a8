package client

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/shardlayout"
	"github.com/shardlabs/tessera/consensus-types/validator"
	"github.com/shardlabs/tessera/crypto/merkle"
	"github.com/shardlabs/tessera/shard-chain/chunks"
	"github.com/shardlabs/tessera/shard-chain/pool"
)

// BlockStatus describes how an accepted block relates to the previous
// head.
type BlockStatus struct {
	// Kind is one of Next, Fork, Reorg.
	Kind BlockStatusKind
	// PrevHead is the abandoned head; set only for Reorg.
	PrevHead [32]byte
}

// BlockStatusKind enumerates block acceptance outcomes.
type BlockStatusKind int

const (
	// BlockStatusNext - the block extends the current head.
	BlockStatusNext BlockStatusKind = iota
	// BlockStatusFork - the block grows a non-canonical branch.
	BlockStatusFork
	// BlockStatusReorg - the block made a different branch canonical.
	BlockStatusReorg
)

// IsNewHead reports whether the chain head moved.
func (s BlockStatus) IsNewHead() bool {
	return s.Kind != BlockStatusFork
}

// Provenance records how a block was obtained.
type Provenance int

const (
	// ProvenanceNone - received during normal operation.
	ProvenanceNone Provenance = iota
	// ProvenanceProduced - produced by this node.
	ProvenanceProduced
	// ProvenanceSync - received while syncing.
	ProvenanceSync
)

// LatestKnown is the persisted record of the highest block this producer
// has signed, written before a produced block leaves the coordinator so a
// crashed node never double-produces at a height.
type LatestKnown struct {
	Height primitives.BlockHeight
	Seen   uint64
}

// AcceptedBlock is one block that finished asynchronous processing.
type AcceptedBlock struct {
	Hash       [32]byte
	Status     BlockStatus
	Provenance Provenance
}

// DoneApplyChunkCallback fires on the worker pool when chunk application
// for a block completes; completions are polled on the client thread.
type DoneApplyChunkCallback func(blockHash [32]byte)

// BlockMissingChunks lists the chunks a block is still waiting for.
type BlockMissingChunks struct {
	PrevHash      [32]byte
	MissingChunks []*blocks.ChunkHeader
}

// OrphanMissingChunks lists the chunks an orphan is waiting for.
type OrphanMissingChunks struct {
	MissingChunks []*blocks.ChunkHeader
	EpochID       primitives.EpochID
	AncestorHash  [32]byte
}

// BlockProcessingArtifact accumulates the side outputs of block
// processing that the chain cannot finish itself: challenges to send,
// missing chunks to request, invalid chunks whose producers to ban.
type BlockProcessingArtifact struct {
	OrphansMissingChunks []OrphanMissingChunks
	BlocksMissingChunks  []BlockMissingChunks
	Challenges           [][]byte
	InvalidChunks        []*blocks.ChunkHeader
}

// VerifyBlockHashAndSignatureResult is the outcome of the pre-processing
// hash and signature check.
type VerifyBlockHashAndSignatureResult int

const (
	// VerifyBlockCorrect - hash and signature match.
	VerifyBlockCorrect VerifyBlockHashAndSignatureResult = iota
	// VerifyBlockIncorrect - the block is mis-signed; ban the sender.
	VerifyBlockIncorrect
	// VerifyBlockCannotVerify - the producer key is not known yet.
	VerifyBlockCannotVerify
)

// StateSyncInfo names an epoch-boundary block whose new shards need state
// sync before catchup can proceed.
type StateSyncInfo struct {
	EpochTailHash [32]byte
	Shards        []primitives.ShardID
}

// BlocksCatchUpState tracks the blocks accumulated while state syncing.
type BlocksCatchUpState struct {
	SyncHash   [32]byte
	EpochID    primitives.EpochID
	PendingBlocks []([32]byte)
	DoneBlocks    []([32]byte)
}

// IsFinished reports whether every accumulated block was applied.
func (s *BlocksCatchUpState) IsFinished() bool {
	return len(s.PendingBlocks) == 0
}

// ApplyStatePartsRequest schedules state part application on the worker
// pool.
type ApplyStatePartsRequest struct {
	ShardID  primitives.ShardID
	SyncHash [32]byte
}

// BlockCatchUpRequest schedules application of one accumulated block.
type BlockCatchUpRequest struct {
	BlockHash [32]byte
	SyncHash  [32]byte
}

// StateSplitRequest schedules a resharding split of a tracked shard.
type StateSplitRequest struct {
	ShardID  primitives.ShardID
	SyncHash [32]byte
}

// Chain is the chain store and block processing pipeline the coordinator
// drives. Blocks, chunks and extras are read through and never retained
// past a tick.
type Chain interface {
	Head() (*blocks.Tip, error)
	HeaderHead() (*blocks.Tip, error)
	Tail() (primitives.BlockHeight, error)
	Genesis() *blocks.Header
	GetBlock(hash [32]byte) (*blocks.Block, error)
	GetBlockHeader(hash [32]byte) (*blocks.Header, error)
	BlockExists(hash [32]byte) (bool, error)
	IsOrphan(hash [32]byte) bool
	IsHeightProcessed(height primitives.BlockHeight) (bool, error)
	GetAllBlockHashesByHeight(height primitives.BlockHeight) ([][32]byte, error)

	GetChunk(hash blocks.ChunkHash) (*chunks.ShardChunk, error)
	SaveChunk(chunk *chunks.ShardChunk) error
	SaveInvalidChunk(chunk *chunks.EncodedShardChunk) error
	GetChunkExtra(blockHash [32]byte, shard primitives.ShardUID) (*blocks.ChunkExtra, error)
	GetOutgoingReceipts(prevBlockHash [32]byte, shard primitives.ShardID, lastHeightIncluded primitives.BlockHeight) ([]*blocks.Receipt, error)
	GetPrevChunkHeaders(prevBlock *blocks.Block) ([]*blocks.ChunkHeader, error)
	GetPrevChunkHeader(prevBlock *blocks.Block, shard primitives.ShardID) (*blocks.ChunkHeader, error)

	GetBlockMerkleTree(blockHash [32]byte) (*merkle.PartialMerkleTree, error)
	LatestKnown() (LatestKnown, error)
	SaveLatestKnown(LatestKnown) error
	CheckTransactionValidityPeriod(cur *blocks.Header, txAnchor [32]byte, period primitives.BlockHeightDelta) error

	VerifyBlockHashAndSignature(block *blocks.Block) (VerifyBlockHashAndSignatureResult, error)
	ProcessBlockHeader(header *blocks.Header) error
	ValidateBlock(block *blocks.Block) error
	StartProcessBlockAsync(me *primitives.AccountID, block *blocks.Block, provenance Provenance, artifact *BlockProcessingArtifact, done DoneApplyChunkCallback) error
	PostprocessReadyBlocks(me *primitives.AccountID, artifact *BlockProcessingArtifact, done DoneApplyChunkCallback) ([]AcceptedBlock, map[[32]byte]error)
	CheckBlocksWithMissingChunks(me *primitives.AccountID, artifact *BlockProcessingArtifact, done DoneApplyChunkCallback)
	AcceptChunk(hash blocks.ChunkHash)
	PruneBlocksBelowHeight(height primitives.BlockHeight)
	ClearData(gcBlocksLimit uint64) error
	ClearArchiveData(gcBlocksLimit uint64) error
	LastTimeHeadUpdated() time.Time
	PrevBlockIsCaughtUp(prevPrevHash, prevHash [32]byte) (bool, error)
	FindChunkProducerForForwarding(epochID primitives.EpochID, shard primitives.ShardID, horizon primitives.BlockHeightDelta) (primitives.AccountID, error)

	IterateStateSyncInfos() ([]StateSyncInfo, error)
	CatchupBlocksStep(me *primitives.AccountID, syncHash [32]byte, state *BlocksCatchUpState, scheduler func(BlockCatchUpRequest)) error
	FinishCatchupBlocks(me *primitives.AccountID, syncHash [32]byte, artifact *BlockProcessingArtifact, done DoneApplyChunkCallback, doneBlocks [][32]byte) error
}

// EpochManager answers validator assignment and epoch metadata queries.
// From the coordinator's point of view it is an oracle; validator
// selection feeds it at epoch boundaries.
type EpochManager interface {
	GetEpochIDFromPrevBlock(prevHash [32]byte) (primitives.EpochID, error)
	GetNextEpochIDFromPrevBlock(prevHash [32]byte) (primitives.EpochID, error)
	GetBlockProducer(epochID primitives.EpochID, height primitives.BlockHeight) (primitives.AccountID, error)
	GetChunkProducer(epochID primitives.EpochID, height primitives.BlockHeight, shard primitives.ShardID) (primitives.AccountID, error)
	GetValidatorByAccountID(epochID primitives.EpochID, blockHash [32]byte, account primitives.AccountID) (*validator.Stake, bool, error)
	GetEpochBlockApproversOrdered(prevHash [32]byte) ([]blocks.ApprovalStake, []bool, error)
	GetEpochBlockProducersOrdered(epochID primitives.EpochID, blockHash [32]byte) ([]*validator.Stake, error)
	GetEpochChunkProducers(epochID primitives.EpochID) ([]*validator.Stake, error)
	IsNextBlockEpochStart(prevHash [32]byte) (bool, error)
	GetEpochProtocolVersion(epochID primitives.EpochID) (primitives.ProtocolVersion, error)
	GetShardLayout(epochID primitives.EpochID) (*shardlayout.Layout, error)
	GetShardLayoutFromPrevBlock(prevHash [32]byte) (*shardlayout.Layout, error)
	WillShardLayoutChange(prevHash [32]byte) (bool, error)
	ShardIDs(epochID primitives.EpochID) ([]primitives.ShardID, error)
	ShardIDToUID(shard primitives.ShardID, epochID primitives.EpochID) (primitives.ShardUID, error)
	AccountIDToShardID(account primitives.AccountID, epochID primitives.EpochID) (primitives.ShardID, error)
	GetEpochStartHeight(blockHash [32]byte) (primitives.BlockHeight, error)
	GetEpochMintedAmount(epochID primitives.EpochID) (*uint256.Int, error)
	GetEpochSyncDataHash(prevHash [32]byte, epochID, nextEpochID primitives.EpochID) ([32]byte, error)
	ComputeBPHash(nextEpochID primitives.EpochID, prevHash [32]byte) ([32]byte, error)
	NumDataParts() int
	NumTotalParts() int
	VerifyValidatorSignature(epochID primitives.EpochID, blockHash [32]byte, account primitives.AccountID, data []byte, sig primitives.Signature) (bool, error)
}

// ShardTracker answers whether an account cares about a shard at a block,
// in the current or next epoch.
type ShardTracker interface {
	CareAboutShard(me *primitives.AccountID, parentHash [32]byte, shard primitives.ShardID, isMe bool) bool
	WillCareAboutShard(me *primitives.AccountID, parentHash [32]byte, shard primitives.ShardID, isMe bool) bool
}

// RuntimeAdapter validates transactions against a state root and prepares
// a transaction batch for a chunk.
type RuntimeAdapter interface {
	// ValidateTx returns (nil, nil) for a valid transaction, (reason, nil)
	// for an invalid one, and a non-nil second error on storage failure.
	ValidateTx(gasPrice *uint256.Int, stateRoot *[32]byte, tx *blocks.SignedTransaction, verifySignature bool, epochID primitives.EpochID, protocolVersion primitives.ProtocolVersion) (error, error)
	PrepareTransactions(
		gasPrice *uint256.Int,
		gasLimit primitives.Gas,
		epochID primitives.EpochID,
		shard primitives.ShardID,
		stateRoot [32]byte,
		nextHeight primitives.BlockHeight,
		iter *pool.Iterator,
		validityCheck func(tx *blocks.SignedTransaction) bool,
		protocolVersion primitives.ProtocolVersion,
	) ([]*blocks.SignedTransaction, error)
}

// ShardsManagerAdapter hands chunk work to the asynchronous shards
// manager.
type ShardsManagerAdapter interface {
	DistributeEncodedChunk(partial *chunks.PartialEncodedChunk, encoded *chunks.EncodedShardChunk, paths []merkle.Path, outgoingReceipts []*blocks.Receipt)
	RequestChunks(chunksToRequest []*blocks.ChunkHeader, prevHash [32]byte)
	RequestChunksForOrphan(chunksToRequest []*blocks.ChunkHeader, epochID primitives.EpochID, ancestorHash [32]byte)
	ProcessChunkHeaderFromBlock(header *blocks.ChunkHeader)
	CheckIncompleteChunks(blockHash [32]byte)
	UpdateChainHeads(head, headerHead *blocks.Tip)
}

// Doomslug is the finality gadget. The coordinator only reports tips and
// queries the approval witness.
type Doomslug interface {
	Tip() ([32]byte, primitives.BlockHeight)
	SetTip(now time.Time, blockHash [32]byte, height, lastFinalHeight primitives.BlockHeight)
	Witness(prevHash [32]byte, prevHeight, targetHeight primitives.BlockHeight) map[primitives.AccountID]*blocks.Approval
	OnApprovalMessage(now time.Time, approval *blocks.Approval, stakes []blocks.ApprovalStake)
}

// StateSyncAdapter runs per-shard sync workers. The handle is shared with
// the worker threads behind the coordinator's lock; the coordinator
// acquires it only to start and stop workers.
type StateSyncAdapter interface {
	Start(shard primitives.ShardUID)
	StartSync(shard primitives.ShardUID, syncHash [32]byte)
	StopAll()
}
