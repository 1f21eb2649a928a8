package client

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/config/params"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/shardlayout"
	"github.com/shardlabs/tessera/consensus-types/validator"
	"github.com/shardlabs/tessera/crypto/merkle"
	"github.com/shardlabs/tessera/shard-chain/chunks"
	"github.com/shardlabs/tessera/shard-chain/pool"
	"github.com/shardlabs/tessera/testing/require"
)

// --- chain mock ---

type extraKey struct {
	block [32]byte
	shard primitives.ShardUID
}

type mockChain struct {
	head        *blocks.Tip
	tail        primitives.BlockHeight
	genesis     *blocks.Header
	blockStore  map[[32]byte]*blocks.Block
	chunkStore  map[blocks.ChunkHash]*chunks.ShardChunk
	chunkExtras map[extraKey]*blocks.ChunkExtra
	receipts    []*blocks.Receipt
	merkleTrees map[[32]byte]*merkle.PartialMerkleTree
	latestKnown LatestKnown

	processedHeights map[primitives.BlockHeight]bool
	hashesByHeight   map[primitives.BlockHeight][][32]byte
	orphans          map[[32]byte]bool

	verifyResult     VerifyBlockHashAndSignatureResult
	validateErr      error
	startProcessErr  error
	startedBlocks    []*blocks.Block
	accepted         []AcceptedBlock
	caughtUp         bool
	validityErr      error
	lastHeadUpdated  time.Time
	prunedBelow      primitives.BlockHeight
	clearDataCalls   int
	savedChunks      []*chunks.ShardChunk
	invalidChunks    []*chunks.EncodedShardChunk
	forwardingTarget primitives.AccountID
	stateSyncInfos   []StateSyncInfo
	acceptedChunks   []blocks.ChunkHash
}

func newMockChain(numShards int) *mockChain {
	genesis := &blocks.Header{Height: 0, BlockOrdinal: 1, NextGasPrice: uint256.NewInt(100)}
	c := &mockChain{
		genesis:          genesis,
		blockStore:       make(map[[32]byte]*blocks.Block),
		chunkStore:       make(map[blocks.ChunkHash]*chunks.ShardChunk),
		chunkExtras:      make(map[extraKey]*blocks.ChunkExtra),
		merkleTrees:      make(map[[32]byte]*merkle.PartialMerkleTree),
		processedHeights: make(map[primitives.BlockHeight]bool),
		hashesByHeight:   make(map[primitives.BlockHeight][][32]byte),
		orphans:          make(map[[32]byte]bool),
		caughtUp:         true,
	}
	genesisChunks := make([]*blocks.ChunkHeader, numShards)
	for i := range genesisChunks {
		genesisChunks[i] = &blocks.ChunkHeader{
			ShardID:      primitives.ShardID(i),
			BalanceBurnt: uint256.NewInt(0),
		}
	}
	genesisBlock := &blocks.Block{Header: genesis, Chunks: genesisChunks}
	c.addBlock(genesisBlock, true)
	return c
}

// addBlock stores a block; when newHead, the head tip moves to it.
func (c *mockChain) addBlock(b *blocks.Block, newHead bool) {
	hash := b.Hash()
	c.blockStore[hash] = b
	c.hashesByHeight[b.Header.Height] = append(c.hashesByHeight[b.Header.Height], hash)
	c.processedHeights[b.Header.Height] = true
	if _, ok := c.merkleTrees[hash]; !ok {
		prevTree, ok := c.merkleTrees[b.Header.PrevHash]
		if !ok {
			prevTree = merkle.NewPartialMerkleTree()
		}
		tree := prevTree.Copy()
		if b.Header.Height > 0 {
			tree.Insert(b.Header.PrevHash)
		}
		c.merkleTrees[hash] = tree
	}
	if newHead {
		c.head = blocks.NewTip(b.Header)
	}
}

func (c *mockChain) Head() (*blocks.Tip, error)       { return c.head, nil }
func (c *mockChain) HeaderHead() (*blocks.Tip, error) { return c.head, nil }
func (c *mockChain) Tail() (primitives.BlockHeight, error) {
	return c.tail, nil
}
func (c *mockChain) Genesis() *blocks.Header { return c.genesis }

func (c *mockChain) GetBlock(hash [32]byte) (*blocks.Block, error) {
	b, ok := c.blockStore[hash]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "block")
	}
	return b, nil
}

func (c *mockChain) GetBlockHeader(hash [32]byte) (*blocks.Header, error) {
	b, err := c.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	return b.Header, nil
}

func (c *mockChain) BlockExists(hash [32]byte) (bool, error) {
	_, ok := c.blockStore[hash]
	return ok, nil
}

func (c *mockChain) IsOrphan(hash [32]byte) bool { return c.orphans[hash] }

func (c *mockChain) IsHeightProcessed(height primitives.BlockHeight) (bool, error) {
	return c.processedHeights[height], nil
}

func (c *mockChain) GetAllBlockHashesByHeight(height primitives.BlockHeight) ([][32]byte, error) {
	return c.hashesByHeight[height], nil
}

func (c *mockChain) GetChunk(hash blocks.ChunkHash) (*chunks.ShardChunk, error) {
	chunk, ok := c.chunkStore[hash]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "chunk")
	}
	return chunk, nil
}

func (c *mockChain) SaveChunk(chunk *chunks.ShardChunk) error {
	c.chunkStore[chunk.Header.ChunkHash()] = chunk
	c.savedChunks = append(c.savedChunks, chunk)
	return nil
}

func (c *mockChain) SaveInvalidChunk(chunk *chunks.EncodedShardChunk) error {
	c.invalidChunks = append(c.invalidChunks, chunk)
	return nil
}

func (c *mockChain) GetChunkExtra(blockHash [32]byte, shard primitives.ShardUID) (*blocks.ChunkExtra, error) {
	extra, ok := c.chunkExtras[extraKey{block: blockHash, shard: shard}]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "chunk extra")
	}
	return extra, nil
}

func (c *mockChain) GetOutgoingReceipts([32]byte, primitives.ShardID, primitives.BlockHeight) ([]*blocks.Receipt, error) {
	return c.receipts, nil
}

func (c *mockChain) GetPrevChunkHeaders(prevBlock *blocks.Block) ([]*blocks.ChunkHeader, error) {
	out := make([]*blocks.ChunkHeader, len(prevBlock.Chunks))
	for i, h := range prevBlock.Chunks {
		out[i] = h.Clone()
	}
	return out, nil
}

func (c *mockChain) GetPrevChunkHeader(prevBlock *blocks.Block, shard primitives.ShardID) (*blocks.ChunkHeader, error) {
	if int(shard) >= len(prevBlock.Chunks) {
		return nil, errors.Wrap(ErrNotFound, "prev chunk header")
	}
	return prevBlock.Chunks[shard], nil
}

func (c *mockChain) GetBlockMerkleTree(blockHash [32]byte) (*merkle.PartialMerkleTree, error) {
	tree, ok := c.merkleTrees[blockHash]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "merkle tree")
	}
	return tree, nil
}

func (c *mockChain) LatestKnown() (LatestKnown, error) { return c.latestKnown, nil }
func (c *mockChain) SaveLatestKnown(lk LatestKnown) error {
	c.latestKnown = lk
	return nil
}

func (c *mockChain) CheckTransactionValidityPeriod(*blocks.Header, [32]byte, primitives.BlockHeightDelta) error {
	return c.validityErr
}

func (c *mockChain) VerifyBlockHashAndSignature(*blocks.Block) (VerifyBlockHashAndSignatureResult, error) {
	return c.verifyResult, nil
}

func (c *mockChain) ProcessBlockHeader(*blocks.Header) error { return nil }
func (c *mockChain) ValidateBlock(*blocks.Block) error       { return c.validateErr }

func (c *mockChain) StartProcessBlockAsync(_ *primitives.AccountID, b *blocks.Block, _ Provenance, _ *BlockProcessingArtifact, _ DoneApplyChunkCallback) error {
	if c.startProcessErr != nil {
		return c.startProcessErr
	}
	c.startedBlocks = append(c.startedBlocks, b)
	return nil
}

func (c *mockChain) PostprocessReadyBlocks(_ *primitives.AccountID, _ *BlockProcessingArtifact, _ DoneApplyChunkCallback) ([]AcceptedBlock, map[[32]byte]error) {
	accepted := c.accepted
	c.accepted = nil
	return accepted, nil
}

func (c *mockChain) CheckBlocksWithMissingChunks(*primitives.AccountID, *BlockProcessingArtifact, DoneApplyChunkCallback) {
}

func (c *mockChain) AcceptChunk(hash blocks.ChunkHash) {
	c.acceptedChunks = append(c.acceptedChunks, hash)
}

func (c *mockChain) PruneBlocksBelowHeight(height primitives.BlockHeight) {
	c.prunedBelow = height
}

func (c *mockChain) ClearData(uint64) error {
	c.clearDataCalls++
	return nil
}

func (c *mockChain) ClearArchiveData(uint64) error {
	c.clearDataCalls++
	return nil
}

func (c *mockChain) LastTimeHeadUpdated() time.Time { return c.lastHeadUpdated }

func (c *mockChain) PrevBlockIsCaughtUp([32]byte, [32]byte) (bool, error) {
	return c.caughtUp, nil
}

func (c *mockChain) FindChunkProducerForForwarding(primitives.EpochID, primitives.ShardID, primitives.BlockHeightDelta) (primitives.AccountID, error) {
	return c.forwardingTarget, nil
}

func (c *mockChain) IterateStateSyncInfos() ([]StateSyncInfo, error) {
	return c.stateSyncInfos, nil
}

func (c *mockChain) CatchupBlocksStep(*primitives.AccountID, [32]byte, *BlocksCatchUpState, func(BlockCatchUpRequest)) error {
	return nil
}

func (c *mockChain) FinishCatchupBlocks(*primitives.AccountID, [32]byte, *BlockProcessingArtifact, DoneApplyChunkCallback, [][32]byte) error {
	return nil
}

// --- epoch manager mock ---

type chunkProducerKey struct {
	height primitives.BlockHeight
	shard  primitives.ShardID
}

type mockEpochManager struct {
	epochID         primitives.EpochID
	nextEpochID     primitives.EpochID
	layout          *shardlayout.Layout
	protocolVersion primitives.ProtocolVersion

	blockProducers map[primitives.BlockHeight]primitives.AccountID
	chunkProducers map[chunkProducerKey]primitives.AccountID
	validators     map[primitives.AccountID]*validator.Stake
	slashed        map[primitives.AccountID]bool
	approvers      []blocks.ApprovalStake
	epochStartNext bool
	willReshard    bool
	newLayout      *shardlayout.Layout
	newLayoutFrom  [32]byte
	sigValid       bool
	epochStart     primitives.BlockHeight
}

func newMockEpochManager(numShards primitives.NumShards) *mockEpochManager {
	return &mockEpochManager{
		epochID:         primitives.EpochID{'e', '1'},
		nextEpochID:     primitives.EpochID{'e', '2'},
		layout:          shardlayout.NewLayout(1, numShards),
		protocolVersion: 63,
		blockProducers:  make(map[primitives.BlockHeight]primitives.AccountID),
		chunkProducers:  make(map[chunkProducerKey]primitives.AccountID),
		validators:      make(map[primitives.AccountID]*validator.Stake),
		slashed:         make(map[primitives.AccountID]bool),
		sigValid:        true,
	}
}

func (m *mockEpochManager) addValidator(account primitives.AccountID, key primitives.PublicKey, stake uint64) {
	m.validators[account] = &validator.Stake{AccountID: account, PublicKey: key, Stake: uint256.NewInt(stake)}
}

func (m *mockEpochManager) GetEpochIDFromPrevBlock([32]byte) (primitives.EpochID, error) {
	return m.epochID, nil
}

func (m *mockEpochManager) GetNextEpochIDFromPrevBlock([32]byte) (primitives.EpochID, error) {
	return m.nextEpochID, nil
}

func (m *mockEpochManager) GetBlockProducer(_ primitives.EpochID, height primitives.BlockHeight) (primitives.AccountID, error) {
	producer, ok := m.blockProducers[height]
	if !ok {
		return "", errors.New("no block producer")
	}
	return producer, nil
}

func (m *mockEpochManager) GetChunkProducer(_ primitives.EpochID, height primitives.BlockHeight, shard primitives.ShardID) (primitives.AccountID, error) {
	if producer, ok := m.chunkProducers[chunkProducerKey{height: height, shard: shard}]; ok {
		return producer, nil
	}
	return "fallback-chunk-producer", nil
}

func (m *mockEpochManager) GetValidatorByAccountID(_ primitives.EpochID, _ [32]byte, account primitives.AccountID) (*validator.Stake, bool, error) {
	v, ok := m.validators[account]
	if !ok {
		return nil, false, errors.Wrap(ErrNotFound, "not a validator")
	}
	return v, m.slashed[account], nil
}

func (m *mockEpochManager) GetEpochBlockApproversOrdered([32]byte) ([]blocks.ApprovalStake, []bool, error) {
	slashed := make([]bool, len(m.approvers))
	for i, a := range m.approvers {
		slashed[i] = m.slashed[a.AccountID]
	}
	return m.approvers, slashed, nil
}

func (m *mockEpochManager) GetEpochBlockProducersOrdered(primitives.EpochID, [32]byte) ([]*validator.Stake, error) {
	var out []*validator.Stake
	for _, a := range m.approvers {
		if v, ok := m.validators[a.AccountID]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *mockEpochManager) GetEpochChunkProducers(primitives.EpochID) ([]*validator.Stake, error) {
	var out []*validator.Stake
	for _, v := range m.validators {
		out = append(out, v)
	}
	return out, nil
}

func (m *mockEpochManager) IsNextBlockEpochStart([32]byte) (bool, error) {
	return m.epochStartNext, nil
}

func (m *mockEpochManager) GetEpochProtocolVersion(primitives.EpochID) (primitives.ProtocolVersion, error) {
	return m.protocolVersion, nil
}

func (m *mockEpochManager) GetShardLayout(primitives.EpochID) (*shardlayout.Layout, error) {
	return m.layout, nil
}

func (m *mockEpochManager) GetShardLayoutFromPrevBlock(hash [32]byte) (*shardlayout.Layout, error) {
	if m.newLayout != nil && hash == m.newLayoutFrom {
		return m.newLayout, nil
	}
	return m.layout, nil
}

func (m *mockEpochManager) WillShardLayoutChange([32]byte) (bool, error) {
	return m.willReshard, nil
}

func (m *mockEpochManager) ShardIDs(primitives.EpochID) ([]primitives.ShardID, error) {
	return m.layout.ShardIDs(), nil
}

func (m *mockEpochManager) ShardIDToUID(shard primitives.ShardID, _ primitives.EpochID) (primitives.ShardUID, error) {
	return m.layout.ShardUIDFor(shard), nil
}

func (m *mockEpochManager) AccountIDToShardID(account primitives.AccountID, _ primitives.EpochID) (primitives.ShardID, error) {
	return m.layout.AccountShard(account), nil
}

func (m *mockEpochManager) GetEpochStartHeight([32]byte) (primitives.BlockHeight, error) {
	return m.epochStart, nil
}

func (m *mockEpochManager) GetEpochMintedAmount(primitives.EpochID) (*uint256.Int, error) {
	return uint256.NewInt(7), nil
}

func (m *mockEpochManager) GetEpochSyncDataHash([32]byte, primitives.EpochID, primitives.EpochID) ([32]byte, error) {
	return [32]byte{'s', 'd'}, nil
}

func (m *mockEpochManager) ComputeBPHash(primitives.EpochID, [32]byte) ([32]byte, error) {
	return [32]byte{'b', 'p'}, nil
}

func (m *mockEpochManager) NumDataParts() int  { return 4 }
func (m *mockEpochManager) NumTotalParts() int { return 6 }

func (m *mockEpochManager) VerifyValidatorSignature(primitives.EpochID, [32]byte, primitives.AccountID, []byte, primitives.Signature) (bool, error) {
	return m.sigValid, nil
}

// --- other mocks ---

type mockShardTracker struct {
	cares     map[primitives.ShardID]bool
	willCares map[primitives.ShardID]bool
}

func newMockShardTracker() *mockShardTracker {
	return &mockShardTracker{
		cares:     make(map[primitives.ShardID]bool),
		willCares: make(map[primitives.ShardID]bool),
	}
}

func (m *mockShardTracker) CareAboutShard(_ *primitives.AccountID, _ [32]byte, shard primitives.ShardID, _ bool) bool {
	return m.cares[shard]
}

func (m *mockShardTracker) WillCareAboutShard(_ *primitives.AccountID, _ [32]byte, shard primitives.ShardID, _ bool) bool {
	return m.willCares[shard]
}

type mockRuntime struct {
	basicInvalid error
	stateInvalid error
}

func (m *mockRuntime) ValidateTx(_ *uint256.Int, stateRoot *[32]byte, _ *blocks.SignedTransaction, _ bool, _ primitives.EpochID, _ primitives.ProtocolVersion) (error, error) {
	if stateRoot == nil {
		return m.basicInvalid, nil
	}
	return m.stateInvalid, nil
}

func (m *mockRuntime) PrepareTransactions(
	_ *uint256.Int, _ primitives.Gas, _ primitives.EpochID, _ primitives.ShardID,
	_ [32]byte, _ primitives.BlockHeight, iter *pool.Iterator,
	validityCheck func(tx *blocks.SignedTransaction) bool, _ primitives.ProtocolVersion,
) ([]*blocks.SignedTransaction, error) {
	var out []*blocks.SignedTransaction
	for tx := iter.Next(); tx != nil; tx = iter.Next() {
		if validityCheck(tx) {
			out = append(out, tx)
		}
	}
	return out, nil
}

type mockNetwork struct {
	sent []Message
}

func (m *mockNetwork) Send(msg Message) { m.sent = append(m.sent, msg) }

func (m *mockNetwork) bans() []BanPeerMessage {
	var out []BanPeerMessage
	for _, msg := range m.sent {
		if ban, ok := msg.(BanPeerMessage); ok {
			out = append(out, ban)
		}
	}
	return out
}

func (m *mockNetwork) blockBroadcasts() []BlockMessage {
	var out []BlockMessage
	for _, msg := range m.sent {
		if b, ok := msg.(BlockMessage); ok {
			out = append(out, b)
		}
	}
	return out
}

func (m *mockNetwork) forwards() []ForwardTxMessage {
	var out []ForwardTxMessage
	for _, msg := range m.sent {
		if f, ok := msg.(ForwardTxMessage); ok {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockNetwork) blockRequests() []BlockRequestMessage {
	var out []BlockRequestMessage
	for _, msg := range m.sent {
		if r, ok := msg.(BlockRequestMessage); ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockNetwork) chainInfos() []ChainInfoMessage {
	var out []ChainInfoMessage
	for _, msg := range m.sent {
		if ci, ok := msg.(ChainInfoMessage); ok {
			out = append(out, ci)
		}
	}
	return out
}

type mockShardsManager struct {
	distributed      []*chunks.EncodedShardChunk
	requested        [][]*blocks.ChunkHeader
	headerProcessed  []*blocks.ChunkHeader
	incompleteChecks [][32]byte
	headUpdates      int
}

func (m *mockShardsManager) DistributeEncodedChunk(_ *chunks.PartialEncodedChunk, encoded *chunks.EncodedShardChunk, _ []merkle.Path, _ []*blocks.Receipt) {
	m.distributed = append(m.distributed, encoded)
}

func (m *mockShardsManager) RequestChunks(toRequest []*blocks.ChunkHeader, _ [32]byte) {
	m.requested = append(m.requested, toRequest)
}

func (m *mockShardsManager) RequestChunksForOrphan(toRequest []*blocks.ChunkHeader, _ primitives.EpochID, _ [32]byte) {
	m.requested = append(m.requested, toRequest)
}

func (m *mockShardsManager) ProcessChunkHeaderFromBlock(header *blocks.ChunkHeader) {
	m.headerProcessed = append(m.headerProcessed, header)
}

func (m *mockShardsManager) CheckIncompleteChunks(hash [32]byte) {
	m.incompleteChecks = append(m.incompleteChecks, hash)
}

func (m *mockShardsManager) UpdateChainHeads(*blocks.Tip, *blocks.Tip) { m.headUpdates++ }

type mockDoomslug struct {
	tipHash   [32]byte
	tipHeight primitives.BlockHeight
	witness   map[primitives.AccountID]*blocks.Approval
	received  []*blocks.Approval
}

func (m *mockDoomslug) Tip() ([32]byte, primitives.BlockHeight) { return m.tipHash, m.tipHeight }

func (m *mockDoomslug) SetTip(_ time.Time, blockHash [32]byte, height, _ primitives.BlockHeight) {
	m.tipHash = blockHash
	m.tipHeight = height
}

func (m *mockDoomslug) Witness([32]byte, primitives.BlockHeight, primitives.BlockHeight) map[primitives.AccountID]*blocks.Approval {
	return m.witness
}

func (m *mockDoomslug) OnApprovalMessage(_ time.Time, approval *blocks.Approval, _ []blocks.ApprovalStake) {
	m.received = append(m.received, approval)
}

type mockSigner struct {
	account primitives.AccountID
	key     primitives.PublicKey
}

func (m *mockSigner) ValidatorID() primitives.AccountID { return m.account }
func (m *mockSigner) PublicKey() primitives.PublicKey   { return m.key }
func (m *mockSigner) Sign(data []byte) primitives.Signature {
	sig := append([]byte("sig:"), m.account...)
	return append(sig, data[:min(8, len(data))]...)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type mockSyncAdapter struct {
	started []primitives.ShardUID
	syncs   []primitives.ShardUID
	stopped bool
}

func (m *mockSyncAdapter) Start(shard primitives.ShardUID) { m.started = append(m.started, shard) }
func (m *mockSyncAdapter) StartSync(shard primitives.ShardUID, _ [32]byte) {
	m.syncs = append(m.syncs, shard)
}
func (m *mockSyncAdapter) StopAll() { m.stopped = true }

// --- environment ---

type testEnv struct {
	client        *Client
	chain         *mockChain
	epochManager  *mockEpochManager
	tracker       *mockShardTracker
	runtime       *mockRuntime
	network       *mockNetwork
	shardsManager *mockShardsManager
	doomslug      *mockDoomslug
	signer        *mockSigner
	syncAdapter   *mockSyncAdapter
	clock         *clock.Mock
}

type envOption func(*testEnv)

func withoutSigner() envOption {
	return func(e *testEnv) { e.signer = nil }
}

func newTestEnv(t *testing.T, numShards primitives.NumShards, opts ...envOption) *testEnv {
	prevCfg := params.ShardConfig()
	params.OverrideShardConfig(params.MinimalTestConfig())
	t.Cleanup(func() { params.OverrideShardConfig(prevCfg) })

	env := &testEnv{
		chain:         newMockChain(int(numShards)),
		epochManager:  newMockEpochManager(numShards),
		tracker:       newMockShardTracker(),
		runtime:       &mockRuntime{},
		network:       &mockNetwork{},
		shardsManager: &mockShardsManager{},
		doomslug:      &mockDoomslug{},
		signer:        &mockSigner{account: "test-validator", key: primitives.PublicKey{'k'}},
		syncAdapter:   &mockSyncAdapter{},
		clock:         clock.NewMock(),
	}
	for _, opt := range opts {
		opt(env)
	}

	cfg := params.DefaultClientConfig()
	cfg.EpochLength = 100
	cfg.NumBlockProducerSeats = 10

	deps := Deps{
		Chain:            env.chain,
		EpochManager:     env.epochManager,
		ShardTracker:     env.tracker,
		Runtime:          env.runtime,
		Network:          env.network,
		ShardsManager:    env.shardsManager,
		Doomslug:         env.doomslug,
		StateSyncAdapter: env.syncAdapter,
		Clock:            env.clock,
	}
	if env.signer != nil {
		deps.Signer = env.signer
		env.epochManager.addValidator(env.signer.account, env.signer.key, 1000)
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	env.client = c
	// NoSync unless a test exercises sync gating.
	c.SyncStatus = SyncStatus{Kind: SyncNone}
	return env
}

// buildBlock assembles a signed block on top of prev with one chunk header
// per shard carried over.
func (e *testEnv) buildBlock(t *testing.T, prev *blocks.Block, numShards int) *blocks.Block {
	headers := make([]*blocks.ChunkHeader, numShards)
	for i := range headers {
		headers[i] = &blocks.ChunkHeader{
			PrevBlockHash: prev.Header.PrevHash,
			ShardID:       primitives.ShardID(i),
			HeightCreated: prev.Header.Height,
			BalanceBurnt:  uint256.NewInt(0),
		}
	}
	args := &blocks.ProduceArgs{
		ThisEpochProtocolVersion: 63,
		Prev:                     prev.Header,
		Height:                   prev.Header.Height + 1,
		BlockOrdinal:             primitives.NumBlocks(prev.Header.BlockOrdinal + 1),
		Chunks:                   headers,
		EpochID:                  e.epochManager.epochID,
		NextEpochID:              e.epochManager.nextEpochID,
		GasPriceAdjRateNum:       1,
		GasPriceAdjRateDen:       100,
		MinGasPrice:              uint256.NewInt(5),
		MaxGasPrice:              uint256.NewInt(10_000),
		Timestamp:                e.clock.Now(),
	}
	signer := e.signer
	if signer == nil {
		signer = &mockSigner{account: "other-producer"}
	}
	return blocks.Produce(args, signer)
}

// genesisBlock fetches the stored genesis block.
func (e *testEnv) genesisBlock(t *testing.T) *blocks.Block {
	b, err := e.chain.GetBlock(e.chain.head.LastBlockHash)
	require.NoError(t, err)
	return b
}
