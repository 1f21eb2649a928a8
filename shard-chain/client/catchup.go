package client

import (
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/sirupsen/logrus"
)

// StateSyncResult is the outcome of one state sync step.
type StateSyncResult int

const (
	// StateSyncInProgress - at least one shard is not Done yet.
	StateSyncInProgress StateSyncResult = iota
	// StateSyncCompleted - every shard reached Done.
	StateSyncCompleted
)

// catchupState tracks one pending catchup: the per-shard sync progress and
// the blocks accumulated while it ran.
type catchupState struct {
	shardSync    map[primitives.ShardID]*ShardSyncDownload
	blocksState  *BlocksCatchUpState
	startedSync  bool
}

// CatchupStatus summarizes one catchup for the debug surface.
type CatchupStatus struct {
	SyncBlockHash   [32]byte
	SyncBlockHeight primitives.BlockHeight
	ShardSyncStatus map[primitives.ShardID]string
	BlocksToCatchup int
}

// RunCatchup walks every pending state sync for a future epoch and drives
// it: per-shard state download (or split for already-tracked shards), then
// application of the blocks that accumulated in the meantime, then
// finalization.
func (c *Client) RunCatchup(
	statePartsScheduler func(ApplyStatePartsRequest),
	blockCatchUpScheduler func(BlockCatchUpRequest),
	stateSplitScheduler func(StateSplitRequest),
	done DoneApplyChunkCallback,
) error {
	me := c.me()
	infos, err := c.chain.IterateStateSyncInfos()
	if err != nil {
		return err
	}
	for _, info := range infos {
		syncHash := info.EpochTailHash
		state, ok := c.catchupStateSyncs[syncHash]
		if !ok {
			log.WithField("syncHash", syncHash[:8]).Debug("Inserting new state sync")
			shardsToSplit, err := c.shardsToSplit(syncHash, &info, me)
			if err != nil {
				return err
			}
			block, err := c.chain.GetBlock(syncHash)
			if err != nil {
				return err
			}
			state = &catchupState{
				shardSync:   shardsToSplit,
				blocksState: &BlocksCatchUpState{SyncHash: syncHash, EpochID: block.Header.EpochID},
			}
			for _, shardID := range info.Shards {
				if _, exists := state.shardSync[shardID]; !exists {
					state.shardSync[shardID] = &ShardSyncDownload{Phase: PhaseHeadersFetch}
				}
			}
			c.catchupStateSyncs[syncHash] = state
		}

		// Notify each shard's sync worker once.
		if !state.startedSync {
			state.startedSync = true
			block, err := c.chain.GetBlock(syncHash)
			if err != nil {
				return err
			}
			layout, err := c.epochManager.GetShardLayout(block.Header.EpochID)
			if err != nil {
				return err
			}
			if c.syncAdapter != nil {
				c.syncAdapterMu.RLock()
				for _, shardID := range info.Shards {
					c.syncAdapter.StartSync(layout.ShardUIDFor(shardID), syncHash)
				}
				c.syncAdapterMu.RUnlock()
			}
		}

		log.WithFields(logrus.Fields{
			"me":       me,
			"syncHash": syncHash[:8],
		}).Debug("Catchup")

		switch c.runStateSyncStep(syncHash, state, statePartsScheduler, stateSplitScheduler) {
		case StateSyncInProgress:
		case StateSyncCompleted:
			log.Debug("State sync completed, now catch up blocks")
			if err := c.chain.CatchupBlocksStep(me, syncHash, state.blocksState, blockCatchUpScheduler); err != nil {
				return err
			}
			if state.blocksState.IsFinished() {
				var artifact BlockProcessingArtifact
				if err := c.chain.FinishCatchupBlocks(me, syncHash, &artifact, done, state.blocksState.DoneBlocks); err != nil {
					return err
				}
				c.processBlockProcessingArtifact(&artifact)
				delete(c.catchupStateSyncs, syncHash)
			}
		}
	}
	return nil
}

// runStateSyncStep advances every shard of one catchup through its phases,
// scheduling asynchronous work where a phase requires it, and reports
// whether all shards are done.
func (c *Client) runStateSyncStep(
	syncHash [32]byte,
	state *catchupState,
	statePartsScheduler func(ApplyStatePartsRequest),
	stateSplitScheduler func(StateSplitRequest),
) StateSyncResult {
	allDone := true
	for shardID, download := range state.shardSync {
		switch download.Phase {
		case PhaseHeadersFetch, PhasePartsFetch:
			// Downloads progress through OnStateHeaderDownloaded and
			// OnStatePartDownloaded as responses arrive.
			allDone = false
		case PhasePartsApply:
			statePartsScheduler(ApplyStatePartsRequest{ShardID: shardID, SyncHash: syncHash})
			allDone = false
		case PhaseSplitScheduling:
			stateSplitScheduler(StateSplitRequest{ShardID: shardID, SyncHash: syncHash})
			download.Phase = PhaseSplitApplying
			allDone = false
		case PhaseSplitApplying:
			allDone = false
		case PhaseDone:
		}
	}
	if allDone {
		return StateSyncCompleted
	}
	return StateSyncInProgress
}

// shardsToSplit returns, for shards requested for state sync that this
// node already tracks, a sync download entry on the split path instead of
// the download path. Splitting only applies when the shard layout will
// change at the boundary.
func (c *Client) shardsToSplit(syncHash [32]byte, info *StateSyncInfo, me *primitives.AccountID) (map[primitives.ShardID]*ShardSyncDownload, error) {
	block, err := c.chain.GetBlock(syncHash)
	if err != nil {
		return nil, err
	}
	prevHash := block.Header.PrevHash
	willChange, err := c.epochManager.WillShardLayoutChange(prevHash)
	if err != nil {
		return nil, err
	}
	out := make(map[primitives.ShardID]*ShardSyncDownload)
	if !willChange {
		log.Debug("Do not need to split states for shards")
		return out, nil
	}
	for _, shardID := range info.Shards {
		if c.shardTracker.CareAboutShard(me, prevHash, shardID, true) {
			out[shardID] = &ShardSyncDownload{Phase: PhaseSplitScheduling}
		}
	}
	return out, nil
}

// OnStateHeaderDownloaded moves a shard from header fetch to parts fetch.
func (c *Client) OnStateHeaderDownloaded(syncHash [32]byte, shardID primitives.ShardID, partsTotal uint64) {
	state, ok := c.catchupStateSyncs[syncHash]
	if !ok {
		return
	}
	download, ok := state.shardSync[shardID]
	if !ok || download.Phase != PhaseHeadersFetch {
		return
	}
	download.Phase = PhasePartsFetch
	download.PartsTotal = partsTotal
}

// OnStatePartDownloaded counts one downloaded part; when all parts are in,
// the shard moves to the apply phase.
func (c *Client) OnStatePartDownloaded(syncHash [32]byte, shardID primitives.ShardID) {
	state, ok := c.catchupStateSyncs[syncHash]
	if !ok {
		return
	}
	download, ok := state.shardSync[shardID]
	if !ok || download.Phase != PhasePartsFetch {
		return
	}
	download.PartsDone++
	if download.PartsDone >= download.PartsTotal {
		download.Phase = PhasePartsApply
	}
}

// OnStatePartsApplied marks a shard's state as applied.
func (c *Client) OnStatePartsApplied(syncHash [32]byte, shardID primitives.ShardID) {
	c.setShardPhase(syncHash, shardID, PhasePartsApply, PhaseDone)
}

// OnStateSplitApplied marks a shard's resharding split as finished.
func (c *Client) OnStateSplitApplied(syncHash [32]byte, shardID primitives.ShardID) {
	c.setShardPhase(syncHash, shardID, PhaseSplitApplying, PhaseDone)
}

func (c *Client) setShardPhase(syncHash [32]byte, shardID primitives.ShardID, from, to ShardSyncPhase) {
	state, ok := c.catchupStateSyncs[syncHash]
	if !ok {
		return
	}
	download, ok := state.shardSync[shardID]
	if !ok || download.Phase != from {
		return
	}
	download.Phase = to
}

// OnBlockCatchUpApplied records one accumulated block as applied during
// the catchup-blocks stage.
func (c *Client) OnBlockCatchUpApplied(syncHash [32]byte, blockHash [32]byte) {
	state, ok := c.catchupStateSyncs[syncHash]
	if !ok {
		return
	}
	pending := state.blocksState.PendingBlocks[:0]
	for _, h := range state.blocksState.PendingBlocks {
		if h != blockHash {
			pending = append(pending, h)
		}
	}
	state.blocksState.PendingBlocks = pending
	state.blocksState.DoneBlocks = append(state.blocksState.DoneBlocks, blockHash)
}

// GetCatchupStatus summarizes the ongoing catchups.
func (c *Client) GetCatchupStatus() ([]CatchupStatus, error) {
	var out []CatchupStatus
	for syncHash, state := range c.catchupStateSyncs {
		header, err := c.chain.GetBlockHeader(syncHash)
		if err != nil {
			return nil, err
		}
		shardStatus := make(map[primitives.ShardID]string, len(state.shardSync))
		for shardID, download := range state.shardSync {
			shardStatus[shardID] = download.Phase.String()
		}
		out = append(out, CatchupStatus{
			SyncBlockHash:   syncHash,
			SyncBlockHeight: header.Height,
			ShardSyncStatus: shardStatus,
			BlocksToCatchup: len(state.blocksState.PendingBlocks),
		})
	}
	return out, nil
}
