package client

import "github.com/shardlabs/tessera/consensus-types/primitives"

// SyncStatusKind enumerates the sync state machine's states. Transitions
// are driven by the external sync adapter's periodic ticks:
// AwaitingPeers -> HeaderSync -> EpochSync? -> BlockSync ->
// StateSync (per shard) -> BodySync -> NoSync.
type SyncStatusKind int

const (
	// SyncAwaitingPeers - not enough peers to sync from.
	SyncAwaitingPeers SyncStatusKind = iota
	// SyncHeader - downloading headers.
	SyncHeader
	// SyncEpoch - downloading epoch info ahead of headers.
	SyncEpoch
	// SyncBlock - downloading recent blocks.
	SyncBlock
	// SyncState - downloading state per shard at a sync point.
	SyncState
	// SyncBody - downloading block bodies.
	SyncBody
	// SyncNone - fully synced; normal operation.
	SyncNone
)

func (k SyncStatusKind) String() string {
	switch k {
	case SyncAwaitingPeers:
		return "AwaitingPeers"
	case SyncHeader:
		return "HeaderSync"
	case SyncEpoch:
		return "EpochSync"
	case SyncBlock:
		return "BlockSync"
	case SyncState:
		return "StateSync"
	case SyncBody:
		return "BodySync"
	case SyncNone:
		return "NoSync"
	default:
		return "Unknown"
	}
}

// SyncStatus is the coordinator's view of sync progress. The coordinator
// uses IsSyncing to gate rebroadcast, chunk production after acceptance,
// and tolerance of future or past blocks.
type SyncStatus struct {
	Kind SyncStatusKind
	// SyncHash is the state sync point while Kind is SyncState.
	SyncHash [32]byte
	// ShardDownloads tracks per-shard progress while Kind is SyncState.
	ShardDownloads map[primitives.ShardID]*ShardSyncDownload
}

// IsSyncing returns true for every state except NoSync.
func (s *SyncStatus) IsSyncing() bool {
	return s.Kind != SyncNone
}

// ShardSyncPhase is the per-shard state sync phase during catchup.
type ShardSyncPhase int

const (
	// PhaseHeadersFetch - downloading the shard's state header.
	PhaseHeadersFetch ShardSyncPhase = iota
	// PhasePartsFetch - downloading state parts.
	PhasePartsFetch
	// PhasePartsApply - applying downloaded parts.
	PhasePartsApply
	// PhaseSplitScheduling - a tracked shard awaiting a resharding split.
	PhaseSplitScheduling
	// PhaseSplitApplying - the split is running on the worker pool.
	PhaseSplitApplying
	// PhaseDone - the shard finished.
	PhaseDone
)

func (p ShardSyncPhase) String() string {
	switch p {
	case PhaseHeadersFetch:
		return "HeadersFetch"
	case PhasePartsFetch:
		return "PartsFetch"
	case PhasePartsApply:
		return "PartsApply"
	case PhaseSplitScheduling:
		return "SplitScheduling"
	case PhaseSplitApplying:
		return "SplitApplying"
	case PhaseDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// ShardSyncDownload is one shard's progress through the sync phases.
type ShardSyncDownload struct {
	Phase      ShardSyncPhase
	PartsDone  uint64
	PartsTotal uint64
}
