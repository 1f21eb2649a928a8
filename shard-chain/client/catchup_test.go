package client

import (
	"testing"

	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/testing/assert"
	"github.com/shardlabs/tessera/testing/require"
)

type schedulerRecorder struct {
	parts  []ApplyStatePartsRequest
	blocks []BlockCatchUpRequest
	splits []StateSplitRequest
}

func (r *schedulerRecorder) run(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.client.RunCatchup(
		func(req ApplyStatePartsRequest) { r.parts = append(r.parts, req) },
		func(req BlockCatchUpRequest) { r.blocks = append(r.blocks, req) },
		func(req StateSplitRequest) { r.splits = append(r.splits, req) },
		noopDone,
	))
}

func TestRunCatchup_DownloadPath(t *testing.T) {
	env := newTestEnv(t, 1)
	syncBlock := env.buildBlockWithChunks(t, env.genesisBlock(t), nil)
	syncHash := syncBlock.Hash()
	env.chain.stateSyncInfos = []StateSyncInfo{{EpochTailHash: syncHash, Shards: []primitives.ShardID{0}}}

	rec := &schedulerRecorder{}
	rec.run(t, env)

	// The sync worker was notified exactly once, and the shard starts in
	// the header fetch phase.
	require.Equal(t, 1, len(env.syncAdapter.syncs))
	status, err := env.client.GetCatchupStatus()
	require.NoError(t, err)
	require.Equal(t, 1, len(status))
	assert.Equal(t, "HeadersFetch", status[0].ShardSyncStatus[0])

	rec.run(t, env)
	assert.Equal(t, 1, len(env.syncAdapter.syncs), "workers must not be re-notified")

	// Header, then both parts arrive.
	env.client.OnStateHeaderDownloaded(syncHash, 0, 2)
	env.client.OnStatePartDownloaded(syncHash, 0)
	env.client.OnStatePartDownloaded(syncHash, 0)

	rec.run(t, env)
	require.Equal(t, 1, len(rec.parts))
	assert.Equal(t, primitives.ShardID(0), rec.parts[0].ShardID)

	env.client.OnStatePartsApplied(syncHash, 0)
	rec.run(t, env)

	// All shards done and no pending blocks: the catchup finalized and was
	// dropped from the tracking map.
	assert.Equal(t, 0, len(env.client.catchupStateSyncs))
}

func TestRunCatchup_SplitPathForTrackedShards(t *testing.T) {
	env := newTestEnv(t, 1)
	env.epochManager.willReshard = true
	env.tracker.cares[0] = true
	syncBlock := env.buildBlockWithChunks(t, env.genesisBlock(t), nil)
	syncHash := syncBlock.Hash()
	env.chain.stateSyncInfos = []StateSyncInfo{{EpochTailHash: syncHash, Shards: []primitives.ShardID{0}}}

	rec := &schedulerRecorder{}
	rec.run(t, env)

	// A tracked shard under a changing layout goes to the split path, not
	// the download path.
	require.Equal(t, 1, len(rec.splits))
	assert.Equal(t, 0, len(rec.parts))

	env.client.OnStateSplitApplied(syncHash, 0)
	rec.run(t, env)
	assert.Equal(t, 0, len(env.client.catchupStateSyncs))
}

func TestShutdown_StopsSyncWorkers(t *testing.T) {
	env := newTestEnv(t, 2)
	// One worker per shard was started at construction.
	require.Equal(t, 2, len(env.syncAdapter.started))
	env.client.Shutdown()
	assert.Equal(t, true, env.syncAdapter.stopped)
}
