package client

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/testing/assert"
	"github.com/shardlabs/tessera/testing/require"
)

// oneShardEnv pins every account to shard 0 by using a single shard.
func oneShardEnv(t *testing.T) *testEnv {
	env := newTestEnv(t, 1)
	env.chain.forwardingTarget = "chunk-producer"
	// A chunk extra at the head so state validation has a state root.
	env.chain.chunkExtras[extraKey{
		block: env.chain.head.LastBlockHash,
		shard: env.shardUID(0),
	}] = &blocks.ChunkExtra{}
	return env
}

func TestProcessTx_ValidRecordedAndRoutedWhenNotActive(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	transaction := tx("alice", 1)

	// A validator that is not the upcoming chunk producer records the
	// transaction and still routes it to the producers who are.
	resp := env.client.ProcessTx(transaction, false, false)
	assert.Equal(t, ProcessTxRequestRouted, resp.Kind)
	assert.Equal(t, true, env.client.TxPool().PoolFor(env.shardUID(0)).Contains(transaction))
	require.Equal(t, 1, len(env.network.forwards()))
}

func TestProcessTx_InvalidExpired(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	env.chain.validityErr = errors.New("transaction expired")

	resp := env.client.ProcessTx(tx("alice", 1), false, false)
	assert.Equal(t, ProcessTxInvalid, resp.Kind)
	require.ErrorContains(t, "expired", resp.InvalidReason)
}

func TestProcessTx_InvalidBasicValidation(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	env.runtime.basicInvalid = errors.New("invalid signature")

	resp := env.client.ProcessTx(tx("alice", 1), false, false)
	assert.Equal(t, ProcessTxInvalid, resp.Kind)
}

func TestProcessTx_InvalidAgainstState(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	env.runtime.stateInvalid = errors.New("not enough balance")

	resp := env.client.ProcessTx(tx("alice", 1), false, false)
	assert.Equal(t, ProcessTxInvalid, resp.Kind)
	require.ErrorContains(t, "balance", resp.InvalidReason)
}

func TestProcessTx_CheckOnlyValid(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true

	resp := env.client.ProcessTx(tx("alice", 1), false, true)
	assert.Equal(t, ProcessTxValid, resp.Kind)
	// Check-only does not record.
	assert.Equal(t, 0, env.client.TxPool().PoolFor(env.shardUID(0)).Len())
}

func TestProcessTx_UntrackedShardRouted(t *testing.T) {
	env := oneShardEnv(t)
	// Not tracking shard 0 at all.
	resp := env.client.ProcessTx(tx("alice", 1), false, false)
	assert.Equal(t, ProcessTxRequestRouted, resp.Kind)
	forwards := env.network.forwards()
	require.Equal(t, 1, len(forwards))
	assert.Equal(t, primitives.AccountID("chunk-producer"), forwards[0].TargetAccount)
}

func TestProcessTx_UntrackedShardForwardedDropped(t *testing.T) {
	env := oneShardEnv(t)
	resp := env.client.ProcessTx(tx("alice", 1), true, false)
	assert.Equal(t, ProcessTxNoResponse, resp.Kind)
	assert.Equal(t, 0, len(env.network.forwards()))
}

func TestProcessTx_UntrackedShardCheckOnly(t *testing.T) {
	env := oneShardEnv(t)
	resp := env.client.ProcessTx(tx("alice", 1), false, true)
	assert.Equal(t, ProcessTxDoesNotTrackShard, resp.Kind)
}

func TestProcessTx_ActiveValidatorForwardsUnforwardedTx(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	// Active chunk producer within the routing horizon.
	env.epochManager.chunkProducers[chunkProducerKey{height: 1, shard: 0}] = env.signer.account

	resp := env.client.ProcessTx(tx("alice", 1), false, false)
	assert.Equal(t, ProcessTxValid, resp.Kind)
	// The transaction is forwarded to upcoming producers of the epoch,
	// excluding this node itself.
	forwards := env.network.forwards()
	require.Equal(t, 1, len(forwards))
	assert.Equal(t, primitives.AccountID("chunk-producer"), forwards[0].TargetAccount)
}

func TestProcessTx_ActiveValidatorDoesNotReforwardForwardedTx(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	env.epochManager.chunkProducers[chunkProducerKey{height: 1, shard: 0}] = env.signer.account

	resp := env.client.ProcessTx(tx("alice", 1), true, false)
	assert.Equal(t, ProcessTxValid, resp.Kind)
	assert.Equal(t, 0, len(env.network.forwards()))
}

func TestProcessTx_ForwardedToNonValidatorDropped(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	// Tracking the shard but not a chunk producer anywhere soon.
	resp := env.client.ProcessTx(tx("alice", 1), true, false)
	assert.Equal(t, ProcessTxNoResponse, resp.Kind)
}

func TestProcessTx_MissingStateRootForwards(t *testing.T) {
	env := newTestEnv(t, 1)
	env.chain.forwardingTarget = "chunk-producer"
	env.tracker.cares[0] = true
	// No chunk extra at the head: the node has not caught up yet.
	resp := env.client.ProcessTx(tx("alice", 1), false, false)
	assert.Equal(t, ProcessTxRequestRouted, resp.Kind)

	// The forwarded variant cannot be rerouted and errors out into
	// NoResponse.
	resp = env.client.ProcessTx(tx("alice", 1), true, false)
	assert.Equal(t, ProcessTxNoResponse, resp.Kind)
}

func TestProcessTx_DuplicateReportsValid(t *testing.T) {
	env := oneShardEnv(t)
	env.tracker.cares[0] = true
	transaction := tx("alice", 1)

	resp := env.client.ProcessTx(transaction, false, false)
	assert.Equal(t, ProcessTxRequestRouted, resp.Kind)
	// A duplicate is answered as valid without re-forwarding.
	resp = env.client.ProcessTx(transaction, false, false)
	assert.Equal(t, ProcessTxValid, resp.Kind)
	assert.Equal(t, 1, env.client.TxPool().PoolFor(env.shardUID(0)).Len())
}
