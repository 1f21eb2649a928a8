package flatstorage

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/shard-chain/db/kv"
	"github.com/shardlabs/tessera/testing/assert"
	"github.com/shardlabs/tessera/testing/require"
)

// setupTrieAtFinalHead commits numEntries entries into the store trie and
// wires the chain metadata (final head, its header and chunk extra) that
// Init and Verify resolve the state root through.
func setupTrieAtFinalHead(t *testing.T, store *kv.Store, numEntries int) (*StoreTrie, kv.BlockInfo) {
	trie := NewStoreTrie(store, testShard)
	for i := 0; i < numEntries; i++ {
		key := []byte(fmt.Sprintf("key%08d", i))
		value := []byte(fmt.Sprintf("value%d", i))
		require.NoError(t, trie.Put(key, value))
	}
	root, err := trie.Commit()
	require.NoError(t, err)

	header := &blocks.Header{Height: 5, PrevHash: [32]byte{'p'}}
	require.NoError(t, store.SaveBlockHeader(header))
	final := kv.BlockInfo{Hash: header.Hash(), Height: header.Height}
	require.NoError(t, store.SaveFinalHead(final))
	require.NoError(t, store.SaveChunkExtra(final.Hash, testShard, &blocks.ChunkExtra{StateRoot: root}))
	return trie, final
}

func TestInitThenVerify_Success(t *testing.T) {
	store := setupStore(t)
	trie, final := setupTrieAtFinalHead(t, store, 42_000)

	require.NoError(t, Init(store, testShard, trie, 3))

	status, err := store.FlatStorageStatusForShard(testShard)
	require.NoError(t, err)
	assert.Equal(t, kv.FlatStorageReady, status.Kind)
	assert.DeepEqual(t, final, status.FlatHead)

	var out bytes.Buffer
	require.NoError(t, Verify(&out, store, testShard, trie))
	if !strings.Contains(out.String(), "Success - verified 42000 nodes") {
		t.Fatalf("unexpected verify output: %s", out.String())
	}
}

func TestVerify_DetectsValueMismatch(t *testing.T) {
	store := setupStore(t)
	trie, _ := setupTrieAtFinalHead(t, store, 10)
	require.NoError(t, Init(store, testShard, trie, 2))

	// Corrupt one flat entry's value hash.
	require.NoError(t, store.ApplyFlatStateChanges(testShard, []kv.FlatStateChange{
		{Key: []byte("key00000004"), Value: &kv.FlatStateValue{Ref: &kv.ValueRef{
			Hash:   hash.Hash([]byte("bogus")),
			Length: uint32(len("value4")),
		}}},
	}))

	var out bytes.Buffer
	err := Verify(&out, store, testShard, trie)
	require.ErrorContains(t, "verification failed", err)
	if !strings.Contains(out.String(), "Different value hashes") {
		t.Fatalf("expected value hash diagnostic, got: %s", out.String())
	}
}

func TestVerify_DetectsMissingFlatKey(t *testing.T) {
	store := setupStore(t)
	trie, _ := setupTrieAtFinalHead(t, store, 10)
	require.NoError(t, Init(store, testShard, trie, 2))

	require.NoError(t, store.ApplyFlatStateChanges(testShard, []kv.FlatStateChange{
		{Key: []byte("key00000009")},
	}))

	var out bytes.Buffer
	err := Verify(&out, store, testShard, trie)
	require.ErrorContains(t, "verification failed", err)
}

func TestVerify_RequiresReadyShard(t *testing.T) {
	store := setupStore(t)
	trie := NewStoreTrie(store, testShard)
	var out bytes.Buffer
	require.ErrorContains(t, "not ready", Verify(&out, store, testShard, trie))
}

func TestConstructTrieFromFlat(t *testing.T) {
	store := setupStore(t)
	trie, _ := setupTrieAtFinalHead(t, store, 25)
	require.NoError(t, Init(store, testShard, trie, 2))

	dest := func() *kv.Store {
		s, err := kv.NewKVStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, s.Close()) })
		return s
	}()
	builder := NewStoreTrie(dest, testShard)
	root, err := ConstructTrieFromFlat(store, testShard, builder, trie)
	require.NoError(t, err)

	// The reconstructed trie holds the same entries under the same root.
	extra, err := store.ChunkExtra(mustFinalHead(t, store).Hash, testShard)
	require.NoError(t, err)
	assert.Equal(t, extra.StateRoot, root)
	value, err := dest.TrieEntry(testShard, []byte("key00000007"))
	require.NoError(t, err)
	assert.DeepEqual(t, []byte("value7"), value)
}

func mustFinalHead(t *testing.T, store *kv.Store) kv.BlockInfo {
	final, err := store.FinalHead()
	require.NoError(t, err)
	return final
}

func TestMigrateValueInlining(t *testing.T) {
	store := setupStore(t)
	trie, _ := setupTrieAtFinalHead(t, store, 120)
	require.NoError(t, Init(store, testShard, trie, 2))

	require.NoError(t, MigrateValueInlining(store, testShard, trie, 4, 50))

	count := 0
	err := store.IterateFlatState(testShard, func(key []byte, value *kv.FlatStateValue) (bool, error) {
		if value.Ref != nil {
			t.Fatalf("key %s still stored as reference", key)
		}
		count++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 120, count)

	entry, err := store.FlatStateEntry(testShard, []byte("key00000011"))
	require.NoError(t, err)
	assert.DeepEqual(t, []byte("value11"), entry.Inline)
}

func TestView_TruncatesLongDeltaLists(t *testing.T) {
	store := setupStore(t)
	chainWithDeltas(t, store, 1, 13, func(h primitives.BlockHeight) []kv.FlatStateChange {
		return []kv.FlatStateChange{{Key: []byte{byte(h)}, Value: &kv.FlatStateValue{Inline: []byte("v")}}}
	})
	other := primitives.ShardUID{Version: 1, ShardID: 7}
	require.NoError(t, store.SaveFlatStorageStatus(other, kv.FlatStorageStatus{Kind: kv.FlatStorageCreating}))

	var out bytes.Buffer
	require.NoError(t, View(&out, store, nil))
	s := out.String()
	for _, want := range []string{
		"flat storage @1",
		"Deltas: 12",
		"... skipped 2 deltas ...",
		"no flat storage: Creating",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in view output:\n%s", want, s)
		}
	}

	// Filtering by shard id hides the other shard.
	out.Reset()
	id := primitives.ShardID(0)
	require.NoError(t, View(&out, store, &id))
	if strings.Contains(out.String(), "Creating") {
		t.Fatalf("filtered view leaked other shard: %s", out.String())
	}
}
