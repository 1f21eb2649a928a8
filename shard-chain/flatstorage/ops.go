package flatstorage

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/shard-chain/db/kv"
	"golang.org/x/sync/errgroup"
)

// initBatchSize bounds how many trie entries one creation batch writes.
const initBatchSize = 10_000

// View prints the flat storage state of every shard (or the one matching
// shardFilter when non-nil): the flat head for Ready shards plus the first
// five and last five delta metadata entries, or all of them if ten or
// fewer.
func View(w io.Writer, store *kv.Store, shardFilter *primitives.ShardID) error {
	shards, statuses, err := store.AllFlatStorageStatuses()
	if err != nil {
		return err
	}
	for i, shard := range shards {
		if shardFilter != nil && primitives.ShardID(shard.ShardID) != *shardFilter {
			continue
		}
		status := statuses[i]
		if status.Kind != kv.FlatStorageReady {
			fmt.Fprintf(w, "Shard: %s - no flat storage: %s\n", shard, status.Kind)
			continue
		}
		fmt.Fprintf(w, "Shard: %s - flat storage @%d (%x)\n",
			shard, status.FlatHead.Height, status.FlatHead.Hash)
		if err := printDeltas(w, store, shard); err != nil {
			return err
		}
	}
	return nil
}

func printDelta(w io.Writer, shard primitives.ShardUID, md kv.FlatStateDeltaMetadata, store *kv.Store) error {
	changes, err := store.FlatStateDeltaChanges(shard, md.Block.Hash)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  delta @%d (%x) prev %x: %d changes\n",
		md.Block.Height, md.Block.Hash[:4], md.PrevBlockHash[:4], len(changes))
	return nil
}

func printDeltas(w io.Writer, store *kv.Store, shard primitives.ShardUID) error {
	metadatas, err := store.FlatStateDeltaMetadatas(shard)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Deltas: %d\n", len(metadatas))
	if len(metadatas) <= 10 {
		for _, md := range metadatas {
			if err := printDelta(w, shard, md, store); err != nil {
				return err
			}
		}
		return nil
	}
	for _, md := range metadatas[:5] {
		if err := printDelta(w, shard, md, store); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "  ... skipped %d deltas ...\n", len(metadatas)-10)
	for _, md := range metadatas[len(metadatas)-5:] {
		if err := printDelta(w, shard, md, store); err != nil {
			return err
		}
	}
	return nil
}

// Init populates a shard's flat state from the trie at the chain's final
// head. Entries are written as value references in parallel batches by a
// pool of numThreads workers; the shard's status tracks progress and
// flips to Ready with the final head as flat head once complete.
func Init(store *kv.Store, shard primitives.ShardUID, trieProvider TrieProvider, numThreads int) error {
	final, err := store.FinalHead()
	if err != nil {
		return errors.Wrap(err, "final head is required to init flat storage")
	}
	extra, err := store.ChunkExtra(final.Hash, shard)
	if err != nil {
		return errors.Wrap(err, "chunk extra at final head is required to init flat storage")
	}
	view, err := trieProvider.ViewTrie(shard, final.Hash, extra.StateRoot)
	if err != nil {
		return err
	}
	if err := store.SaveFlatStorageStatus(shard, kv.FlatStorageStatus{Kind: kv.FlatStorageCreating}); err != nil {
		return err
	}

	batches := make(chan []kv.FlatStateChange, numThreads)
	var fetched atomic.Uint64
	var g errgroup.Group
	for i := 0; i < numThreads; i++ {
		g.Go(func() error {
			for batch := range batches {
				if err := store.ApplyFlatStateChanges(shard, batch); err != nil {
					return err
				}
				n := fetched.Add(uint64(len(batch)))
				flatStorageCreationFetchedEntries.WithLabelValues(shard.String()).Add(float64(len(batch)))
				if err := store.SaveFlatStorageStatus(shard, kv.FlatStorageStatus{
					Kind:             kv.FlatStorageCreating,
					CreationProgress: n,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	}

	iter := view.Iterator()
	batch := make([]kv.FlatStateChange, 0, initBatchSize)
	for iter.Next() {
		value := &kv.FlatStateValue{Ref: &kv.ValueRef{
			Hash:   hash.Hash(iter.Value()),
			Length: uint32(len(iter.Value())),
		}}
		key := append([]byte(nil), iter.Key()...)
		batch = append(batch, kv.FlatStateChange{Key: key, Value: value})
		if len(batch) == initBatchSize {
			batches <- batch
			batch = make([]kv.FlatStateChange, 0, initBatchSize)
		}
	}
	if len(batch) > 0 {
		batches <- batch
	}
	close(batches)
	if err := g.Wait(); err != nil {
		return err
	}
	if err := iter.Err(); err != nil {
		return err
	}
	log.WithField("entries", fetched.Load()).Info("Flat storage initialization finished")
	return store.SaveFlatStorageStatus(shard, kv.FlatStorageStatus{
		Kind:     kv.FlatStorageReady,
		FlatHead: final,
	})
}

type flatEntry struct {
	key   []byte
	value *kv.FlatStateValue
}

// Verify zip-iterates the trie at the flat head's post-application state
// root and the shard's flat state in key order, checking key equality,
// value length and value hash for every pair. The first mismatch aborts
// with a diagnostic; on success the verified node count is reported.
func Verify(w io.Writer, store *kv.Store, shard primitives.ShardUID, trieProvider TrieProvider) error {
	status, err := store.FlatStorageStatusForShard(shard)
	if err != nil {
		return err
	}
	if status.Kind != kv.FlatStorageReady {
		return errors.Wrapf(ErrNotReady, "status is %s", status.Kind)
	}
	header, err := store.BlockHeader(status.FlatHead.Hash)
	if err != nil {
		return errors.Wrap(err, "cannot load flat head header")
	}
	fmt.Fprintf(w, "Verifying flat storage for shard %s - flat head @%d (%x)\n",
		shard, header.Height, status.FlatHead.Hash)
	extra, err := store.ChunkExtra(status.FlatHead.Hash, shard)
	if err != nil {
		return errors.Wrap(err, "cannot load chunk extra at flat head")
	}
	// The state root must be from after applying the flat head block,
	// which is why it comes from the chunk extra.
	fmt.Fprintf(w, "Verifying using %x as state root\n", extra.StateRoot)

	view, err := trieProvider.ViewTrie(shard, status.FlatHead.Hash, extra.StateRoot)
	if err != nil {
		return err
	}

	flatEntries := make(chan flatEntry)
	iterErr := make(chan error, 1)
	go func() {
		defer close(flatEntries)
		iterErr <- store.IterateFlatState(shard, func(key []byte, value *kv.FlatStateValue) (bool, error) {
			flatEntries <- flatEntry{key: key, value: value}
			return false, nil
		})
	}()
	// Drain the channel on every early return so the iterating goroutine
	// is never left blocked.
	defer func() {
		for range flatEntries {
		}
	}()

	trieIter := view.Iterator()
	verified := 0
	for trieIter.Next() {
		flat, ok := <-flatEntries
		if !ok {
			fmt.Fprintf(w, "FAILED - flat storage is missing key %x present in trie\n", trieIter.Key())
			return errors.New("verification failed")
		}
		verified++
		ref := flat.value.ToValueRef()
		if !bytes.Equal(trieIter.Key(), flat.key) {
			fmt.Fprintf(w, "Different keys %x in trie, %x in flat storage\n", trieIter.Key(), flat.key)
			return errors.New("verification failed")
		}
		if uint32(len(trieIter.Value())) != ref.Length {
			fmt.Fprintf(w, "Different value lengths for key %x: %d in trie vs %d in flat storage\n",
				flat.key, len(trieIter.Value()), ref.Length)
			return errors.New("verification failed")
		}
		if hash.Hash(trieIter.Value()) != ref.Hash {
			fmt.Fprintf(w, "Different value hashes for key %x: %x in trie vs %x in flat storage\n",
				flat.key, hash.Hash(trieIter.Value()), ref.Hash)
			return errors.New("verification failed")
		}
	}
	if err := trieIter.Err(); err != nil {
		return err
	}
	if extraFlat, ok := <-flatEntries; ok {
		fmt.Fprintf(w, "FAILED - trie is missing key %x present in flat storage\n", extraFlat.key)
		return errors.New("verification failed")
	}
	if err := <-iterErr; err != nil {
		return err
	}
	fmt.Fprintf(w, "Success - verified %d nodes\n", verified)
	return nil
}

// MoveFlatHead advances a shard's flat head to the canonical block at the
// given height.
func MoveFlatHead(store *kv.Store, manager *Manager, shard primitives.ShardUID, height primitives.BlockHeight) error {
	if err := manager.CreateFlatStorageForShard(shard); err != nil {
		return err
	}
	fs, _ := manager.GetFlatStorageForShard(shard)
	header, err := store.BlockHeaderByHeight(height)
	if err != nil {
		return errors.Wrapf(err, "no canonical header at height %d", height)
	}
	return fs.UpdateFlatHead(header.Hash())
}

// ConstructTrieFromFlat reads every (key, value) of the shard's flat
// column from the source store and emits the equivalent trie into the
// destination builder. Flat entries stored as references are resolved
// through the value reader.
func ConstructTrieFromFlat(src *kv.Store, shard primitives.ShardUID, builder TrieBuilder, values TrieValueReader) ([32]byte, error) {
	err := src.IterateFlatState(shard, func(key []byte, value *kv.FlatStateValue) (bool, error) {
		raw := value.Inline
		if value.Ref != nil {
			var err error
			raw, err = values.GetValue(shard, *value.Ref)
			if err != nil {
				return false, errors.Wrapf(err, "cannot resolve value reference for key %x", key)
			}
		}
		return false, builder.Put(key, raw)
	})
	if err != nil {
		return [32]byte{}, err
	}
	return builder.Commit()
}

// MigrateValueInlining rewrites flat entries stored as references into
// inline form, reading the referenced values through the value reader in
// parallel batches.
func MigrateValueInlining(store *kv.Store, shard primitives.ShardUID, values TrieValueReader, numThreads, batchSize int) error {
	var refs []flatEntry
	err := store.IterateFlatState(shard, func(key []byte, value *kv.FlatStateValue) (bool, error) {
		if value.Ref != nil {
			refs = append(refs, flatEntry{key: key, value: value})
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(numThreads)
	for start := 0; start < len(refs); start += batchSize {
		end := start + batchSize
		if end > len(refs) {
			end = len(refs)
		}
		batch := refs[start:end]
		g.Go(func() error {
			changes := make([]kv.FlatStateChange, 0, len(batch))
			for _, e := range batch {
				raw, err := values.GetValue(shard, *e.value.Ref)
				if err != nil {
					return err
				}
				changes = append(changes, kv.FlatStateChange{
					Key:   e.key,
					Value: &kv.FlatStateValue{Inline: raw},
				})
			}
			if err := store.ApplyFlatStateChanges(shard, changes); err != nil {
				return err
			}
			inlinedValuesCount.Add(float64(len(changes)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.WithField("inlined", len(refs)).Info("Flat state value inlining finished")
	return nil
}
