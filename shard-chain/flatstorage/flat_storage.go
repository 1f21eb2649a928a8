package flatstorage

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/db/kv"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "flatstorage")

// ErrNotReady is returned for operations requiring a Ready shard.
var ErrNotReady = errors.New("flat storage is not ready for shard")

// ErrBlockNotSupported is returned when a read or head move references a
// block that is neither the flat head nor reachable through stored deltas.
var ErrBlockNotSupported = errors.New("block not supported by flat storage")

// FlatStorage is the live view of one shard's flat state: the flat head
// plus the delta log from the head forward. Reads at a block apply the
// delta chain (flat_head, block] over the snapshot.
type FlatStorage struct {
	store    *kv.Store
	shard    primitives.ShardUID
	flatHead kv.BlockInfo
	deltas   map[[32]byte]*kv.FlatStateDelta
}

// Manager tracks per-shard flat storages.
type Manager struct {
	store  *kv.Store
	shards map[primitives.ShardUID]*FlatStorage
}

// NewManager builds a manager over the store.
func NewManager(store *kv.Store) *Manager {
	return &Manager{store: store, shards: make(map[primitives.ShardUID]*FlatStorage)}
}

// CreateFlatStorageForShard loads a shard's Ready status and delta log
// into a live FlatStorage. Only Ready shards participate in reads.
func (m *Manager) CreateFlatStorageForShard(shard primitives.ShardUID) error {
	status, err := m.store.FlatStorageStatusForShard(shard)
	if err != nil {
		return err
	}
	if status.Kind != kv.FlatStorageReady {
		return errors.Wrapf(ErrNotReady, "status is %s", status.Kind)
	}
	fs := &FlatStorage{
		store:    m.store,
		shard:    shard,
		flatHead: status.FlatHead,
		deltas:   make(map[[32]byte]*kv.FlatStateDelta),
	}
	metadatas, err := m.store.FlatStateDeltaMetadatas(shard)
	if err != nil {
		return err
	}
	for _, md := range metadatas {
		changes, err := m.store.FlatStateDeltaChanges(shard, md.Block.Hash)
		if err != nil {
			return err
		}
		fs.deltas[md.Block.Hash] = &kv.FlatStateDelta{Metadata: md, Changes: changes}
	}
	m.shards[shard] = fs
	flatHeadHeightGauge.WithLabelValues(shard.String()).Set(float64(status.FlatHead.Height))
	return nil
}

// GetFlatStorageForShard returns the live flat storage for a shard, if
// created.
func (m *Manager) GetFlatStorageForShard(shard primitives.ShardUID) (*FlatStorage, bool) {
	fs, ok := m.shards[shard]
	return fs, ok
}

// RemoveFlatStorageForShard drops the live view and clears every stored
// row of the shard atomically.
func (m *Manager) RemoveFlatStorageForShard(shard primitives.ShardUID) error {
	delete(m.shards, shard)
	return m.store.ResetFlatStorage(shard)
}

// FlatHead returns the current flat head.
func (f *FlatStorage) FlatHead() kv.BlockInfo {
	return f.flatHead
}

// AddDelta appends one block's delta to the log.
func (f *FlatStorage) AddDelta(delta *kv.FlatStateDelta) error {
	if err := f.store.SaveFlatStateDelta(f.shard, delta); err != nil {
		return err
	}
	f.deltas[delta.Metadata.Block.Hash] = delta
	return nil
}

// deltaPath collects the deltas on the path (flat_head, blockHash],
// ordered from oldest to newest, by walking prev links back to the head.
func (f *FlatStorage) deltaPath(blockHash [32]byte) ([]*kv.FlatStateDelta, error) {
	var path []*kv.FlatStateDelta
	current := blockHash
	for current != f.flatHead.Hash {
		delta, ok := f.deltas[current]
		if !ok {
			return nil, errors.Wrapf(ErrBlockNotSupported, "block %x", current[:4])
		}
		path = append(path, delta)
		current = delta.Metadata.PrevBlockHash
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Get reads a key as of the given block: the delta chain from the flat
// head to the block is consulted newest-first, then the snapshot.
func (f *FlatStorage) Get(blockHash [32]byte, key []byte) (*kv.FlatStateValue, error) {
	path, err := f.deltaPath(blockHash)
	if err != nil {
		return nil, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		for _, c := range path[i].Changes {
			if bytes.Equal(c.Key, key) {
				return c.Value, nil
			}
		}
	}
	return f.store.FlatStateEntry(f.shard, key)
}

// UpdateFlatHead advances the flat head to the given block, applying every
// delta in (old_head, new_head] to the snapshot and truncating the log:
// after the move no delta at or below the new head remains. The head never
// moves past the chain's final head.
func (f *FlatStorage) UpdateFlatHead(newHead [32]byte) error {
	if newHead == f.flatHead.Hash {
		return nil
	}
	final, finalErr := f.store.FinalHead()
	if finalErr != nil && !errors.Is(finalErr, kv.ErrNotFound) {
		return finalErr
	}
	path, err := f.deltaPath(newHead)
	if err != nil {
		return err
	}
	if finalErr == nil && len(path) > 0 {
		target := path[len(path)-1].Metadata.Block
		if target.Height > final.Height {
			return errors.Errorf(
				"cannot move flat head to height %d past final head %d", target.Height, final.Height)
		}
	}
	for _, delta := range path {
		if err := f.store.ApplyFlatStateChanges(f.shard, delta.Changes); err != nil {
			return err
		}
		f.flatHead = delta.Metadata.Block
		if err := f.store.SaveFlatStorageStatus(f.shard, kv.FlatStorageStatus{
			Kind:     kv.FlatStorageReady,
			FlatHead: f.flatHead,
		}); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"shard":  f.shard,
			"height": f.flatHead.Height,
		}).Debug("Moved flat head")
	}
	// Deltas at or below the new head must not exist.
	for blockHash, delta := range f.deltas {
		if delta.Metadata.Block.Height <= f.flatHead.Height {
			if err := f.store.DeleteFlatStateDelta(f.shard, blockHash); err != nil {
				return err
			}
			delete(f.deltas, blockHash)
		}
	}
	flatHeadHeightGauge.WithLabelValues(f.shard.String()).Set(float64(f.flatHead.Height))
	return nil
}
