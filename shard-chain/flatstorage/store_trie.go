package flatstorage

import (
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/shard-chain/db/kv"
)

// StoreTrie is the store-backed trie used by the offline tools: a sorted
// key column plus a content-addressed value column, committed to a root
// that is the hash over the sorted (key, value hash) sequence. It
// implements TrieProvider, TrieBuilder and TrieValueReader.
type StoreTrie struct {
	store   *kv.Store
	shard   primitives.ShardUID
	pending map[string][]byte
}

// NewStoreTrie opens a store trie for one shard.
func NewStoreTrie(store *kv.Store, shard primitives.ShardUID) *StoreTrie {
	return &StoreTrie{store: store, shard: shard, pending: make(map[string][]byte)}
}

// Put buffers one entry for the next Commit.
func (t *StoreTrie) Put(key, value []byte) error {
	t.pending[string(key)] = append([]byte(nil), value...)
	return nil
}

// Commit persists the buffered entries and returns the resulting root.
func (t *StoreTrie) Commit() ([32]byte, error) {
	values := make(map[[32]byte][]byte, len(t.pending))
	for _, v := range t.pending {
		values[hash.Hash(v)] = v
	}
	if err := t.store.SaveTrieEntries(t.shard, t.pending); err != nil {
		return [32]byte{}, err
	}
	if err := t.store.SaveTrieValues(t.shard, values); err != nil {
		return [32]byte{}, err
	}
	t.pending = make(map[string][]byte)
	return t.root()
}

// root hashes the sorted (key, value hash) sequence of the key column.
func (t *StoreTrie) root() ([32]byte, error) {
	var buf []byte
	err := t.store.IterateTrieEntries(t.shard, func(key, value []byte) error {
		buf = append(buf, key...)
		vh := hash.Hash(value)
		buf = append(buf, vh[:]...)
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return hash.Hash(buf), nil
}

// ViewTrie opens a read view, verifying the stored entries commit to the
// requested state root.
func (t *StoreTrie) ViewTrie(shard primitives.ShardUID, _ [32]byte, stateRoot [32]byte) (TrieView, error) {
	if shard != t.shard {
		return nil, errors.Errorf("store trie is bound to shard %s, requested %s", t.shard, shard)
	}
	root, err := t.root()
	if err != nil {
		return nil, err
	}
	if root != stateRoot {
		return nil, errors.Errorf("stored trie root %x does not match requested state root %x", root, stateRoot)
	}
	return &storeTrieView{store: t.store, shard: t.shard}, nil
}

// GetValue resolves a value reference against the value column.
func (t *StoreTrie) GetValue(shard primitives.ShardUID, ref kv.ValueRef) ([]byte, error) {
	value, err := t.store.TrieValueByHash(shard, ref.Hash)
	if err != nil {
		return nil, err
	}
	if uint32(len(value)) != ref.Length {
		return nil, errors.Errorf("value length %d does not match reference length %d", len(value), ref.Length)
	}
	return value, nil
}

type storeTrieView struct {
	store *kv.Store
	shard primitives.ShardUID
}

// Iterator snapshots the key column into memory; the offline tools operate
// on bounded maintenance datasets.
func (v *storeTrieView) Iterator() TrieIterator {
	it := &storeTrieIterator{pos: -1}
	it.err = v.store.IterateTrieEntries(v.shard, func(key, value []byte) error {
		it.keys = append(it.keys, key)
		it.values = append(it.values, value)
		return nil
	})
	return it
}

type storeTrieIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
	err    error
}

func (i *storeTrieIterator) Next() bool {
	if i.err != nil || i.pos+1 >= len(i.keys) {
		return false
	}
	i.pos++
	return true
}

func (i *storeTrieIterator) Key() []byte   { return i.keys[i.pos] }
func (i *storeTrieIterator) Value() []byte { return i.values[i.pos] }
func (i *storeTrieIterator) Err() error    { return i.err }
