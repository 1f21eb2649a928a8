package kv

import (
	"bytes"

	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/encoding/bytesutil"
	bolt "go.etcd.io/bbolt"
)

// The trie columns used by offline tooling: a key column mapping state
// keys to values and a content-addressed value column mapping value hashes
// to values.

var trieValuesBucket = []byte("trie-values")

// SaveTrieEntries writes state-key entries into the trie key column in one
// transaction.
func (s *Store) SaveTrieEntries(shard primitives.ShardUID, entries map[string][]byte) error {
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(trieNodesBucket)
		for k, v := range entries {
			if err := bkt.Put(flatStateKey(shard, []byte(k)), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// TrieEntry reads one trie key-column entry; nil when absent.
func (s *Store) TrieEntry(shard primitives.ShardUID, key []byte) ([]byte, error) {
	var value []byte
	err := s.view(func(tx *bolt.Tx) error {
		value = bytesutil.SafeCopyBytes(tx.Bucket(trieNodesBucket).Get(flatStateKey(shard, key)))
		return nil
	})
	return value, err
}

// IterateTrieEntries walks the trie key column of a shard in ascending key
// order.
func (s *Store) IterateTrieEntries(shard primitives.ShardUID, fn func(key, value []byte) error) error {
	prefix := shard.Bytes()
	return s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(trieNodesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(bytesutil.SafeCopyBytes(k[len(prefix):]), bytesutil.SafeCopyBytes(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveTrieValues writes content-addressed values in one transaction.
func (s *Store) SaveTrieValues(shard primitives.ShardUID, values map[[32]byte][]byte) error {
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(trieValuesBucket)
		for h, v := range values {
			if err := bkt.Put(flatStateKey(shard, h[:]), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// TrieValueByHash resolves a content-addressed value, or ErrNotFound.
func (s *Store) TrieValueByHash(shard primitives.ShardUID, valueHash [32]byte) ([]byte, error) {
	var value []byte
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(trieValuesBucket).Get(flatStateKey(shard, valueHash[:]))
		if data == nil {
			return ErrNotFound
		}
		value = bytesutil.SafeCopyBytes(data)
		return nil
	})
	return value, err
}
