// Package flatstorage maintains the per-shard flat key/value mirror of the
// authoritative trie state: verification against the trie, head movement
// along the delta log, initialization from the trie, offline trie
// reconstruction and value-inlining migration.
package flatstorage

import (
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/shard-chain/db/kv"
)

// TrieIterator walks trie entries in ascending key order.
type TrieIterator interface {
	// Next advances the iterator, returning false when exhausted.
	Next() bool
	// Key is the current entry's key. Valid until the next call to Next.
	Key() []byte
	// Value is the current entry's value. Valid until the next call to Next.
	Value() []byte
	// Err reports an iteration failure, checked after Next returns false.
	Err() error
}

// TrieView is a read view of the trie at one state root.
type TrieView interface {
	Iterator() TrieIterator
}

// TrieProvider opens trie views. The trie itself is an external
// collaborator; flat storage only ever iterates it.
type TrieProvider interface {
	ViewTrie(shard primitives.ShardUID, blockHash [32]byte, stateRoot [32]byte) (TrieView, error)
}

// TrieBuilder accepts entries in any order and commits them into a trie,
// returning its state root. Used by offline reconstruction.
type TrieBuilder interface {
	Put(key, value []byte) error
	Commit() ([32]byte, error)
}

// TrieValueReader resolves a value reference against the trie's value
// column. Needed wherever a flat entry stored as a reference must be
// materialized.
type TrieValueReader interface {
	GetValue(shard primitives.ShardUID, ref kv.ValueRef) ([]byte, error)
}
