package kv

import (
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// Column layout. The flat-state column is keyed by ShardUID || state key;
// the flat-status column by ShardUID; delta columns by ShardUID || block
// hash. Headers are stored by hash with a height index alongside.
var (
	flatStateBucket         = []byte("flat-state")
	flatStorageStatusBucket = []byte("flat-storage-status")
	flatStateChangesBucket  = []byte("flat-state-changes")
	flatDeltaMetadataBucket = []byte("flat-state-delta-metadata")
	chunkExtraBucket        = []byte("chunk-extras")
	blockHeadersBucket      = []byte("block-headers")
	headerHeightIndexBucket = []byte("block-header-height-index")
	trieNodesBucket         = []byte("trie-nodes")
	chainMetaBucket         = []byte("chain-meta")
)

var finalHeadKey = []byte("final-head")

// flatStateKey prefixes a state key with its shard uid.
func flatStateKey(shard primitives.ShardUID, key []byte) []byte {
	return append(shard.Bytes(), key...)
}

// deltaKey addresses one delta by shard and block hash.
func deltaKey(shard primitives.ShardUID, blockHash [32]byte) []byte {
	return append(shard.Bytes(), blockHash[:]...)
}

// chunkExtraKey addresses the chunk extra at (block, shard).
func chunkExtraKey(blockHash [32]byte, shard primitives.ShardUID) []byte {
	return append(blockHash[:], shard.Bytes()...)
}

// heightIndexKey is big endian so that bolt's key order follows height
// order.
func heightIndexKey(height primitives.BlockHeight) []byte {
	return bytesutil.Uint64ToBytesBigEndian(uint64(height))
}
