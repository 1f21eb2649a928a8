// Package shardlayout maps accounts to shards. A layout is immutable; a
// resharding produces a new layout with a bumped version, and ShardUID
// keeps the two key spaces distinct.
package shardlayout

import (
	"encoding/binary"

	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
)

// Layout is one shard layout: a fixed number of shards at a given version.
// Accounts are distributed by hash of the account id.
type Layout struct {
	Version   primitives.ShardVersion
	NumShards primitives.NumShards
}

// NewLayout builds a layout.
func NewLayout(version primitives.ShardVersion, numShards primitives.NumShards) *Layout {
	return &Layout{Version: version, NumShards: numShards}
}

// ShardIDs lists the layout's shard ids in order.
func (l *Layout) ShardIDs() []primitives.ShardID {
	ids := make([]primitives.ShardID, l.NumShards)
	for i := range ids {
		ids[i] = primitives.ShardID(i)
	}
	return ids
}

// ShardUIDs lists the layout's shard uids in shard-id order.
func (l *Layout) ShardUIDs() []primitives.ShardUID {
	uids := make([]primitives.ShardUID, l.NumShards)
	for i := range uids {
		uids[i] = primitives.ShardUID{Version: l.Version, ShardID: uint32(i)}
	}
	return uids
}

// AccountShard maps an account to its shard under this layout.
func (l *Layout) AccountShard(account primitives.AccountID) primitives.ShardID {
	h := hash.Hash([]byte(account))
	return primitives.ShardID(binary.LittleEndian.Uint64(h[:8]) % uint64(l.NumShards))
}

// ShardUIDFor returns the uid of a shard id under this layout.
func (l *Layout) ShardUIDFor(shard primitives.ShardID) primitives.ShardUID {
	return primitives.ShardUID{Version: l.Version, ShardID: uint32(shard)}
}

// Equal compares layouts by version and shard count.
func (l *Layout) Equal(other *Layout) bool {
	if l == nil || other == nil {
		return l == other
	}
	return l.Version == other.Version && l.NumShards == other.NumShards
}
