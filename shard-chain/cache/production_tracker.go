// Package cache holds the coordinator's bounded in-memory caches.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shardlabs/tessera/consensus-types/primitives"
)

// ProductionTimesCacheSize bounds the block and chunk production records.
const ProductionTimesCacheSize = 1000

// ChunkCollection records when one shard's chunk became available for a
// produced block.
type ChunkCollection struct {
	ShardID       primitives.ShardID
	Producer      primitives.AccountID
	ReceivedTime  time.Time
	ChunkIncluded bool
}

// BlockProduction is the per-height production record.
type BlockProduction struct {
	ProducedAt       time.Time
	ChunkCollections []ChunkCollection
}

// ChunkProduction records when and how long a chunk production took.
type ChunkProduction struct {
	Time           time.Time
	DurationMillis uint64
}

// BlockProductionTracker is the ring-buffered record of recent block and
// chunk production timing, used for debugging only. Recording is
// non-blocking and lossy past the cap.
type BlockProductionTracker struct {
	blocks *lru.Cache
	chunks *lru.Cache
}

// NewBlockProductionTracker builds a tracker with the default cap.
func NewBlockProductionTracker() *BlockProductionTracker {
	blocks, err := lru.New(ProductionTimesCacheSize)
	if err != nil {
		panic(err)
	}
	chunks, err := lru.New(ProductionTimesCacheSize)
	if err != nil {
		panic(err)
	}
	return &BlockProductionTracker{blocks: blocks, chunks: chunks}
}

// RecordBlockProduction stores the chunk collection info of a produced
// block.
func (t *BlockProductionTracker) RecordBlockProduction(height primitives.BlockHeight, producedAt time.Time, collections []ChunkCollection) {
	t.blocks.Add(height, &BlockProduction{ProducedAt: producedAt, ChunkCollections: collections})
}

// RecordChunkCollected marks a chunk as collected for a height, if the
// height is still tracked.
func (t *BlockProductionTracker) RecordChunkCollected(height primitives.BlockHeight, shard primitives.ShardID, at time.Time) {
	v, ok := t.blocks.Get(height)
	if !ok {
		return
	}
	record := v.(*BlockProduction)
	for i := range record.ChunkCollections {
		if record.ChunkCollections[i].ShardID == shard {
			record.ChunkCollections[i].ReceivedTime = at
			return
		}
	}
	record.ChunkCollections = append(record.ChunkCollections, ChunkCollection{
		ShardID:      shard,
		ReceivedTime: at,
	})
}

// RecordChunkProduction stores one chunk's production timing.
func (t *BlockProductionTracker) RecordChunkProduction(height primitives.BlockHeight, shard primitives.ShardID, p ChunkProduction) {
	t.chunks.Add(chunkKey{height: height, shard: shard}, p)
}

// BlockProduction returns the record for a height, if still cached.
func (t *BlockProductionTracker) BlockProduction(height primitives.BlockHeight) (*BlockProduction, bool) {
	v, ok := t.blocks.Get(height)
	if !ok {
		return nil, false
	}
	return v.(*BlockProduction), true
}

// ChunkProduction returns the record for (height, shard), if still cached.
func (t *BlockProductionTracker) ChunkProduction(height primitives.BlockHeight, shard primitives.ShardID) (ChunkProduction, bool) {
	v, ok := t.chunks.Get(chunkKey{height: height, shard: shard})
	if !ok {
		return ChunkProduction{}, false
	}
	return v.(ChunkProduction), true
}

type chunkKey struct {
	height primitives.BlockHeight
	shard  primitives.ShardID
}
