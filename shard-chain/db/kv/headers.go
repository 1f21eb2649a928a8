package kv

import (
	"encoding/binary"

	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/encoding/bytesutil"
	bolt "go.etcd.io/bbolt"
)

// SaveBlockHeader persists a header by hash and indexes its height. The
// height index tracks the canonical chain: a later save at the same height
// overwrites the index entry.
func (s *Store) SaveBlockHeader(h *blocks.Header) error {
	hash := h.Hash()
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blockHeadersBucket).Put(hash[:], marshalHeader(h)); err != nil {
			return err
		}
		return tx.Bucket(headerHeightIndexBucket).Put(heightIndexKey(h.Height), hash[:])
	})
}

// BlockHeader reads a header by hash, or ErrNotFound.
func (s *Store) BlockHeader(hash [32]byte) (*blocks.Header, error) {
	var header *blocks.Header
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(blockHeadersBucket).Get(hash[:])
		if data == nil {
			return ErrNotFound
		}
		var err error
		header, err = unmarshalHeader(data)
		return err
	})
	return header, err
}

// BlockHeaderByHeight reads the canonical header at a height.
func (s *Store) BlockHeaderByHeight(height primitives.BlockHeight) (*blocks.Header, error) {
	var header *blocks.Header
	err := s.view(func(tx *bolt.Tx) error {
		hash := tx.Bucket(headerHeightIndexBucket).Get(heightIndexKey(height))
		if hash == nil {
			return ErrNotFound
		}
		data := tx.Bucket(blockHeadersBucket).Get(hash)
		if data == nil {
			return ErrNotFound
		}
		var err error
		header, err = unmarshalHeader(data)
		return err
	})
	return header, err
}

// SaveChunkExtra persists the chunk extra at (block, shard).
func (s *Store) SaveChunkExtra(blockHash [32]byte, shard primitives.ShardUID, extra *blocks.ChunkExtra) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunkExtraBucket).Put(chunkExtraKey(blockHash, shard), marshalChunkExtra(extra))
	})
}

// ChunkExtra reads the chunk extra at (block, shard), or ErrNotFound.
func (s *Store) ChunkExtra(blockHash [32]byte, shard primitives.ShardUID) (*blocks.ChunkExtra, error) {
	var extra *blocks.ChunkExtra
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(chunkExtraBucket).Get(chunkExtraKey(blockHash, shard))
		if data == nil {
			return ErrNotFound
		}
		var err error
		extra, err = unmarshalChunkExtra(data)
		return err
	})
	return extra, err
}

// SaveFinalHead records the chain's final head.
func (s *Store) SaveFinalHead(info BlockInfo) error {
	return s.update(func(tx *bolt.Tx) error {
		buf := append([]byte(nil), info.Hash[:]...)
		buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(uint64(info.Height))...)
		return tx.Bucket(chainMetaBucket).Put(finalHeadKey, buf)
	})
}

// FinalHead reads the chain's final head, or ErrNotFound.
func (s *Store) FinalHead() (BlockInfo, error) {
	var info BlockInfo
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(chainMetaBucket).Get(finalHeadKey)
		if data == nil || len(data) != 40 {
			return ErrNotFound
		}
		info.Hash = bytesutil.ToBytes32(data[:32])
		info.Height = primitives.BlockHeight(binary.LittleEndian.Uint64(data[32:]))
		return nil
	})
	return info, err
}
