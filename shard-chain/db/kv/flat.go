package kv

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/encoding/bytesutil"
	bolt "go.etcd.io/bbolt"
)

// BlockInfo names a block by hash and height.
type BlockInfo struct {
	Hash   [32]byte
	Height primitives.BlockHeight
}

// FlatStorageStatusKind discriminates the per-shard flat storage status.
type FlatStorageStatusKind uint8

const (
	// FlatStorageEmpty - no flat storage exists for the shard.
	FlatStorageEmpty FlatStorageStatusKind = iota
	// FlatStorageCreating - background creation is in progress.
	FlatStorageCreating
	// FlatStorageReady - the mirror is usable; FlatHead is set.
	FlatStorageReady
	// FlatStorageResharding - the shard is being split.
	FlatStorageResharding
)

func (k FlatStorageStatusKind) String() string {
	switch k {
	case FlatStorageEmpty:
		return "Empty"
	case FlatStorageCreating:
		return "Creating"
	case FlatStorageReady:
		return "Ready"
	case FlatStorageResharding:
		return "Resharding"
	default:
		return "Unknown"
	}
}

// FlatStorageStatus is the tagged per-shard status. FlatHead is meaningful
// only for Ready; CreationProgress only for Creating.
type FlatStorageStatus struct {
	Kind             FlatStorageStatusKind
	FlatHead         BlockInfo
	CreationProgress uint64
}

// ValueRef points at a value by content hash without inlining it.
type ValueRef struct {
	Hash   [32]byte
	Length uint32
}

// FlatStateValue is a flat-state column entry: either the value inline or
// a reference into the trie's value storage.
type FlatStateValue struct {
	Inline []byte
	Ref    *ValueRef
}

// ToValueRef normalizes either representation to a reference.
func (v *FlatStateValue) ToValueRef() ValueRef {
	if v.Ref != nil {
		return *v.Ref
	}
	return ValueRef{Hash: hash.Hash(v.Inline), Length: uint32(len(v.Inline))}
}

// FlatStateChange is one key's change inside a delta; a nil Value deletes
// the key.
type FlatStateChange struct {
	Key   []byte
	Value *FlatStateValue
}

// FlatStateDeltaMetadata names the block a delta belongs to.
type FlatStateDeltaMetadata struct {
	Block         BlockInfo
	PrevBlockHash [32]byte
}

// FlatStateDelta is the state diff introduced by one block, forming an
// append-only log from the flat head forward.
type FlatStateDelta struct {
	Metadata FlatStateDeltaMetadata
	Changes  []FlatStateChange
}

// --- encodings ---

func marshalFlatStorageStatus(s FlatStorageStatus) []byte {
	out := []byte{byte(s.Kind)}
	switch s.Kind {
	case FlatStorageReady:
		out = append(out, s.FlatHead.Hash[:]...)
		out = append(out, bytesutil.Uint64ToBytesLittleEndian(uint64(s.FlatHead.Height))...)
	case FlatStorageCreating:
		out = append(out, bytesutil.Uint64ToBytesLittleEndian(s.CreationProgress)...)
	}
	return out
}

func unmarshalFlatStorageStatus(data []byte) (FlatStorageStatus, error) {
	if len(data) == 0 {
		return FlatStorageStatus{}, errors.New("empty flat storage status")
	}
	s := FlatStorageStatus{Kind: FlatStorageStatusKind(data[0])}
	rest := data[1:]
	switch s.Kind {
	case FlatStorageReady:
		if len(rest) != 40 {
			return s, errors.New("malformed ready status")
		}
		s.FlatHead.Hash = bytesutil.ToBytes32(rest[:32])
		s.FlatHead.Height = primitives.BlockHeight(binary.LittleEndian.Uint64(rest[32:]))
	case FlatStorageCreating:
		if len(rest) != 8 {
			return s, errors.New("malformed creating status")
		}
		s.CreationProgress = binary.LittleEndian.Uint64(rest)
	}
	return s, nil
}

const (
	valueTagRef    byte = 0
	valueTagInline byte = 1
)

func marshalFlatStateValue(v *FlatStateValue) []byte {
	if v.Ref != nil {
		out := make([]byte, 0, 37)
		out = append(out, valueTagRef)
		out = append(out, v.Ref.Hash[:]...)
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], v.Ref.Length)
		return append(out, l[:]...)
	}
	return append([]byte{valueTagInline}, v.Inline...)
}

func unmarshalFlatStateValue(data []byte) (*FlatStateValue, error) {
	if len(data) == 0 {
		return nil, errors.New("empty flat state value")
	}
	switch data[0] {
	case valueTagRef:
		if len(data) != 37 {
			return nil, errors.New("malformed value reference")
		}
		return &FlatStateValue{Ref: &ValueRef{
			Hash:   bytesutil.ToBytes32(data[1:33]),
			Length: binary.LittleEndian.Uint32(data[33:]),
		}}, nil
	case valueTagInline:
		return &FlatStateValue{Inline: bytesutil.SafeCopyBytes(data[1:])}, nil
	default:
		return nil, errors.Errorf("unknown flat state value tag %d", data[0])
	}
}

func marshalDeltaMetadata(m FlatStateDeltaMetadata) []byte {
	out := make([]byte, 0, 72)
	out = append(out, m.Block.Hash[:]...)
	out = append(out, bytesutil.Uint64ToBytesLittleEndian(uint64(m.Block.Height))...)
	return append(out, m.PrevBlockHash[:]...)
}

func unmarshalDeltaMetadata(data []byte) (FlatStateDeltaMetadata, error) {
	if len(data) != 72 {
		return FlatStateDeltaMetadata{}, errors.New("malformed delta metadata")
	}
	return FlatStateDeltaMetadata{
		Block: BlockInfo{
			Hash:   bytesutil.ToBytes32(data[:32]),
			Height: primitives.BlockHeight(binary.LittleEndian.Uint64(data[32:40])),
		},
		PrevBlockHash: bytesutil.ToBytes32(data[40:]),
	}, nil
}

func marshalDeltaChanges(changes []FlatStateChange) []byte {
	var out []byte
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(changes)))
	out = append(out, n[:]...)
	for _, c := range changes {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(c.Key)))
		out = append(out, l[:]...)
		out = append(out, c.Key...)
		if c.Value == nil {
			out = append(out, 0)
			continue
		}
		out = append(out, 1)
		enc := marshalFlatStateValue(c.Value)
		binary.LittleEndian.PutUint32(l[:], uint32(len(enc)))
		out = append(out, l[:]...)
		out = append(out, enc...)
	}
	return out
}

func unmarshalDeltaChanges(data []byte) ([]FlatStateChange, error) {
	if len(data) < 4 {
		return nil, errors.New("malformed delta changes")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	changes := make([]FlatStateChange, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(data) < 4 {
			return nil, errors.New("truncated delta change key length")
		}
		kl := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < kl+1 {
			return nil, errors.New("truncated delta change key")
		}
		key := bytesutil.SafeCopyBytes(data[:kl])
		data = data[kl:]
		present := data[0]
		data = data[1:]
		change := FlatStateChange{Key: key}
		if present == 1 {
			if len(data) < 4 {
				return nil, errors.New("truncated delta change value length")
			}
			vl := binary.LittleEndian.Uint32(data[:4])
			data = data[4:]
			if uint32(len(data)) < vl {
				return nil, errors.New("truncated delta change value")
			}
			value, err := unmarshalFlatStateValue(data[:vl])
			if err != nil {
				return nil, err
			}
			data = data[vl:]
			change.Value = value
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// --- accessors ---

// FlatStorageStatusForShard reads a shard's status; an absent row reads as
// Empty.
func (s *Store) FlatStorageStatusForShard(shard primitives.ShardUID) (FlatStorageStatus, error) {
	var status FlatStorageStatus
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(flatStorageStatusBucket).Get(shard.Bytes())
		if data == nil {
			status = FlatStorageStatus{Kind: FlatStorageEmpty}
			return nil
		}
		var err error
		status, err = unmarshalFlatStorageStatus(data)
		return err
	})
	return status, err
}

// SaveFlatStorageStatus persists a shard's status.
func (s *Store) SaveFlatStorageStatus(shard primitives.ShardUID, status FlatStorageStatus) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(flatStorageStatusBucket).Put(shard.Bytes(), marshalFlatStorageStatus(status))
	})
}

// AllFlatStorageStatuses enumerates every shard with a status row, in key
// order.
func (s *Store) AllFlatStorageStatuses() ([]primitives.ShardUID, []FlatStorageStatus, error) {
	var shards []primitives.ShardUID
	var statuses []FlatStorageStatus
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(flatStorageStatusBucket).ForEach(func(k, v []byte) error {
			shard, err := primitives.ShardUIDFromBytes(k)
			if err != nil {
				return err
			}
			status, err := unmarshalFlatStorageStatus(v)
			if err != nil {
				return err
			}
			shards = append(shards, shard)
			statuses = append(statuses, status)
			return nil
		})
	})
	return shards, statuses, err
}

// ApplyFlatStateChanges applies a batch of changes to a shard's flat state
// column in one transaction. Nil values delete.
func (s *Store) ApplyFlatStateChanges(shard primitives.ShardUID, changes []FlatStateChange) error {
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(flatStateBucket)
		for _, c := range changes {
			k := flatStateKey(shard, c.Key)
			if c.Value == nil {
				if err := bkt.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put(k, marshalFlatStateValue(c.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FlatStateEntry reads one key from a shard's flat state; nil when absent.
func (s *Store) FlatStateEntry(shard primitives.ShardUID, key []byte) (*FlatStateValue, error) {
	var value *FlatStateValue
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(flatStateBucket).Get(flatStateKey(shard, key))
		if data == nil {
			return nil
		}
		var err error
		value, err = unmarshalFlatStateValue(data)
		return err
	})
	return value, err
}

// IterateFlatState walks a shard's flat state in ascending key order. The
// callback returns true to stop early.
func (s *Store) IterateFlatState(shard primitives.ShardUID, fn func(key []byte, value *FlatStateValue) (bool, error)) error {
	prefix := shard.Bytes()
	return s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(flatStateBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			value, err := unmarshalFlatStateValue(v)
			if err != nil {
				return err
			}
			stop, err := fn(bytesutil.SafeCopyBytes(k[len(prefix):]), value)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		return nil
	})
}

// ResetFlatStorage removes every flat row of a shard (state, deltas) and
// sets its status to Empty, all in one atomic batch.
func (s *Store) ResetFlatStorage(shard primitives.ShardUID) error {
	prefix := shard.Bytes()
	return s.update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{flatStateBucket, flatStateChangesBucket, flatDeltaMetadataBucket} {
			c := tx.Bucket(bucket).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(flatStorageStatusBucket).Put(prefix, marshalFlatStorageStatus(FlatStorageStatus{Kind: FlatStorageEmpty}))
	})
}

// SaveFlatStateDelta persists one block's delta (changes plus metadata).
func (s *Store) SaveFlatStateDelta(shard primitives.ShardUID, delta *FlatStateDelta) error {
	key := deltaKey(shard, delta.Metadata.Block.Hash)
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(flatStateChangesBucket).Put(key, marshalDeltaChanges(delta.Changes)); err != nil {
			return err
		}
		return tx.Bucket(flatDeltaMetadataBucket).Put(key, marshalDeltaMetadata(delta.Metadata))
	})
}

// FlatStateDeltaMetadatas lists a shard's delta metadata ordered by
// (height, hash) ascending.
func (s *Store) FlatStateDeltaMetadatas(shard primitives.ShardUID) ([]FlatStateDeltaMetadata, error) {
	prefix := shard.Bytes()
	var out []FlatStateDeltaMetadata
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(flatDeltaMetadataBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			m, err := unmarshalDeltaMetadata(v)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block.Height != out[j].Block.Height {
			return out[i].Block.Height < out[j].Block.Height
		}
		return bytes.Compare(out[i].Block.Hash[:], out[j].Block.Hash[:]) < 0
	})
	return out, nil
}

// FlatStateDeltaChanges reads the changes of one delta, or ErrNotFound.
func (s *Store) FlatStateDeltaChanges(shard primitives.ShardUID, blockHash [32]byte) ([]FlatStateChange, error) {
	var changes []FlatStateChange
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(flatStateChangesBucket).Get(deltaKey(shard, blockHash))
		if data == nil {
			return ErrNotFound
		}
		var err error
		changes, err = unmarshalDeltaChanges(data)
		return err
	})
	return changes, err
}

// DeleteFlatStateDelta removes one delta's changes and metadata.
func (s *Store) DeleteFlatStateDelta(shard primitives.ShardUID, blockHash [32]byte) error {
	key := deltaKey(shard, blockHash)
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(flatStateChangesBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(flatDeltaMetadataBucket).Delete(key)
	})
}
