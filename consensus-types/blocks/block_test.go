package blocks

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/testing/assert"
	"github.com/shardlabs/tessera/testing/require"
)

type staticSigner struct{}

func (staticSigner) ValidatorID() primitives.AccountID     { return "producer" }
func (staticSigner) PublicKey() primitives.PublicKey       { return primitives.PublicKey{'p'} }
func (staticSigner) Sign(_ []byte) primitives.Signature    { return []byte("signed") }

func produceArgs(prev *Header, height primitives.BlockHeight, chunks []*ChunkHeader) *ProduceArgs {
	return &ProduceArgs{
		Prev:               prev,
		Height:             height,
		BlockOrdinal:       primitives.NumBlocks(height),
		Chunks:             chunks,
		GasPriceAdjRateNum: 1,
		GasPriceAdjRateDen: 100,
		MinGasPrice:        uint256.NewInt(10),
		MaxGasPrice:        uint256.NewInt(10_000),
		Timestamp:          time.Unix(10, 0),
	}
}

func TestProduce_TimestampMonotonic(t *testing.T) {
	prev := &Header{Height: 1, RawTimestamp: uint64(time.Unix(100, 0).UnixNano())}
	block := Produce(produceArgs(prev, 2, nil), staticSigner{})
	// The producer's clock lags the parent: the timestamp still advances.
	assert.Equal(t, prev.RawTimestamp+1, block.Header.RawTimestamp)

	late := produceArgs(prev, 2, nil)
	late.Timestamp = time.Unix(200, 0)
	block = Produce(late, staticSigner{})
	assert.Equal(t, uint64(time.Unix(200, 0).UnixNano()), block.Header.RawTimestamp)
}

func TestProduce_ChunkMaskMarksNewChunks(t *testing.T) {
	prev := &Header{Height: 4, NextGasPrice: uint256.NewInt(100)}
	fresh := &ChunkHeader{ShardID: 0, HeightCreated: 5, BalanceBurnt: uint256.NewInt(0)}
	fresh.SetHeightIncluded(5)
	carried := &ChunkHeader{ShardID: 1, HeightCreated: 2, BalanceBurnt: uint256.NewInt(0)}
	carried.SetHeightIncluded(2)

	block := Produce(produceArgs(prev, 5, []*ChunkHeader{fresh, carried}), staticSigner{})
	assert.DeepEqual(t, []bool{true, false}, block.Header.ChunkMask)
}

func TestNextGasPrice_Adjustments(t *testing.T) {
	min := uint256.NewInt(10)
	max := uint256.NewInt(10_000)

	// No new chunks: the price carries over.
	carried := nextGasPrice(uint256.NewInt(100), 0, 0, 1, 100, min, max)
	assert.Equal(t, uint64(100), carried.Uint64())

	// Full chunks push the price up, empty chunks pull it down.
	up := nextGasPrice(uint256.NewInt(1000), 100, 100, 1, 100, min, max)
	if !up.Gt(uint256.NewInt(1000)) {
		t.Fatalf("full chunks must raise the price, got %s", up)
	}
	down := nextGasPrice(uint256.NewInt(1000), 0, 100, 1, 100, min, max)
	if !down.Lt(uint256.NewInt(1000)) {
		t.Fatalf("empty chunks must lower the price, got %s", down)
	}

	// Half-full chunks leave the price unchanged.
	flat := nextGasPrice(uint256.NewInt(1000), 50, 100, 1, 100, min, max)
	assert.Equal(t, uint64(1000), flat.Uint64())

	// Clamping at the bounds.
	clampedLow := nextGasPrice(uint256.NewInt(11), 0, 1_000_000, 1, 2, min, max)
	assert.Equal(t, min.Uint64(), clampedLow.Uint64())
}

func TestHeaderHash_DependsOnFields(t *testing.T) {
	base := &Header{Height: 3, PrevHash: [32]byte{'p'}, NextGasPrice: uint256.NewInt(1)}
	other := &Header{Height: 4, PrevHash: [32]byte{'p'}, NextGasPrice: uint256.NewInt(1)}
	require.NotEqual(t, base.Hash(), other.Hash())
}

func TestChunkHeader_HashIgnoresInclusionStamp(t *testing.T) {
	header := &ChunkHeader{
		PrevBlockHash: [32]byte{'p'},
		ShardID:       1,
		HeightCreated: 9,
		BalanceBurnt:  uint256.NewInt(0),
	}
	before := header.ChunkHash()
	header.SetHeightIncluded(10)
	assert.Equal(t, before, header.ChunkHash())
	// Cloning preserves identity but separates the mutable stamp.
	clone := header.Clone()
	assert.Equal(t, before, clone.ChunkHash())
}
