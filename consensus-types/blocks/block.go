package blocks

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
)

// Challenge is a signed accusation of protocol misbehaviour, accumulated by
// the coordinator and carried in blocks.
type Challenge struct {
	Hash      [32]byte
	AccountID primitives.AccountID
	Signature primitives.Signature
	Body      []byte
}

// ProduceChallenge signs a challenge body.
func ProduceChallenge(body []byte, signer Signer) *Challenge {
	return &Challenge{
		Hash:      hash.Hash(body),
		AccountID: signer.ValidatorID(),
		Signature: signer.Sign(body),
		Body:      body,
	}
}

// Block is a full block: the header plus one chunk header per shard (new or
// carried over) and any included challenges.
type Block struct {
	Header     *Header
	Chunks     []*ChunkHeader
	Challenges []*Challenge
}

// Hash is the block's identity, which is its header hash.
func (b *Block) Hash() [32]byte {
	return b.Header.Hash()
}

// ProduceArgs carries the inputs of block production. Everything here was
// resolved by the coordinator before calling Produce; this constructor only
// assembles, prices, stamps and signs.
type ProduceArgs struct {
	ThisEpochProtocolVersion primitives.ProtocolVersion
	NextEpochProtocolVersion primitives.ProtocolVersion
	Prev                     *Header
	Height                   primitives.BlockHeight
	BlockOrdinal             primitives.NumBlocks
	Chunks                   []*ChunkHeader
	EpochID                  primitives.EpochID
	NextEpochID              primitives.EpochID
	EpochSyncDataHash        *[32]byte
	Approvals                []primitives.Signature
	GasPriceAdjRateNum       uint64
	GasPriceAdjRateDen       uint64
	MinGasPrice              *uint256.Int
	MaxGasPrice              *uint256.Int
	MintedAmount             *uint256.Int
	Challenges               []*Challenge
	NextBPHash               [32]byte
	BlockMerkleRoot          [32]byte
	Timestamp                time.Time
}

// Produce assembles and signs a block on top of args.Prev.
func Produce(args *ProduceArgs, signer Signer) *Block {
	mask := make([]bool, len(args.Chunks))
	var gasUsed, gasLimit uint64
	for i, c := range args.Chunks {
		if c.IsNewChunk(args.Height) {
			mask[i] = true
			gasUsed += uint64(c.GasUsed)
			gasLimit += uint64(c.GasLimit)
		}
	}
	ts := uint64(args.Timestamp.UnixNano())
	if args.Prev != nil && ts <= args.Prev.RawTimestamp {
		// Timestamps must strictly increase along the chain even when the
		// producer's wall clock lags.
		ts = args.Prev.RawTimestamp + 1
	}
	header := &Header{
		Height:          args.Height,
		PrevHash:        args.Prev.Hash(),
		EpochID:         args.EpochID,
		NextEpochID:     args.NextEpochID,
		LastFinalBlock:  args.Prev.LastFinalBlock,
		Approvals:       args.Approvals,
		RawTimestamp:    ts,
		NextBPHash:      args.NextBPHash,
		BlockMerkleRoot: args.BlockMerkleRoot,
		BlockOrdinal:    args.BlockOrdinal,
		NextGasPrice: nextGasPrice(
			args.Prev.NextGasPrice,
			gasUsed, gasLimit,
			args.GasPriceAdjRateNum, args.GasPriceAdjRateDen,
			args.MinGasPrice, args.MaxGasPrice,
		),
		MintedAmount:          args.MintedAmount,
		EpochSyncDataHash:     args.EpochSyncDataHash,
		LatestProtocolVersion: args.ThisEpochProtocolVersion,
		ChunkMask:             mask,
	}
	header.Signature = signer.Sign(header.DataForSig())
	return &Block{Header: header, Chunks: args.Chunks, Challenges: args.Challenges}
}

// nextGasPrice adjusts the gas price by rate * (2*used - limit) / limit,
// clamped to the configured bounds. A zero limit (no new chunks) carries
// the previous price forward unchanged.
func nextGasPrice(prev *uint256.Int, gasUsed, gasLimit, rateNum, rateDen uint64, min, max *uint256.Int) *uint256.Int {
	if prev == nil {
		prev = new(uint256.Int).Set(min)
	}
	price := new(uint256.Int).Set(prev)
	if gasLimit == 0 || rateDen == 0 {
		return price
	}
	den := new(uint256.Int).Mul(uint256.NewInt(rateDen), uint256.NewInt(gasLimit))
	if 2*gasUsed >= gasLimit {
		num := new(uint256.Int).Mul(price, uint256.NewInt(rateNum))
		num.Mul(num, uint256.NewInt(2*gasUsed-gasLimit))
		price.Add(price, num.Div(num, den))
	} else {
		num := new(uint256.Int).Mul(price, uint256.NewInt(rateNum))
		num.Mul(num, uint256.NewInt(gasLimit-2*gasUsed))
		price.Sub(price, num.Div(num, den))
	}
	if min != nil && price.Lt(min) {
		price.Set(min)
	}
	if max != nil && price.Gt(max) {
		price.Set(max)
	}
	return price
}
