package kv

import (
	"encoding/binary"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/validator"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// The codecs below are the storage encodings of headers and chunk extras.
// They are length-prefixed field sequences; optional fields carry a one
// byte presence flag.

type reader struct {
	data []byte
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = errors.New("truncated record")
		return nil
	}
	out := r.data[:n]
	r.data = r.data[n:]
	return out
}

func (r *reader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) hash32() [32]byte {
	return bytesutil.ToBytes32(r.bytes(32))
}

func (r *reader) blob() []byte {
	n := r.u32()
	return bytesutil.SafeCopyBytes(r.bytes(int(n)))
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendBlob(buf, blob []byte) []byte {
	buf = appendU32(buf, uint32(len(blob)))
	return append(buf, blob...)
}

func appendOptionalU256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func (r *reader) optionalU256() *uint256.Int {
	if r.u8() == 0 {
		return nil
	}
	h := r.hash32()
	return new(uint256.Int).SetBytes(h[:])
}

func marshalHeader(h *blocks.Header) []byte {
	var buf []byte
	buf = appendU64(buf, uint64(h.Height))
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.EpochID[:]...)
	buf = append(buf, h.NextEpochID[:]...)
	buf = append(buf, h.LastFinalBlock[:]...)
	buf = appendU32(buf, uint32(len(h.Approvals)))
	for _, a := range h.Approvals {
		if a == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = appendBlob(buf, a)
	}
	buf = appendU64(buf, h.RawTimestamp)
	buf = append(buf, h.NextBPHash[:]...)
	buf = append(buf, h.BlockMerkleRoot[:]...)
	buf = appendU64(buf, uint64(h.BlockOrdinal))
	buf = appendOptionalU256(buf, h.NextGasPrice)
	buf = appendOptionalU256(buf, h.MintedAmount)
	if h.EpochSyncDataHash == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		esd := *h.EpochSyncDataHash
		buf = append(buf, esd[:]...)
	}
	buf = appendU64(buf, uint64(h.LatestProtocolVersion))
	buf = appendU32(buf, uint32(len(h.ChunkMask)))
	for _, m := range h.ChunkMask {
		if m {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return appendBlob(buf, h.Signature)
}

func unmarshalHeader(data []byte) (*blocks.Header, error) {
	r := &reader{data: data}
	h := &blocks.Header{}
	h.Height = primitives.BlockHeight(r.u64())
	h.PrevHash = r.hash32()
	h.EpochID = primitives.EpochID(r.hash32())
	h.NextEpochID = primitives.EpochID(r.hash32())
	h.LastFinalBlock = r.hash32()
	nApprovals := r.u32()
	for i := uint32(0); i < nApprovals && r.err == nil; i++ {
		if r.u8() == 0 {
			h.Approvals = append(h.Approvals, nil)
			continue
		}
		h.Approvals = append(h.Approvals, r.blob())
	}
	h.RawTimestamp = r.u64()
	h.NextBPHash = r.hash32()
	h.BlockMerkleRoot = r.hash32()
	h.BlockOrdinal = primitives.NumBlocks(r.u64())
	h.NextGasPrice = r.optionalU256()
	h.MintedAmount = r.optionalU256()
	if r.u8() == 1 {
		esd := r.hash32()
		h.EpochSyncDataHash = &esd
	}
	h.LatestProtocolVersion = primitives.ProtocolVersion(r.u64())
	nMask := r.u32()
	for i := uint32(0); i < nMask && r.err == nil; i++ {
		h.ChunkMask = append(h.ChunkMask, r.u8() == 1)
	}
	h.Signature = r.blob()
	if r.err != nil {
		return nil, errors.Wrap(r.err, "could not unmarshal block header")
	}
	return h, nil
}

func marshalChunkExtra(e *blocks.ChunkExtra) []byte {
	var buf []byte
	buf = append(buf, e.StateRoot[:]...)
	buf = append(buf, e.OutcomeRoot[:]...)
	buf = appendU64(buf, uint64(e.GasUsed))
	buf = appendU64(buf, uint64(e.GasLimit))
	buf = appendOptionalU256(buf, e.BalanceBurnt)
	buf = appendU32(buf, uint32(len(e.ValidatorProposals)))
	for _, p := range e.ValidatorProposals {
		buf = appendBlob(buf, []byte(p.AccountID))
		buf = append(buf, p.PublicKey[:]...)
		s := p.Stake.Bytes32()
		buf = append(buf, s[:]...)
	}
	return buf
}

func unmarshalChunkExtra(data []byte) (*blocks.ChunkExtra, error) {
	r := &reader{data: data}
	e := &blocks.ChunkExtra{}
	e.StateRoot = r.hash32()
	e.OutcomeRoot = r.hash32()
	e.GasUsed = primitives.Gas(r.u64())
	e.GasLimit = primitives.Gas(r.u64())
	e.BalanceBurnt = r.optionalU256()
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		account := primitives.AccountID(r.blob())
		key := primitives.PublicKey(r.hash32())
		stakeBytes := r.hash32()
		e.ValidatorProposals = append(e.ValidatorProposals, &validator.Stake{
			AccountID: account,
			PublicKey: key,
			Stake:     new(uint256.Int).SetBytes(stakeBytes[:]),
		})
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "could not unmarshal chunk extra")
	}
	return e, nil
}
