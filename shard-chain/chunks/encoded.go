// Package chunks implements erasure-coded shard chunks: construction of an
// encoded chunk from its body, merkle proofs over the parts, and
// reassembly of the body from a quorum of parts.
package chunks

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/crypto/merkle"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// ShardChunk is a fully decoded chunk: its header plus the transaction and
// receipt body.
type ShardChunk struct {
	Header       *blocks.ChunkHeader
	Transactions []*blocks.SignedTransaction
	Receipts     []*blocks.Receipt
}

// PartialEncodedChunk carries a subset of an encoded chunk's parts, the
// unit the shards manager forwards between nodes.
type PartialEncodedChunk struct {
	Header   *blocks.ChunkHeader
	PartOrds []int
	Parts    [][]byte
	Proofs   []merkle.Path
}

// EncodedShardChunk is the erasure-coded form: dataParts content shares
// plus parity shares. Any dataParts of the total parts reconstruct the
// body.
type EncodedShardChunk struct {
	Header        *blocks.ChunkHeader
	Parts         [][]byte
	DataParts     int
	ParityParts   int
	EncodedLength uint32
}

// marshalBody is the deterministic body encoding split across data parts.
func marshalBody(txs []*blocks.SignedTransaction, receipts []*blocks.Receipt) []byte {
	var buf []byte
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(txs)))
	buf = append(buf, n[:]...)
	for _, tx := range txs {
		enc := blocks.MarshalTransaction(tx)
		binary.LittleEndian.PutUint32(n[:], uint32(len(enc)))
		buf = append(buf, n[:]...)
		buf = append(buf, enc...)
	}
	binary.LittleEndian.PutUint32(n[:], uint32(len(receipts)))
	buf = append(buf, n[:]...)
	for _, r := range receipts {
		enc := blocks.MarshalReceipt(r)
		binary.LittleEndian.PutUint32(n[:], uint32(len(enc)))
		buf = append(buf, n[:]...)
		buf = append(buf, enc...)
	}
	return buf
}

func unmarshalBody(data []byte) ([]*blocks.SignedTransaction, []*blocks.Receipt, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated chunk body")
	}
	nTxs := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	txs := make([]*blocks.SignedTransaction, 0, nTxs)
	for i := uint32(0); i < nTxs; i++ {
		if len(data) < 4 {
			return nil, nil, errors.New("truncated transaction length")
		}
		l := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < l {
			return nil, nil, errors.New("truncated transaction")
		}
		tx, _, err := blocks.UnmarshalTransaction(data[:l])
		if err != nil {
			return nil, nil, err
		}
		txs = append(txs, tx)
		data = data[l:]
	}
	if len(data) < 4 {
		return nil, nil, errors.New("truncated receipt count")
	}
	nReceipts := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	receipts := make([]*blocks.Receipt, 0, nReceipts)
	for i := uint32(0); i < nReceipts; i++ {
		if len(data) < 4 {
			return nil, nil, errors.New("truncated receipt length")
		}
		l := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < l {
			return nil, nil, errors.New("truncated receipt")
		}
		r, _, err := blocks.UnmarshalReceipt(data[:l])
		if err != nil {
			return nil, nil, err
		}
		receipts = append(receipts, r)
		data = data[l:]
	}
	return txs, receipts, nil
}

// EncodeChunk erasure codes the chunk body into dataParts + parityParts
// shares under the given header and returns the encoded chunk together
// with the merkle inclusion paths of every part.
func EncodeChunk(
	header *blocks.ChunkHeader,
	txs []*blocks.SignedTransaction,
	receipts []*blocks.Receipt,
	dataParts, parityParts int,
) (*EncodedShardChunk, []merkle.Path, error) {
	body := marshalBody(txs, receipts)
	encodedLength := uint32(len(body))
	shardSize := (len(body) + dataParts - 1) / dataParts
	if shardSize == 0 {
		shardSize = 1
	}
	parts := make([][]byte, dataParts+parityParts)
	for i := 0; i < dataParts; i++ {
		part := make([]byte, shardSize)
		start := i * shardSize
		if start < len(body) {
			end := start + shardSize
			if end > len(body) {
				end = len(body)
			}
			copy(part, body[start:end])
		}
		parts[i] = part
	}
	for i := dataParts; i < len(parts); i++ {
		parts[i] = make([]byte, shardSize)
	}
	enc, err := reedsolomon.New(dataParts, parityParts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not build reed-solomon encoder")
	}
	if err := enc.Encode(parts); err != nil {
		return nil, nil, errors.Wrap(err, "could not encode chunk parts")
	}
	_, paths := merkle.Merklize(parts)
	return &EncodedShardChunk{
		Header:        header,
		Parts:         parts,
		DataParts:     dataParts,
		ParityParts:   parityParts,
		EncodedLength: encodedLength,
	}, paths, nil
}

// Decode reconstructs the chunk body. Missing parts (nil entries) are
// rebuilt from parity as long as dataParts parts survive.
func (c *EncodedShardChunk) Decode() (*ShardChunk, error) {
	parts := make([][]byte, len(c.Parts))
	copy(parts, c.Parts)
	enc, err := reedsolomon.New(c.DataParts, c.ParityParts)
	if err != nil {
		return nil, err
	}
	if err := enc.Reconstruct(parts); err != nil {
		return nil, errors.Wrap(err, "could not reconstruct chunk")
	}
	var body []byte
	for i := 0; i < c.DataParts; i++ {
		body = append(body, parts[i]...)
	}
	if uint32(len(body)) < c.EncodedLength {
		return nil, errors.New("reconstructed body shorter than encoded length")
	}
	txs, receipts, err := unmarshalBody(body[:c.EncodedLength])
	if err != nil {
		return nil, err
	}
	return &ShardChunk{Header: c.Header, Transactions: txs, Receipts: receipts}, nil
}

// ToPartial extracts the given part ordinals into a partial chunk.
func (c *EncodedShardChunk) ToPartial(ords []int, paths []merkle.Path) *PartialEncodedChunk {
	p := &PartialEncodedChunk{Header: c.Header}
	for _, ord := range ords {
		p.PartOrds = append(p.PartOrds, ord)
		p.Parts = append(p.Parts, bytesutil.SafeCopyBytes(c.Parts[ord]))
		if ord < len(paths) {
			p.Proofs = append(p.Proofs, paths[ord])
		}
	}
	return p
}
