package blocks

import (
	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// Transaction is the unsigned transaction body. BlockHash anchors the
// transaction to a recent block for the validity-period check.
type Transaction struct {
	SignerID   primitives.AccountID
	ReceiverID primitives.AccountID
	PublicKey  primitives.PublicKey
	Nonce      uint64
	BlockHash  [32]byte
	Deposit    *uint256.Int
}

// SignedTransaction pairs the body with its signature and caches the hash.
type SignedTransaction struct {
	Transaction Transaction
	Signature   primitives.Signature

	hash   [32]byte
	hashed bool
}

// Hash returns the transaction hash, computing it on first use.
func (t *SignedTransaction) Hash() [32]byte {
	if !t.hashed {
		var buf []byte
		buf = append(buf, []byte(t.Transaction.SignerID)...)
		buf = append(buf, 0)
		buf = append(buf, []byte(t.Transaction.ReceiverID)...)
		buf = append(buf, t.Transaction.PublicKey[:]...)
		buf = append(buf, bytesutil.Uint64ToBytesLittleEndian(t.Transaction.Nonce)...)
		buf = append(buf, t.Transaction.BlockHash[:]...)
		if t.Transaction.Deposit != nil {
			d := t.Transaction.Deposit.Bytes32()
			buf = append(buf, d[:]...)
		}
		buf = append(buf, t.Signature...)
		t.hash = hash.Hash(buf)
		t.hashed = true
	}
	return t.hash
}

// Receipt is an outgoing receipt produced by chunk application and routed
// to its receiver's shard.
type Receipt struct {
	ID         [32]byte
	PredecessorID primitives.AccountID
	ReceiverID primitives.AccountID
	Payload    []byte
}

// Bytes is the deterministic encoding used when merklizing receipt groups.
func (r *Receipt) Bytes() []byte {
	var buf []byte
	buf = append(buf, r.ID[:]...)
	buf = append(buf, []byte(r.PredecessorID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(r.ReceiverID)...)
	buf = append(buf, 0)
	buf = append(buf, r.Payload...)
	return buf
}
