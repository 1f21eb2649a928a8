package blocks

import (
	"encoding/binary"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// Deterministic byte codecs for transactions and receipts, used when a
// chunk's body is erasure coded and reassembled.

func appendBlob(buf, blob []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(blob)))
	buf = append(buf, l[:]...)
	return append(buf, blob...)
}

func readBlob(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("truncated blob length")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, errors.New("truncated blob")
	}
	return bytesutil.SafeCopyBytes(data[:n]), data[n:], nil
}

// MarshalTransaction encodes a signed transaction.
func MarshalTransaction(tx *SignedTransaction) []byte {
	var buf []byte
	buf = appendBlob(buf, []byte(tx.Transaction.SignerID))
	buf = appendBlob(buf, []byte(tx.Transaction.ReceiverID))
	buf = append(buf, tx.Transaction.PublicKey[:]...)
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], tx.Transaction.Nonce)
	buf = append(buf, nonce[:]...)
	buf = append(buf, tx.Transaction.BlockHash[:]...)
	if tx.Transaction.Deposit == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		d := tx.Transaction.Deposit.Bytes32()
		buf = append(buf, d[:]...)
	}
	return appendBlob(buf, tx.Signature)
}

// UnmarshalTransaction decodes one transaction, returning the remainder of
// the input.
func UnmarshalTransaction(data []byte) (*SignedTransaction, []byte, error) {
	signer, data, err := readBlob(data)
	if err != nil {
		return nil, nil, err
	}
	receiver, data, err := readBlob(data)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 32+8+32+1 {
		return nil, nil, errors.New("truncated transaction")
	}
	tx := &SignedTransaction{Transaction: Transaction{
		SignerID:   primitives.AccountID(signer),
		ReceiverID: primitives.AccountID(receiver),
	}}
	tx.Transaction.PublicKey = primitives.PublicKey(bytesutil.ToBytes32(data[:32]))
	data = data[32:]
	tx.Transaction.Nonce = binary.LittleEndian.Uint64(data[:8])
	data = data[8:]
	tx.Transaction.BlockHash = bytesutil.ToBytes32(data[:32])
	data = data[32:]
	hasDeposit := data[0] == 1
	data = data[1:]
	if hasDeposit {
		if len(data) < 32 {
			return nil, nil, errors.New("truncated deposit")
		}
		tx.Transaction.Deposit = new(uint256.Int).SetBytes(data[:32])
		data = data[32:]
	}
	sig, data, err := readBlob(data)
	if err != nil {
		return nil, nil, err
	}
	tx.Signature = sig
	return tx, data, nil
}

// MarshalReceipt encodes a receipt.
func MarshalReceipt(r *Receipt) []byte {
	var buf []byte
	buf = append(buf, r.ID[:]...)
	buf = appendBlob(buf, []byte(r.PredecessorID))
	buf = appendBlob(buf, []byte(r.ReceiverID))
	return appendBlob(buf, r.Payload)
}

// UnmarshalReceipt decodes one receipt, returning the remainder of the
// input.
func UnmarshalReceipt(data []byte) (*Receipt, []byte, error) {
	if len(data) < 32 {
		return nil, nil, errors.New("truncated receipt id")
	}
	r := &Receipt{ID: bytesutil.ToBytes32(data[:32])}
	data = data[32:]
	pred, data, err := readBlob(data)
	if err != nil {
		return nil, nil, err
	}
	recv, data, err := readBlob(data)
	if err != nil {
		return nil, nil, err
	}
	payload, data, err := readBlob(data)
	if err != nil {
		return nil, nil, err
	}
	r.PredecessorID = primitives.AccountID(pred)
	r.ReceiverID = primitives.AccountID(recv)
	r.Payload = payload
	return r, data, nil
}
