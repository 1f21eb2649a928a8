package client

import (
	"github.com/pkg/errors"
)

// Sentinel errors of the coordinator's error taxonomy. BadData errors lead
// to a peer ban; Orphan keeps the block and requests its parent; not-found
// errors are parked or debug logged depending on the operation.
var (
	// ErrInvalidSignature - a block's signature does not match its assigned
	// producer.
	ErrInvalidSignature = errors.New("invalid block signature")
	// ErrInvalidBlockFutureTime - block timestamp too far in the future.
	// Bad data, but never a ban: clocks drift.
	ErrInvalidBlockFutureTime = errors.New("block timestamp too far in the future")
	// ErrOrphan - the block's parent is unknown.
	ErrOrphan = errors.New("orphan block")
	// ErrNotFound - expected data is missing from the store.
	ErrNotFound = errors.New("not found")
	// ErrOldBlock - the block is below an acceptable height. Demoted to
	// debug while syncing.
	ErrOldBlock = errors.New("old block")
	// ErrEpochOutOfBounds - the block's epoch is not known yet. Demoted to
	// debug while syncing.
	ErrEpochOutOfBounds = errors.New("epoch out of bounds")
	// ErrInvalidChunkProofs - a chunk's proofs fail verification; the
	// producer is banned from inclusion and a challenge is emitted.
	ErrInvalidChunkProofs = errors.New("invalid chunk proofs")
	// ErrInvalidChunkState - a chunk's claimed state transition is wrong;
	// same consequences as invalid proofs.
	ErrInvalidChunkState = errors.New("invalid chunk state")
	// ErrProtocolVersionAhead - the network runs a protocol version newer
	// than this binary supports. Correctness-critical: the caller panics
	// so the operator upgrades.
	ErrProtocolVersionAhead = errors.New("network protocol version is ahead of the client")
)

// BlockProducerError - a local block producer precondition was unmet.
type BlockProducerError struct {
	Msg string
}

func (e BlockProducerError) Error() string {
	return "block producer: " + e.Msg
}

// ChunkProducerError - a local chunk producer precondition was unmet.
type ChunkProducerError struct {
	Msg string
}

func (e ChunkProducerError) Error() string {
	return "chunk producer: " + e.Msg
}

// IsBadData classifies errors that indicate the remote peer sent invalid
// data.
func IsBadData(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidBlockFutureTime) ||
		errors.Is(err, ErrInvalidChunkProofs) ||
		errors.Is(err, ErrInvalidChunkState)
}

// isDemotedWhileSyncing reports errors logged at debug rather than error
// level during sync.
func isDemotedWhileSyncing(err error) bool {
	return errors.Is(err, ErrOldBlock) || errors.Is(err, ErrEpochOutOfBounds)
}
