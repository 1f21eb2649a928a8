package blocks

import (
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/encoding/bytesutil"
)

// ApprovalInner is the variant part of a validator approval: either an
// endorsement of a concrete parent block or a declaration of intent to skip
// to a height.
type ApprovalInner struct {
	// Endorsement holds the endorsed parent hash when IsEndorsement.
	Endorsement [32]byte
	// SkipHeight holds the skipped-from parent height otherwise.
	SkipHeight primitives.BlockHeight
	// IsEndorsement discriminates the two variants.
	IsEndorsement bool
}

// NewApprovalEndorsement builds the endorsement variant.
func NewApprovalEndorsement(parentHash [32]byte) ApprovalInner {
	return ApprovalInner{Endorsement: parentHash, IsEndorsement: true}
}

// NewApprovalSkip builds the skip variant.
func NewApprovalSkip(parentHeight primitives.BlockHeight) ApprovalInner {
	return ApprovalInner{SkipHeight: parentHeight}
}

// Approval is a signed vote used by the finality gadget when assembling the
// witness for the next produced block.
type Approval struct {
	Inner        ApprovalInner
	AccountID    primitives.AccountID
	TargetHeight primitives.BlockHeight
	Signature    primitives.Signature
}

// ApprovalType records where an approval came from.
type ApprovalType int

const (
	// SelfApproval was produced by this node.
	SelfApproval ApprovalType = iota
	// PeerApproval arrived over the network and must be signature checked.
	PeerApproval
)

// ApprovalDataForSig is the deterministic payload signed by the approver.
// The encoding is a one byte variant tag, the variant payload, then the
// target height in little endian. It must stay bit-stable: two
// implementations disagreeing here fork the approval verification.
func ApprovalDataForSig(inner ApprovalInner, targetHeight primitives.BlockHeight) []byte {
	var out []byte
	if inner.IsEndorsement {
		out = append(out, 0)
		out = append(out, inner.Endorsement[:]...)
	} else {
		out = append(out, 1)
		out = append(out, bytesutil.Uint64ToBytesLittleEndian(uint64(inner.SkipHeight))...)
	}
	return append(out, bytesutil.Uint64ToBytesLittleEndian(uint64(targetHeight))...)
}

// ApprovalStake is a validator's stake as seen by the approval tally.
type ApprovalStake struct {
	AccountID primitives.AccountID
	PublicKey primitives.PublicKey
	StakeThisEpoch uint64
	StakeNextEpoch uint64
}
