package client

import (
	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
)

// PeerID identifies a network peer.
type PeerID string

// BanReason explains a peer ban.
type BanReason string

const (
	// BanReasonBadBlockHeader - structurally invalid or mis-signed block.
	BanReasonBadBlockHeader BanReason = "BadBlockHeader"
	// BanReasonBadBlockApproval - invalid approval.
	BanReasonBadBlockApproval BanReason = "BadBlockApproval"
)

// AccountKeys maps tier-1 accounts to their known public keys.
type AccountKeys map[primitives.AccountID]map[primitives.PublicKey]bool

// Message is an egress network message. The network adapter is a fire and
// forget sink; sends never block and their relative order is preserved.
type Message interface {
	isNetworkMessage()
}

// BlockMessage broadcasts a block.
type BlockMessage struct {
	Block *blocks.Block
}

// ApprovalMessage routes an approval to the next block producer.
type ApprovalMessage struct {
	TargetAccount primitives.AccountID
	Approval      *blocks.Approval
}

// ChallengeMessage publishes a challenge.
type ChallengeMessage struct {
	Challenge *blocks.Challenge
}

// ForwardTxMessage forwards a transaction to a chunk producer.
type ForwardTxMessage struct {
	TargetAccount primitives.AccountID
	Tx            *blocks.SignedTransaction
}

// BlockRequestMessage asks a specific peer for a block.
type BlockRequestMessage struct {
	Hash [32]byte
	Peer PeerID
}

// BanPeerMessage asks the peer manager to ban a peer.
type BanPeerMessage struct {
	Peer   PeerID
	Reason BanReason
}

// ChainInfoMessage publishes chain info relevant to peer management:
// the current block, tracked shards, and tier-1 accounts for prioritized
// connections.
type ChainInfoMessage struct {
	Block         *blocks.Block
	TrackedShards []primitives.ShardID
	Tier1Accounts AccountKeys
}

func (BlockMessage) isNetworkMessage()        {}
func (ApprovalMessage) isNetworkMessage()     {}
func (ChallengeMessage) isNetworkMessage()    {}
func (ForwardTxMessage) isNetworkMessage()    {}
func (BlockRequestMessage) isNetworkMessage() {}
func (BanPeerMessage) isNetworkMessage()      {}
func (ChainInfoMessage) isNetworkMessage()    {}

// NetworkAdapter is the send-only message sink towards the peer manager.
type NetworkAdapter interface {
	Send(msg Message)
}
