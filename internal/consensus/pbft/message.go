// Package pbft implements the core PBFT consensus state machine: phase
// transitions, quorum counting, view change, and checkpoint garbage
// collection. It knows nothing about wire encoding, transport, or how the
// host validator stores blocks — those are supplied through the Service
// interface and the codec package.
package pbft

import "fmt"

// MessageType identifies the kind of a PBFT protocol message. BlockNew,
// PrePrepare, Prepare and Commit form a strict progression used by the
// multicast not-ready check; their relative ordinal matters and must not be
// reordered.
type MessageType int

const (
	Unset MessageType = iota
	BlockNew
	PrePrepare
	Prepare
	Commit
	Checkpoint
	ViewChange
)

func (t MessageType) String() string {
	switch t {
	case BlockNew:
		return "BlockNew"
	case PrePrepare:
		return "PrePrepare"
	case Prepare:
		return "Prepare"
	case Commit:
		return "Commit"
	case Checkpoint:
		return "Checkpoint"
	case ViewChange:
		return "ViewChange"
	default:
		return "Unset"
	}
}

// ParseMessageType maps a wire message_type string back to a MessageType.
func ParseMessageType(s string) MessageType {
	switch s {
	case "BlockNew":
		return BlockNew
	case "PrePrepare":
		return PrePrepare
	case "Prepare":
		return Prepare
	case "Commit":
		return Commit
	case "Checkpoint":
		return Checkpoint
	case "ViewChange":
		return ViewChange
	default:
		return Unset
	}
}

// IsMulticast reports whether messages of this type drive the
// PrePrepare->Prepare->Commit not-ready state machine.
func (t MessageType) IsMulticast() bool {
	return t == PrePrepare || t == Prepare || t == Commit
}

// NodeID is this validator's index into the roster, not a peer-id.
type NodeID uint64

// PeerID is the opaque, host-supplied byte identity of a peer.
type PeerID string

// BlockID is the opaque byte identity of a block.
type BlockID string

// Block is the host-supplied record the validator delivers on BlockNew and
// returns from GetBlocks/GetChainHead.
type Block struct {
	BlockID    BlockID
	PreviousID BlockID
	SignerID   PeerID
	BlockNum   uint64
	Payload    []byte
	Summary    []byte
}

// PbftBlock is the trimmed projection of a Block carried inside consensus
// messages. Payload and PreviousID never cross the wire in a PbftMessage.
type PbftBlock struct {
	BlockID  BlockID
	SignerID PeerID
	BlockNum uint64
	Summary  []byte
}

func pbftBlockFromBlock(b Block) PbftBlock {
	return PbftBlock{
		BlockID:  b.BlockID,
		SignerID: b.SignerID,
		BlockNum: b.BlockNum,
		Summary:  b.Summary,
	}
}

// MessageInfo is the common envelope carried by every PbftMessage and
// ViewChange message.
type MessageInfo struct {
	MsgType  MessageType
	View     uint64
	SeqNum   uint64
	SignerID PeerID
}

// PbftMessage is used for BlockNew, PrePrepare, Prepare, Commit, and
// Checkpoint. The Block field is the zero value for Checkpoint.
type PbftMessage struct {
	Info  MessageInfo
	Block PbftBlock
}

// ViewChange carries a node's proof of its latest stable checkpoint when
// proposing a new view.
type ViewChange struct {
	Info                MessageInfo
	CheckpointMessages []PbftMessage
}

// PeerMessage is the raw, type-tagged envelope exchanged with peers. Content
// is produced and consumed by a Codec; the core treats it as opaque.
type PeerMessage struct {
	MessageType string
	Content     []byte
}

func makeMsgInfo(msgType MessageType, view, seqNum uint64, signerID PeerID) MessageInfo {
	return MessageInfo{MsgType: msgType, View: view, SeqNum: seqNum, SignerID: signerID}
}

// messageKey uniquely identifies a logged PbftMessage by (type, view,
// seq_num, signer_id).
type messageKey struct {
	msgType  MessageType
	view     uint64
	seqNum   uint64
	signerID PeerID
}

func keyOf(m PbftMessage) messageKey {
	return messageKey{
		msgType:  m.Info.MsgType,
		view:     m.Info.View,
		seqNum:   m.Info.SeqNum,
		signerID: m.Info.SignerID,
	}
}

func (k messageKey) String() string {
	return fmt.Sprintf("%s/v%d/s%d/%s", k.msgType, k.view, k.seqNum, k.signerID)
}
