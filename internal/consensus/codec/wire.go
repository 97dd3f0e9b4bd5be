// Package codec implements pbft.Codec over a small hand-rolled protobuf wire
// format: each field is written with protowire's low-level tag/value
// primitives rather than through generated message types, since no .proto
// compiler runs as part of building this module. Field numbers are fixed by
// convention below and must not be renumbered without a wire-compatibility
// break.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// Field numbers for MessageInfo.
const (
	fieldInfoMsgType  = 1
	fieldInfoView     = 2
	fieldInfoSeqNum   = 3
	fieldInfoSignerID = 4
)

// Field numbers for PbftBlock.
const (
	fieldBlockID       = 1
	fieldBlockSignerID = 2
	fieldBlockNum      = 3
	fieldBlockSummary  = 4
)

// Field numbers for PbftMessage.
const (
	fieldMsgInfo  = 1
	fieldMsgBlock = 2
)

// Field numbers for ViewChange.
const (
	fieldVCInfo               = 1
	fieldVCCheckpointMessages = 2
)

// Wire is the protowire-based Codec implementation.
type Wire struct{}

// New returns a ready-to-use Wire codec. It carries no state.
func New() *Wire { return &Wire{} }

func appendInfo(b []byte, info pbft.MessageInfo) []byte {
	b = protowire.AppendTag(b, fieldInfoMsgType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.MsgType))
	b = protowire.AppendTag(b, fieldInfoView, protowire.VarintType)
	b = protowire.AppendVarint(b, info.View)
	b = protowire.AppendTag(b, fieldInfoSeqNum, protowire.VarintType)
	b = protowire.AppendVarint(b, info.SeqNum)
	b = protowire.AppendTag(b, fieldInfoSignerID, protowire.BytesType)
	b = protowire.AppendString(b, string(info.SignerID))
	return b
}

func consumeInfo(b []byte) (pbft.MessageInfo, error) {
	var info pbft.MessageInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return info, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldInfoMsgType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, protowire.ParseError(n)
			}
			info.MsgType = pbft.MessageType(v)
			b = b[n:]
		case fieldInfoView:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, protowire.ParseError(n)
			}
			info.View = v
			b = b[n:]
		case fieldInfoSeqNum:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return info, protowire.ParseError(n)
			}
			info.SeqNum = v
			b = b[n:]
		case fieldInfoSignerID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return info, protowire.ParseError(n)
			}
			info.SignerID = pbft.PeerID(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return info, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return info, nil
}

func appendBlock(b []byte, blk pbft.PbftBlock) []byte {
	b = protowire.AppendTag(b, fieldBlockID, protowire.BytesType)
	b = protowire.AppendString(b, string(blk.BlockID))
	b = protowire.AppendTag(b, fieldBlockSignerID, protowire.BytesType)
	b = protowire.AppendString(b, string(blk.SignerID))
	b = protowire.AppendTag(b, fieldBlockNum, protowire.VarintType)
	b = protowire.AppendVarint(b, blk.BlockNum)
	if len(blk.Summary) > 0 {
		b = protowire.AppendTag(b, fieldBlockSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, blk.Summary)
	}
	return b
}

func consumeBlock(b []byte) (pbft.PbftBlock, error) {
	var blk pbft.PbftBlock
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return blk, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldBlockID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return blk, protowire.ParseError(n)
			}
			blk.BlockID = pbft.BlockID(v)
			b = b[n:]
		case fieldBlockSignerID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return blk, protowire.ParseError(n)
			}
			blk.SignerID = pbft.PeerID(v)
			b = b[n:]
		case fieldBlockNum:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return blk, protowire.ParseError(n)
			}
			blk.BlockNum = v
			b = b[n:]
		case fieldBlockSummary:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return blk, protowire.ParseError(n)
			}
			blk.Summary = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return blk, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return blk, nil
}

// EncodeMessage serializes a PbftMessage as two length-delimited
// sub-messages: Info then Block.
func (Wire) EncodeMessage(m pbft.PbftMessage) ([]byte, error) {
	var out []byte
	out = protowire.AppendTag(out, fieldMsgInfo, protowire.BytesType)
	out = protowire.AppendBytes(out, appendInfo(nil, m.Info))
	out = protowire.AppendTag(out, fieldMsgBlock, protowire.BytesType)
	out = protowire.AppendBytes(out, appendBlock(nil, m.Block))
	return out, nil
}

// DecodeMessage is the inverse of EncodeMessage.
func (Wire) DecodeMessage(data []byte) (pbft.PbftMessage, error) {
	var m pbft.PbftMessage
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldMsgInfo:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			info, err := consumeInfo(v)
			if err != nil {
				return m, fmt.Errorf("decode info: %w", err)
			}
			m.Info = info
			b = b[n:]
		case fieldMsgBlock:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			blk, err := consumeBlock(v)
			if err != nil {
				return m, fmt.Errorf("decode block: %w", err)
			}
			m.Block = blk
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

// EncodeViewChange serializes a ViewChange as its Info sub-message followed
// by zero or more repeated CheckpointMessages sub-messages.
func (w Wire) EncodeViewChange(vc pbft.ViewChange) ([]byte, error) {
	var out []byte
	out = protowire.AppendTag(out, fieldVCInfo, protowire.BytesType)
	out = protowire.AppendBytes(out, appendInfo(nil, vc.Info))
	for _, cm := range vc.CheckpointMessages {
		encoded, err := w.EncodeMessage(cm)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fieldVCCheckpointMessages, protowire.BytesType)
		out = protowire.AppendBytes(out, encoded)
	}
	return out, nil
}

// DecodeViewChange is the inverse of EncodeViewChange.
func (w Wire) DecodeViewChange(data []byte) (pbft.ViewChange, error) {
	var vc pbft.ViewChange
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return vc, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldVCInfo:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return vc, protowire.ParseError(n)
			}
			info, err := consumeInfo(v)
			if err != nil {
				return vc, fmt.Errorf("decode info: %w", err)
			}
			vc.Info = info
			b = b[n:]
		case fieldVCCheckpointMessages:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return vc, protowire.ParseError(n)
			}
			cm, err := w.DecodeMessage(v)
			if err != nil {
				return vc, fmt.Errorf("decode checkpoint message: %w", err)
			}
			vc.CheckpointMessages = append(vc.CheckpointMessages, cm)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return vc, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return vc, nil
}
