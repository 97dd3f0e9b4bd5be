package transport

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// gossipSubject is the single subject every validator in a network
// publishes consensus frames to and subscribes on; message_type travels in
// the frame itself rather than as distinct subjects, so ordering across
// types is preserved.
const gossipSubject = "pbft.gossip"

// blockAnnounceSubject carries newly finalized candidate blocks between
// validator processes. This sits outside the PBFT message types entirely:
// it is the out-of-band "a new block exists" notification spec.md treats
// as an external, out-of-scope block-gossip concern (§1) — the thing that,
// in a real deployment, lets every validator's own on_block_new fire for
// the same block the publishing validator finalized.
const blockAnnounceSubject = "pbft.block_announce"

// Nats is a Service transport backed by NATS core pub/sub, adapted from the
// simple-api command's NATS wiring (connect once, publish/subscribe on a
// well-known subject).
type Nats struct {
	logger  *zap.Logger
	self    pbft.PeerID
	conn    *nats.Conn
	sub     *nats.Subscription
	blockSub *nats.Subscription
}

// NewNats connects to url and subscribes to the gossip subject, delivering
// every frame not authored by self to onMessage, and to the block-announce
// subject, delivering every block not authored by self to onBlockNew.
func NewNats(url string, self pbft.PeerID, logger *zap.Logger, onMessage func(pbft.PeerMessage), onBlockNew func(pbft.Block)) (*Nats, error) {
	conn, err := nats.Connect(url, nats.Name(fmt.Sprintf("pbft-node-%s", self)))
	if err != nil {
		return nil, fmt.Errorf("transport: nats connect: %w", err)
	}

	n := &Nats{logger: logger, self: self, conn: conn}

	sub, err := conn.Subscribe(gossipSubject, func(msg *nats.Msg) {
		f, signer, err := decodeGossipFrame(msg.Data)
		if err != nil {
			logger.Warn("dropping malformed gossip message", zap.Error(err))
			return
		}
		if signer == self {
			return
		}
		onMessage(pbft.PeerMessage{MessageType: f.MessageType, Content: f.Content})
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: nats subscribe: %w", err)
	}
	n.sub = sub

	blockSub, err := conn.Subscribe(blockAnnounceSubject, func(msg *nats.Msg) {
		b, signer, err := decodeBlockAnnounce(msg.Data)
		if err != nil {
			logger.Warn("dropping malformed block announcement", zap.Error(err))
			return
		}
		if signer == self {
			return
		}
		onBlockNew(b)
	})
	if err != nil {
		sub.Unsubscribe()
		conn.Close()
		return nil, fmt.Errorf("transport: nats subscribe block announce: %w", err)
	}
	n.blockSub = blockSub

	return n, nil
}

// AnnounceBlockNew publishes b to every other validator process so their
// own on_block_new can fire for it, the way this node's own FinalizeBlock
// success already drives its local Node.OnBlockNew.
func (n *Nats) AnnounceBlockNew(b pbft.Block) error {
	data := encodeBlockAnnounce(b, n.self)
	if err := n.conn.Publish(blockAnnounceSubject, data); err != nil {
		return fmt.Errorf("transport: nats publish block announce: %w", err)
	}
	return nil
}

// Close unsubscribes and drains the underlying connection.
func (n *Nats) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.blockSub != nil {
		_ = n.blockSub.Unsubscribe()
	}
	return n.conn.Drain()
}

// Broadcast publishes to every subscriber, including this node's own
// subscription; the subscription handler's signer check prevents
// self-delivery from being processed twice (the core already self-delivers
// internally).
func (n *Nats) Broadcast(msgType string, payload []byte) error {
	data := encodeGossipFrame(frame{MessageType: msgType, Content: payload}, n.self)
	if err := n.conn.Publish(gossipSubject, data); err != nil {
		return fmt.Errorf("transport: nats publish: %w", err)
	}
	return nil
}

// SendTo publishes on the shared gossip subject exactly like Broadcast: the
// frame carries no addressee, so every other subscriber receives and
// processes the message, not only peer. This keeps the demo harness to a
// single topic.
func (n *Nats) SendTo(peer pbft.PeerID, msgType string, payload []byte) error {
	return n.Broadcast(msgType, payload)
}

// encodeBlockAnnounce serializes a Block alongside the publishing peer's id,
// using the same length-prefixed uvarint style as frame encoding.
func encodeBlockAnnounce(b pbft.Block, signer pbft.PeerID) []byte {
	var out []byte
	out = appendUvarintString(out, string(signer))
	out = appendUvarintString(out, string(b.BlockID))
	out = appendUvarintString(out, string(b.PreviousID))
	out = appendUvarintString(out, string(b.SignerID))
	out = appendUvarint(out, b.BlockNum)
	out = appendUvarintString(out, string(b.Payload))
	out = appendUvarintString(out, string(b.Summary))
	return out
}

// decodeBlockAnnounce is the inverse of encodeBlockAnnounce.
func decodeBlockAnnounce(data []byte) (pbft.Block, pbft.PeerID, error) {
	b := data
	signer, b, err := consumeUvarintString(b)
	if err != nil {
		return pbft.Block{}, "", err
	}
	blockID, b, err := consumeUvarintString(b)
	if err != nil {
		return pbft.Block{}, "", err
	}
	previousID, b, err := consumeUvarintString(b)
	if err != nil {
		return pbft.Block{}, "", err
	}
	signerID, b, err := consumeUvarintString(b)
	if err != nil {
		return pbft.Block{}, "", err
	}
	blockNum, n := consumeUvarint(b)
	if n < 0 {
		return pbft.Block{}, "", fmt.Errorf("transport: truncated block_num")
	}
	b = b[n:]
	payload, b, err := consumeUvarintString(b)
	if err != nil {
		return pbft.Block{}, "", err
	}
	summary, _, err := consumeUvarintString(b)
	if err != nil {
		return pbft.Block{}, "", err
	}
	blk := pbft.Block{
		BlockID:    pbft.BlockID(blockID),
		PreviousID: pbft.BlockID(previousID),
		SignerID:   pbft.PeerID(signerID),
		BlockNum:   blockNum,
		Payload:    []byte(payload),
		Summary:    []byte(summary),
	}
	return blk, pbft.PeerID(signer), nil
}

func appendUvarintString(b []byte, s string) []byte {
	b = appendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func consumeUvarintString(b []byte) (string, []byte, error) {
	length, n := consumeUvarint(b)
	if n < 0 {
		return "", nil, fmt.Errorf("transport: truncated length-prefixed string")
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return "", nil, fmt.Errorf("transport: truncated string body")
	}
	return string(b[:length]), b[length:], nil
}

func encodeGossipFrame(f frame, signer pbft.PeerID) []byte {
	s := []byte(signer)
	out := appendUvarint(nil, uint64(len(s)))
	out = append(out, s...)
	out = append(out, encodeFrame(f)...)
	return out
}

func decodeGossipFrame(b []byte) (frame, pbft.PeerID, error) {
	sLen, n := consumeUvarint(b)
	if n < 0 {
		return frame{}, "", fmt.Errorf("transport: truncated gossip signer")
	}
	b = b[n:]
	if uint64(len(b)) < sLen {
		return frame{}, "", fmt.Errorf("transport: truncated signer bytes")
	}
	signer := pbft.PeerID(b[:sLen])
	f, err := decodeFrame(b[sLen:])
	return f, signer, err
}
