package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// Memory is a reference Adapter backed by an in-memory chain. It is the Go
// analogue of the Rust test suite's MockService in the original PBFT
// implementation: blocks are synthetic, deterministically hashed from a
// block number, and "committing" a block just appends it to the in-memory
// chain.
//
// It is not meant to model real block production faithfully; it exists so
// the core engine and the harness can be exercised end to end without a
// real validator process.
type Memory struct {
	mu     sync.Mutex
	logger *zap.Logger

	chain     []pbft.Block
	pending   *pbft.Block
	cancelled bool

	broadcastFn func(msgType string, payload []byte)
	sendToFn    func(peer pbft.PeerID, msgType string, payload []byte)

	onBlockNew    func(pbft.Block)
	onBlockValid  func(pbft.BlockID)
	onBlockCommit func(pbft.BlockID)
}

// SetHostCallbacks wires the block-lifecycle events this service produces
// back to the Node entry points that react to them (§4.5: FinalizeBlock,
// CheckBlocks, and CommitBlock each have a host-visible counterpart —
// on_block_new, on_block_valid, on_block_commit — that the surrounding
// validator delivers once its own work completes).
//
// onBlockNew and onBlockCommit fire synchronously, inline with the
// FinalizeBlock/CommitBlock call that triggered them — the caller is
// already inside a serialized Node call at that point, so these must not
// take any lock the caller might already hold. onBlockValid fires later,
// from its own goroutine, modeling CheckBlocks' one asynchronous
// completion (§4.5); unlike the other two, the host must do its own
// serialization there.
func (m *Memory) SetHostCallbacks(onBlockNew func(pbft.Block), onBlockValid func(pbft.BlockID), onBlockCommit func(pbft.BlockID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBlockNew = onBlockNew
	m.onBlockValid = onBlockValid
	m.onBlockCommit = onBlockCommit
}

// NewMemory constructs a Memory service seeded with a single genesis block.
// broadcastFn/sendToFn are supplied by the transport wiring the caller
// plugs in (e.g. the in-process harness fans broadcast out to every other
// node's OnPeerMessage).
func NewMemory(logger *zap.Logger, broadcastFn func(string, []byte), sendToFn func(pbft.PeerID, string, []byte)) *Memory {
	return &Memory{
		logger:      logger,
		chain:       []pbft.Block{genesisBlock()},
		broadcastFn: broadcastFn,
		sendToFn:    sendToFn,
	}
}

func genesisBlock() pbft.Block {
	return pbft.Block{BlockID: MockBlockID(0), PreviousID: "", BlockNum: 0}
}

// MockBlockID deterministically derives a BlockID from a block number,
// mirroring the Rust test suite's mock_block_id helper.
func MockBlockID(num uint64) pbft.BlockID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], num)
	sum := sha256.Sum256(append([]byte("block-"), buf[:]...))
	return pbft.BlockID(hex.EncodeToString(sum[:])[:16])
}

// MockPeerID deterministically derives a PeerID from a peer index.
func MockPeerID(num uint64) pbft.PeerID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], num)
	sum := sha256.Sum256(append([]byte("peer-"), buf[:]...))
	return pbft.PeerID(hex.EncodeToString(sum[:])[:16])
}

// MockBlock builds a synthetic Block with the given number, chained to the
// prior mock block.
func MockBlock(num uint64) pbft.Block {
	var prev pbft.BlockID
	if num > 0 {
		prev = MockBlockID(num - 1)
	}
	return pbft.Block{BlockID: MockBlockID(num), PreviousID: prev, BlockNum: num}
}

func (m *Memory) SendTo(peer pbft.PeerID, msgType string, payload []byte) error {
	if m.sendToFn != nil {
		m.sendToFn(peer, msgType, payload)
	}
	return nil
}

func (m *Memory) Broadcast(msgType string, payload []byte) error {
	if m.broadcastFn != nil {
		m.broadcastFn(msgType, payload)
	}
	return nil
}

func (m *Memory) InitializeBlock(previous *pbft.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := m.chain[len(m.chain)-1]
	prevID := head.BlockID
	if previous != nil {
		prevID = *previous
	}
	next := pbft.Block{
		BlockID:    MockBlockID(head.BlockNum + 1),
		PreviousID: prevID,
		BlockNum:   head.BlockNum + 1,
	}
	m.pending = &next
	m.cancelled = false
	return nil
}

func (m *Memory) SummarizeBlock() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil, BlockNotReady
	}
	return []byte(fmt.Sprintf("summary-%d", m.pending.BlockNum)), nil
}

func (m *Memory) FinalizeBlock(data []byte) (pbft.BlockID, error) {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return "", BlockNotReady
	}
	b := *m.pending
	b.Payload = data
	m.pending = nil
	cb := m.onBlockNew
	m.mu.Unlock()

	if cb != nil {
		cb(b)
	}
	return b.BlockID, nil
}

func (m *Memory) CancelBlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.cancelled = true
	return nil
}

// CheckBlocks answers asynchronously, as §4.5 requires: it returns
// immediately and delivers onBlockValid from a separate goroutine a little
// later, standing in for the real validity-check latency a host service
// would have.
func (m *Memory) CheckBlocks(ctx context.Context, priority []pbft.BlockID) error {
	m.mu.Lock()
	cb := m.onBlockValid
	m.mu.Unlock()
	if cb == nil {
		return nil
	}
	for _, id := range priority {
		id := id
		go func() {
			time.Sleep(5 * time.Millisecond)
			cb(id)
		}()
	}
	return nil
}

func (m *Memory) CommitBlock(id pbft.BlockID) error {
	m.mu.Lock()
	blk, ok := m.findBlock(id)
	if !ok {
		blk = pbft.Block{BlockID: id, PreviousID: m.chain[len(m.chain)-1].BlockID, BlockNum: m.chain[len(m.chain)-1].BlockNum + 1}
	}
	m.chain = append(m.chain, blk)
	if m.logger != nil {
		m.logger.Info("committed block", zap.String("block_id", string(id)), zap.Uint64("block_num", blk.BlockNum))
	}
	cb := m.onBlockCommit
	m.mu.Unlock()

	if cb != nil {
		cb(id)
	}
	return nil
}

func (m *Memory) IgnoreBlock(id pbft.BlockID) error { return nil }
func (m *Memory) FailBlock(id pbft.BlockID) error   { return nil }

func (m *Memory) findBlock(id pbft.BlockID) (pbft.Block, bool) {
	for _, b := range m.chain {
		if b.BlockID == id {
			return b, true
		}
	}
	if m.pending != nil && m.pending.BlockID == id {
		return *m.pending, true
	}
	return pbft.Block{}, false
}

func (m *Memory) GetBlocks(ids []pbft.BlockID) (map[pbft.BlockID]pbft.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[pbft.BlockID]pbft.Block, len(ids))
	for _, id := range ids {
		if b, ok := m.findBlock(id); ok {
			out[id] = b
		}
	}
	return out, nil
}

func (m *Memory) GetChainHead() (pbft.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chain[len(m.chain)-1], nil
}

func (m *Memory) GetSettings(block pbft.BlockID, keys []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (m *Memory) GetState(block pbft.BlockID, addresses []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}
