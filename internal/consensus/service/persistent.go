package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
	"github.com/splintercommunity/pbft-core/internal/hoststore"
)

// Persistent is an Adapter backed by a hoststore.BlockStore, for
// cmd/pbft-netsim. It has the same pending/genesis bookkeeping as Memory,
// but reads/writes committed blocks through the store instead of an
// in-memory slice, and optionally records checkpoint stability in a
// hoststore.CheckpointCache so a sibling process inspecting the same
// backing store can see it.
type Persistent struct {
	mu     sync.Mutex
	logger *zap.Logger

	store      hoststore.BlockStore
	checkpoint hoststore.CheckpointCache // may be nil
	pending    *pbft.Block

	broadcastFn func(msgType string, payload []byte)
	sendToFn    func(peer pbft.PeerID, msgType string, payload []byte)

	onBlockNew    func(pbft.Block)
	onBlockValid  func(pbft.BlockID)
	onBlockCommit func(pbft.BlockID)
}

// SetHostCallbacks wires the block-lifecycle events this service produces
// back to the Node entry points that react to them; see Memory's
// SetHostCallbacks for the synchronous/asynchronous split this mirrors.
func (p *Persistent) SetHostCallbacks(onBlockNew func(pbft.Block), onBlockValid func(pbft.BlockID), onBlockCommit func(pbft.BlockID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBlockNew = onBlockNew
	p.onBlockValid = onBlockValid
	p.onBlockCommit = onBlockCommit
}

// NewPersistent wraps store (and, optionally, a checkpoint cache) as a
// Service, seeding the genesis block if the store is empty.
func NewPersistent(store hoststore.BlockStore, checkpoint hoststore.CheckpointCache, logger *zap.Logger, broadcastFn func(string, []byte), sendToFn func(pbft.PeerID, string, []byte)) (*Persistent, error) {
	p := &Persistent{
		logger:      logger,
		store:       store,
		checkpoint:  checkpoint,
		broadcastFn: broadcastFn,
		sendToFn:    sendToFn,
	}
	if _, err := store.ChainHead(); err != nil {
		if err := store.PutBlock(genesisBlock()); err != nil {
			return nil, fmt.Errorf("service: seed genesis: %w", err)
		}
	}
	return p, nil
}

func (p *Persistent) SendTo(peer pbft.PeerID, msgType string, payload []byte) error {
	if p.sendToFn != nil {
		p.sendToFn(peer, msgType, payload)
	}
	return nil
}

func (p *Persistent) Broadcast(msgType string, payload []byte) error {
	if p.broadcastFn != nil {
		p.broadcastFn(msgType, payload)
	}
	return nil
}

func (p *Persistent) InitializeBlock(previous *pbft.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	head, err := p.store.ChainHead()
	if err != nil {
		return fmt.Errorf("service: initialize block: %w", err)
	}
	prevID := head.BlockID
	if previous != nil {
		prevID = *previous
	}
	next := pbft.Block{
		BlockID:    MockBlockID(head.BlockNum + 1),
		PreviousID: prevID,
		BlockNum:   head.BlockNum + 1,
	}
	p.pending = &next
	return nil
}

func (p *Persistent) SummarizeBlock() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil, BlockNotReady
	}
	return []byte(fmt.Sprintf("summary-%d", p.pending.BlockNum)), nil
}

func (p *Persistent) FinalizeBlock(data []byte) (pbft.BlockID, error) {
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return "", BlockNotReady
	}
	b := *p.pending
	b.Payload = data
	p.pending = nil
	cb := p.onBlockNew
	p.mu.Unlock()

	if cb != nil {
		cb(b)
	}
	return b.BlockID, nil
}

func (p *Persistent) CancelBlock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

// CheckBlocks mirrors Memory's: it answers immediately and delivers
// onBlockValid from a separate goroutine shortly after, standing in for a
// real host's validity-check latency.
func (p *Persistent) CheckBlocks(ctx context.Context, priority []pbft.BlockID) error {
	p.mu.Lock()
	cb := p.onBlockValid
	p.mu.Unlock()
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

func (p *Persistent) CommitBlock(id pbft.BlockID) error {
	p.mu.Lock()
	b := p.pending
	cb := p.onBlockCommit
	p.mu.Unlock()

	var toCommit pbft.Block
	if b != nil && b.BlockID == id {
		toCommit = *b
	} else {
		head, err := p.store.ChainHead()
		if err != nil {
			return fmt.Errorf("service: commit block: %w", err)
		}
		toCommit = pbft.Block{BlockID: id, PreviousID: head.BlockID, BlockNum: head.BlockNum + 1}
	}
	if err := p.store.PutBlock(toCommit); err != nil {
		return fmt.Errorf("service: commit block: %w", err)
	}
	if p.logger != nil {
		p.logger.Info("committed block", zap.String("block_id", string(id)), zap.Uint64("block_num", toCommit.BlockNum))
	}
	if cb != nil {
		cb(id)
	}
	return nil
}

func (p *Persistent) IgnoreBlock(id pbft.BlockID) error { return nil }
func (p *Persistent) FailBlock(id pbft.BlockID) error   { return nil }

func (p *Persistent) GetBlocks(ids []pbft.BlockID) (map[pbft.BlockID]pbft.Block, error) {
	out := make(map[pbft.BlockID]pbft.Block, len(ids))
	for _, id := range ids {
		p.mu.Lock()
		pending := p.pending
		p.mu.Unlock()
		if pending != nil && pending.BlockID == id {
			out[id] = *pending
			continue
		}
		if b, ok, err := p.store.GetBlock(id); err != nil {
			return nil, fmt.Errorf("service: get blocks: %w", err)
		} else if ok {
			out[id] = b
		}
	}
	return out, nil
}

func (p *Persistent) GetChainHead() (pbft.Block, error) { return p.store.ChainHead() }

func (p *Persistent) GetSettings(block pbft.BlockID, keys []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (p *Persistent) GetState(block pbft.BlockID, addresses []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

// NoteStableCheckpoint records seq in the checkpoint cache, if configured.
// Callers wire this to pbft.MetricsSink.ObserveCheckpointStable or similar
// hook on the node's event loop.
func (p *Persistent) NoteStableCheckpoint(seq uint64) {
	if p.checkpoint == nil {
		return
	}
	if err := p.checkpoint.SetStableSeq(seq); err != nil && p.logger != nil {
		p.logger.Warn("couldn't record stable checkpoint", zap.Error(err))
	}
}
