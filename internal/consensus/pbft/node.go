package pbft

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config carries the options the Node needs directly; the rest (transport
// addresses, durations used by the surrounding host loop) live in the
// caller's own config.
type Config struct {
	ID                NodeID
	PeerID            PeerID
	Roster            []PeerID
	ViewChangeTimeout time.Duration
	CheckpointPeriod  uint64
	MaxLogSize        int
}

// Node is the event dispatcher: it owns State and Log exclusively and
// exposes the five entry points the host invokes. It holds no locks and
// spawns no goroutines; the host is responsible for serializing calls.
type Node struct {
	svc     Service
	codec   Codec
	logger  *zap.Logger
	metrics MetricsSink

	State *State
	Log   *Log
}

// NewNode constructs a node and, if it is primary for view 0, asks the
// service to initialize the first block.
func NewNode(cfg Config, svc Service, codec Codec, logger *zap.Logger, metrics MetricsSink) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	n := &Node{
		svc:     svc,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
		State:   NewState(cfg.ID, cfg.PeerID, cfg.Roster, cfg.ViewChangeTimeout),
		Log:     NewLog(cfg.CheckpointPeriod, cfg.MaxLogSize),
	}
	if n.State.IsPrimary() {
		n.logger.Debug("initializing block", zap.Stringer("state", n.State))
		if err := n.svc.InitializeBlock(nil); err != nil {
			n.logger.Error("couldn't initialize block", zap.Error(err))
		}
	}
	return n
}

// ---------- Entry points from the validator host ----------

// OnBlockNew announces a candidate block to the node.
func (n *Node) OnBlockNew(block Block) *Error {
	n.logger.Info("got BlockNew", zap.String("block_id", string(block.BlockID)))

	pbftBlock := pbftBlockFromBlock(block)

	msg := PbftMessage{Block: pbftBlock}
	if n.State.IsPrimary() {
		n.State.SeqNum++
		msg.Info = makeMsgInfo(BlockNew, n.State.View, n.State.SeqNum, n.State.PeerID)
	} else {
		msg.Info = makeMsgInfo(BlockNew, n.State.View, 0, n.State.PeerID)
	}

	head, err := n.svc.GetChainHead()
	if err != nil {
		return errInternal("get chain head: " + err.Error())
	}

	if block.BlockNum > head.BlockNum+1 || !n.State.SwitchPhase(PrePreparing) {
		n.logger.Debug("not ready for block, pushing to backlog",
			zap.String("block_id", string(block.BlockID)))
		n.Log.PushBlockBacklog(block)
		n.metrics.ObserveBacklogDepth("block", len(n.Log.blockBacklog))
		return nil
	}

	n.Log.AddMessage(msg)
	n.metrics.ObserveMessageLogged(BlockNew.String())
	n.State.WorkingBlock = WorkingBlock{Kind: TentativeWorkingBlock, BlockID: block.BlockID}
	n.State.Timeout.Start()
	n.metrics.ObservePhase(n.State.Phase.String())

	if n.State.IsPrimary() {
		if err := n.broadcastPbftMessage(n.State.SeqNum, PrePrepare, pbftBlock); err != nil {
			return err
		}
	}
	return nil
}

// OnBlockValid is delivered after CheckBlocks succeeds for a block.
func (n *Node) OnBlockValid(blockID BlockID) *Error {
	n.logger.Debug("BlockValid", zap.String("block_id", string(blockID)))
	n.State.SwitchPhase(Committing)
	n.metrics.ObservePhase(n.State.Phase.String())

	blocks, err := n.svc.GetBlocks([]BlockID{blockID})
	if err != nil {
		return errInternal("get blocks: " + err.Error())
	}
	valid, ok := blocks[blockID]
	if !ok {
		return errWrongNumBlocks()
	}

	return n.broadcastPbftMessage(n.State.SeqNum, Commit, pbftBlockFromBlock(valid))
}

// OnBlockCommit is delivered after the service has committed a block.
func (n *Node) OnBlockCommit(blockID BlockID) *Error {
	n.logger.Debug("BlockCommit", zap.String("block_id", string(blockID)))

	if n.State.Phase == Finished {
		if n.State.IsPrimary() {
			n.logger.Info("initializing block", zap.String("previous_id", string(blockID)))
			prev := blockID
			if err := n.svc.InitializeBlock(&prev); err != nil {
				n.logger.Error("couldn't initialize block", zap.Error(err))
			}
		}
		n.State.SwitchPhase(NotStarted)
		n.metrics.ObservePhase(n.State.Phase.String())

		if n.Log.AtCheckpoint(n.State.SeqNum) {
			if err := n.StartCheckpoint(); err != nil {
				n.logger.Warn("couldn't start checkpoint", zap.Error(err))
			}
		}
	} else {
		n.logger.Debug("not doing anything with BlockCommit")
	}

	n.State.Timeout.Stop()
	return nil
}

// OnPeerMessage dispatches a message received from a peer.
func (n *Node) OnPeerMessage(msg PeerMessage) *Error {
	msgType := ParseMessageType(msg.MessageType)

	var multicastVerdict verdict = verdictProceed
	var parsed PbftMessage
	if msgType.IsMulticast() {
		p, err := n.codec.DecodeMessage(msg.Content)
		if err != nil {
			return errSerialization(err.Error())
		}
		parsed = p

		n.logger.Debug("received multicast message",
			zap.Stringer("type", msgType),
			zap.Uint64("view", parsed.Info.View),
			zap.Uint64("seq", parsed.Info.SeqNum))

		multicastVerdict = n.handleMulticastVerdict(parsed)
	}

	switch msgType {
	case PrePrepare:
		return n.dispatchPrePrepare(msg, parsed, multicastVerdict)
	case Prepare:
		return n.dispatchPrepare(msg, parsed, multicastVerdict)
	case Commit:
		return n.dispatchCommit(msg, parsed, multicastVerdict)
	case Checkpoint:
		return n.dispatchCheckpoint(msg)
	case ViewChange:
		return n.dispatchViewChange(msg)
	default:
		n.logger.Warn("message type not implemented", zap.String("type", msg.MessageType))
		return nil
	}
}

// ---------- Periodic operations ----------

// TryPublish asks the service to summarize and finalize a block. A finalize
// failure other than BlockNotReady panics: the surrounding validator is
// unusable if the primary cannot publish.
func (n *Node) TryPublish() {
	if !n.State.IsPrimary() || n.State.Phase != NotStarted {
		return
	}
	n.logger.Debug("summarizing block")
	if _, err := n.svc.SummarizeBlock(); err != nil {
		n.logger.Info("couldn't summarize, so not finalizing", zap.Error(err))
		return
	}
	n.logger.Debug("trying to finalize block")
	blockID, err := n.svc.FinalizeBlock(nil)
	switch {
	case err == nil:
		n.logger.Info("publishing block", zap.String("block_id", string(blockID)))
	case err == ErrBlockNotReady:
		n.logger.Debug("block not ready")
	default:
		panic("failed to finalize block: " + err.Error())
	}
}

// CheckTimeoutExpired reports whether the view-change timer has fired.
func (n *Node) CheckTimeoutExpired() bool { return n.State.Timeout.IsExpired() }

// HandleTimeoutTick is the periodic op (§4.1.6) composing CheckTimeoutExpired
// and StartViewChange: if the view-change timer has fired, it starts a view
// change and returns a soft Timeout error so the host can log that this tick
// is why, rather than silently discarding the outcome. It returns nil when
// the timer has not fired.
func (n *Node) HandleTimeoutTick() *Error {
	if !n.CheckTimeoutExpired() {
		return nil
	}
	n.logger.Info("view-change timeout expired")
	if err := n.StartViewChange(); err != nil && !err.IsSoft() {
		return err
	}
	return errTimeout()
}

// StartCheckpoint is a primary-only operation that broadcasts a Checkpoint
// for the current sequence number.
func (n *Node) StartCheckpoint() *Error {
	if !n.State.IsPrimary() {
		return nil
	}
	if n.State.Mode == Checkpointing {
		return nil
	}
	n.State.PreCheckpointMode = n.State.Mode
	n.State.Mode = Checkpointing
	n.logger.Info("starting checkpoint", zap.Uint64("seq", n.State.SeqNum))
	return n.broadcastPbftMessage(n.State.SeqNum, Checkpoint, PbftBlock{})
}

// RetryBacklog pops one peer message and, if idle, one block from the
// backlogs and redispatches them.
func (n *Node) RetryBacklog() *Error {
	var peerErr *Error
	if msg, ok := n.Log.PopBacklog(); ok {
		n.logger.Debug("popping from backlog", zap.String("type", msg.MessageType))
		n.metrics.ObserveBacklogDepth("peer", len(n.Log.peerBacklog))
		peerErr = n.OnPeerMessage(msg)
	}
	if n.State.Mode == Normal && n.State.Phase == NotStarted {
		if b, ok := n.Log.PopBlockBacklog(); ok {
			n.logger.Debug("popping BlockNew from backlog")
			n.metrics.ObserveBacklogDepth("block", len(n.Log.blockBacklog))
			if err := n.OnBlockNew(b); err != nil {
				return err
			}
		}
	}
	return peerErr
}

// StartViewChange initiates a view change, idempotent once already
// ViewChanging.
func (n *Node) StartViewChange() *Error {
	if n.State.Mode == ViewChanging {
		return nil
	}
	n.logger.Warn("starting view change", zap.Uint64("from_view", n.State.View))
	n.State.Mode = ViewChanging

	var stableSeq uint64
	var checkpointMsgs []PbftMessage
	if cp := n.Log.LatestStableCheckpoint(); cp != nil {
		stableSeq = cp.SeqNum
		checkpointMsgs = cp.CheckpointMessages
	}

	info := makeMsgInfo(ViewChange, n.State.View+1, stableSeq, n.State.PeerID)
	vc := ViewChange{Info: info, CheckpointMessages: checkpointMsgs}

	msgBytes, err := n.codec.EncodeViewChange(vc)
	if err != nil {
		return errSerialization(err.Error())
	}
	return n.broadcastRaw(ViewChange, msgBytes)
}

// ---------- Not-ready verdict machinery (§4.1.1) ----------

type verdict int

const (
	verdictProceed verdict = iota
	verdictAddToLog
	verdictPushToBacklog
)

// handleMulticastVerdict implements the §4.1.1 not-ready table for
// PrePrepare/Prepare/Commit.
func (n *Node) handleMulticastVerdict(m PbftMessage) verdict {
	local := n.State.SeqNum
	switch {
	case m.Info.SeqNum > local:
		return verdictPushToBacklog
	case m.Info.SeqNum == local:
		if n.State.WorkingBlock.IsNone() {
			return verdictAddToLog
		}
		expected := n.State.CheckMsgType()
		switch {
		case m.Info.MsgType < expected:
			return verdictAddToLog
		case m.Info.MsgType > expected:
			return verdictPushToBacklog
		default:
			return verdictProceed
		}
	default: // m.Info.SeqNum < local
		return verdictAddToLog
	}
}

// applyVerdict applies v for a multicast message, unless overridden.
// Returns a soft NotReadyForMessage error when processing should stop here.
func (n *Node) applyVerdict(v verdict, raw PeerMessage, parsed PbftMessage) *Error {
	switch v {
	case verdictPushToBacklog:
		n.Log.PushBacklog(raw)
		n.metrics.ObserveBacklogDepth("peer", len(n.Log.peerBacklog))
		return errNotReady()
	case verdictAddToLog:
		n.Log.AddMessage(parsed)
		n.metrics.ObserveMessageLogged(parsed.Info.MsgType.String())
		return errNotReady()
	default:
		return nil
	}
}

// dispatchPrePrepare overrides the not-ready verdict to Proceed when the
// incoming block matches our tentative working block at seq_num+1.
func (n *Node) dispatchPrePrepare(raw PeerMessage, m PbftMessage, v verdict) *Error {
	ignoreNotReady := false
	if n.State.WorkingBlock.Kind == TentativeWorkingBlock {
		if n.State.WorkingBlock.BlockID == m.Block.BlockID && m.Info.SeqNum == n.State.SeqNum+1 {
			ignoreNotReady = true
		}
	}

	if !ignoreNotReady {
		if err := n.applyVerdict(v, raw, m); err != nil {
			return err
		}
	}

	if err := n.handlePrePrepare(m); err != nil {
		return err
	}

	// Logging here (not inside applyVerdict) matches the self-broadcast
	// re-entrancy in the reference implementation: the log add must happen
	// after _handle_pre_prepare validates the message but before the
	// broadcast of Prepare re-enters OnPeerMessage.
	n.Log.AddMessage(m)
	n.metrics.ObserveMessageLogged(PrePrepare.String())
	n.State.SwitchPhase(Preparing)
	n.metrics.ObservePhase(n.State.Phase.String())

	n.logger.Info("PrePrepare", zap.Uint64("seq", m.Info.SeqNum))

	return n.broadcastPbftMessage(m.Info.SeqNum, Prepare, m.Block)
}

func (n *Node) dispatchPrepare(raw PeerMessage, m PbftMessage, v verdict) *Error {
	if err := n.applyVerdict(v, raw, m); err != nil {
		return err
	}

	n.Log.AddMessage(m)
	n.metrics.ObserveMessageLogged(Prepare.String())

	if err := n.Log.Prepared(m, n.State.F); err != nil {
		return err
	}

	if n.State.Phase != Checking {
		n.State.SwitchPhase(Checking)
		n.metrics.ObservePhase(n.State.Phase.String())
		n.logger.Debug("checking blocks")
		if err := n.svc.CheckBlocks(context.Background(), []BlockID{m.Block.BlockID}); err != nil {
			return errInternal("failed to check blocks")
		}
	}
	return nil
}

func (n *Node) dispatchCommit(raw PeerMessage, m PbftMessage, v verdict) *Error {
	if err := n.applyVerdict(v, raw, m); err != nil {
		return err
	}

	n.Log.AddMessage(m)
	n.metrics.ObserveMessageLogged(Commit.String())

	if err := n.Log.Committed(m, n.State.F); err != nil {
		return err
	}

	if n.State.Phase != Committing {
		n.logger.Debug("already committed block", zap.String("block_id", string(m.Block.BlockID)))
		return nil
	}

	working := n.State.WorkingBlock
	if working.Kind != AcceptedWorkingBlock {
		return errNoWorkingBlock()
	}

	n.State.SwitchPhase(Finished)
	n.metrics.ObservePhase(n.State.Phase.String())

	if m.Block.BlockID != working.Block.BlockID || m.Block.BlockNum < working.Block.BlockNum {
		n.logger.Warn("not committing block", zap.String("block_id", string(m.Block.BlockID)))
		return errBlockMismatch(m.Block, working.Block)
	}

	head, err := n.svc.GetChainHead()
	if err != nil {
		return errInternal("get chain head: " + err.Error())
	}
	blocks, err := n.svc.GetBlocks([]BlockID{m.Block.BlockID})
	if err != nil {
		return errInternal("get blocks: " + err.Error())
	}
	curBlock, ok := blocks[m.Block.BlockID]
	if !ok {
		return errWrongNumBlocks()
	}
	if curBlock.PreviousID != head.BlockID {
		n.logger.Warn("not committing block but pushing to backlog", zap.String("block_id", string(m.Block.BlockID)))
		n.Log.PushBacklog(raw)
		n.metrics.ObserveBacklogDepth("peer", len(n.Log.peerBacklog))
		return errBlockMismatch(m.Block, working.Block)
	}

	n.logger.Warn("committing block", zap.Uint64("block_num", m.Block.BlockNum), zap.String("block_id", string(m.Block.BlockID)))
	if err := n.svc.CommitBlock(m.Block.BlockID); err != nil {
		return errInternal("failed to commit block")
	}
	n.State.WorkingBlock = WorkingBlock{Kind: NoWorkingBlock}
	return nil
}

func (n *Node) dispatchCheckpoint(raw PeerMessage) *Error {
	m, err := n.codec.DecodeMessage(raw.Content)
	if err != nil {
		return errSerialization(err.Error())
	}

	if n.Log.LatestCheckpointSeqNum() >= m.Info.SeqNum && n.Log.LatestStableCheckpoint() != nil {
		n.logger.Debug("already at a stable checkpoint with this sequence number or past it")
		return nil
	}

	n.Log.AddMessage(m)
	n.metrics.ObserveMessageLogged(Checkpoint.String())
	return n.handleCheckpoint(m)
}

func (n *Node) dispatchViewChange(raw PeerMessage) *Error {
	vc, err := n.codec.DecodeViewChange(raw.Content)
	if err != nil {
		return errSerialization(err.Error())
	}

	n.Log.AddViewChange(vc)

	if n.State.Mode != ViewChanging {
		if n.Log.CheckViewChangeQuorum(vc.Info.View, n.State.F+1) == nil && vc.Info.View > n.State.View {
			n.logger.Warn("starting ViewChange from a ViewChange message")
			if err := n.StartViewChange(); err != nil {
				return err
			}
		} else {
			return nil
		}
	}

	return n.handleViewChange(vc)
}

// ---------- §4.1.2-4.1.5 handlers ----------

// handlePrePrepare validates and accepts a PrePrepare (§4.1.2).
func (n *Node) handlePrePrepare(m PbftMessage) *Error {
	info := m.Info

	if info.View != n.State.View {
		return errViewMismatch(info.View, n.State.View)
	}

	existing := n.Log.GetMessagesOfType(PrePrepare, info.SeqNum, info.View)
	if len(existing) != 0 {
		return errMessageExists(PrePrepare)
	}

	if n.State.IsPrimary() {
		blockNewMsgs := n.Log.GetMessagesOfType(BlockNew, info.SeqNum, info.View)
		if len(blockNewMsgs) != 1 {
			return errWrongNumMessages(BlockNew, 1, len(blockNewMsgs))
		}
		if !blockEqual(blockNewMsgs[0].Block, m.Block) {
			return errBlockMismatch(blockNewMsgs[0].Block, m.Block)
		}
	} else {
		n.State.SeqNum = info.SeqNum
		numUpdated := n.Log.FixSeqNums(BlockNew, info.SeqNum, info.View, m.Block)
		n.logger.Debug("updated BlockNew messages", zap.Int("count", numUpdated), zap.Uint64("seq", info.SeqNum))
		if numUpdated < 1 {
			return errWrongNumMessages(BlockNew, 1, numUpdated)
		}
	}

	n.State.WorkingBlock = WorkingBlock{Kind: AcceptedWorkingBlock, Block: m.Block, BlockID: m.Block.BlockID}
	return nil
}

// handleCheckpoint implements §4.1.4.
func (n *Node) handleCheckpoint(m PbftMessage) *Error {
	if !n.State.IsPrimary() && n.State.Mode != Checkpointing {
		n.State.PreCheckpointMode = n.State.Mode
		n.State.Mode = Checkpointing
		if err := n.broadcastPbftMessage(m.Info.SeqNum, Checkpoint, PbftBlock{}); err != nil {
			return err
		}
	}

	if n.State.Mode == Checkpointing {
		if err := n.Log.CheckMsgAgainstLog(m, true, 2*n.State.F+1); err != nil {
			return err
		}
		n.logger.Warn("reached stable checkpoint; garbage collecting logs", zap.Uint64("seq", m.Info.SeqNum))
		n.Log.GarbageCollect(m.Info.SeqNum, m.Info.View)
		n.metrics.ObserveCheckpointStable()
		n.State.Mode = n.State.PreCheckpointMode
	}
	return nil
}

// handleViewChange implements §4.1.5.
func (n *Node) handleViewChange(vc ViewChange) *Error {
	if err := n.Log.CheckViewChangeQuorum(vc.Info.View, 2*n.State.F+1); err != nil {
		return err
	}

	n.State.View = vc.Info.View
	n.metrics.ObserveView(n.State.View)
	n.metrics.ObserveViewChange()
	n.logger.Warn("updating view", zap.Uint64("view", n.State.View))

	if n.State.PeerID == n.State.PrimaryPeerID() {
		n.State.UpgradeRole()
		n.logger.Warn("I'm now primary")

		if err := n.svc.CancelBlock(); err != nil {
			n.logger.Warn("couldn't cancel block", zap.Error(err))
		}

		switch n.State.WorkingBlock.Kind {
		case AcceptedWorkingBlock:
			if err := n.svc.IgnoreBlock(n.State.WorkingBlock.Block.BlockID); err != nil {
				n.logger.Error("couldn't ignore block", zap.Error(err))
			}
		case TentativeWorkingBlock:
			if err := n.svc.IgnoreBlock(n.State.WorkingBlock.BlockID); err != nil {
				n.logger.Error("couldn't ignore block", zap.Error(err))
			}
		}

		n.logger.Info("initializing block")
		if err := n.svc.InitializeBlock(nil); err != nil {
			n.logger.Error("couldn't initialize block", zap.Error(err))
		}
	} else {
		n.logger.Warn("I'm now secondary")
		n.State.DowngradeRole()
	}

	n.State.WorkingBlock = WorkingBlock{Kind: NoWorkingBlock}
	n.State.SwitchPhase(NotStarted)
	n.metrics.ObservePhase(n.State.Phase.String())
	n.State.Mode = Normal
	n.State.Timeout.Stop()
	n.logger.Warn("entered normal mode in new view", zap.Uint64("view", n.State.View))
	return nil
}

// ---------- Communication helpers ----------

// broadcastPbftMessage encodes and broadcasts a PbftMessage of msgType,
// unless msgType is multicast and doesn't match what phase currently
// expects (matching the reference implementation's guard).
func (n *Node) broadcastPbftMessage(seqNum uint64, msgType MessageType, block PbftBlock) *Error {
	expected := n.State.CheckMsgType()
	if msgType.IsMulticast() && msgType != expected {
		return nil
	}

	info := makeMsgInfo(msgType, n.State.View, seqNum, n.State.PeerID)
	msg := PbftMessage{Info: info, Block: block}
	msgBytes, err := n.codec.EncodeMessage(msg)
	if err != nil {
		return errSerialization(err.Error())
	}
	return n.broadcastRaw(msgType, msgBytes)
}

// broadcastRaw broadcasts to peers via the service and self-delivers by
// re-entering OnPeerMessage, per the cyclic service<->node design (§9).
func (n *Node) broadcastRaw(msgType MessageType, msgBytes []byte) *Error {
	n.logger.Debug("broadcasting", zap.Stringer("type", msgType))
	if err := n.svc.Broadcast(msgType.String(), msgBytes); err != nil {
		n.logger.Error("couldn't broadcast", zap.Error(err))
	}

	peerMsg := PeerMessage{MessageType: msgType.String(), Content: msgBytes}
	return n.OnPeerMessage(peerMsg)
}
