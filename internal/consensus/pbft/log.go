package pbft

// StableCheckpoint is a node's proof of the latest sequence number for
// which 2f+1 matching Checkpoint messages were observed.
type StableCheckpoint struct {
	SeqNum             uint64
	CheckpointMessages []PbftMessage
}

// Log holds logged PbftMessages, ViewChange messages, the peer and block
// backlogs, and checkpoint state. A flat map keyed by (type, view, seq_num,
// signer_id) is sufficient: each quorum scan walks every logged message, and
// garbage collection at each stable checkpoint keeps that set small.
// maxLogSize is stored but not enforced; the log never drops or refuses a
// message because of it.
type Log struct {
	messages     map[messageKey]PbftMessage
	viewChanges  map[uint64]map[PeerID]ViewChange

	peerBacklog  []PeerMessage
	blockBacklog []Block

	latestStableCheckpoint *StableCheckpoint

	checkpointPeriod uint64
	maxLogSize       int
}

// NewLog constructs an empty log. checkpointPeriod and maxLogSize come from
// the node's configuration (§6 recognized options).
func NewLog(checkpointPeriod uint64, maxLogSize int) *Log {
	return &Log{
		messages:         make(map[messageKey]PbftMessage),
		viewChanges:      make(map[uint64]map[PeerID]ViewChange),
		checkpointPeriod: checkpointPeriod,
		maxLogSize:       maxLogSize,
	}
}

// AddMessage logs m, keyed by (type, view, seq_num, signer_id).
func (l *Log) AddMessage(m PbftMessage) {
	l.messages[keyOf(m)] = m
}

// AddViewChange stores a ViewChange message, indexed by view for quorum
// queries.
func (l *Log) AddViewChange(vc ViewChange) {
	byPeer, ok := l.viewChanges[vc.Info.View]
	if !ok {
		byPeer = make(map[PeerID]ViewChange)
		l.viewChanges[vc.Info.View] = byPeer
	}
	byPeer[vc.Info.SignerID] = vc
}

// GetMessagesOfType returns all logged messages of the given type at
// (view, seqNum), across all signers.
func (l *Log) GetMessagesOfType(t MessageType, seqNum, view uint64) []PbftMessage {
	var out []PbftMessage
	for k, m := range l.messages {
		if k.msgType == t && k.seqNum == seqNum && k.view == view {
			out = append(out, m)
		}
	}
	return out
}

func blockEqual(a, b PbftBlock) bool {
	return a.BlockID == b.BlockID && a.SignerID == b.SignerID &&
		a.BlockNum == b.BlockNum && string(a.Summary) == string(b.Summary)
}

// Prepared implements the prepared(m, f) predicate: exactly one logged
// PrePrepare at (view, seq_num) referencing the same block, and at least
// 2f+1 distinct-signer Prepare messages matching (view, seq_num, block).
func (l *Log) Prepared(m PbftMessage, f int) *Error {
	prePrepares := l.GetMessagesOfType(PrePrepare, m.Info.SeqNum, m.Info.View)
	matching := 0
	for _, pp := range prePrepares {
		if blockEqual(pp.Block, m.Block) {
			matching++
		}
	}
	if matching != 1 {
		return errWrongNumMessages(PrePrepare, 1, matching)
	}

	count := l.countMatching(Prepare, m.Info.View, m.Info.SeqNum, m.Block)
	required := 2*f + 1
	if count < required {
		return errWrongNumMessages(Prepare, required, count)
	}
	return nil
}

// Committed implements the committed(m, f) predicate: Prepared holds, plus
// at least 2f+1 distinct-signer Commit messages matching (view, seq_num,
// block).
func (l *Log) Committed(m PbftMessage, f int) *Error {
	if err := l.Prepared(m, f); err != nil {
		return err
	}
	count := l.countMatching(Commit, m.Info.View, m.Info.SeqNum, m.Block)
	required := 2*f + 1
	if count < required {
		return errWrongNumMessages(Commit, required, count)
	}
	return nil
}

func (l *Log) countMatching(t MessageType, view, seqNum uint64, block PbftBlock) int {
	seen := make(map[PeerID]bool)
	for k, m := range l.messages {
		if k.msgType == t && k.view == view && k.seqNum == seqNum && blockEqual(m.Block, block) {
			seen[k.signerID] = true
		}
	}
	return len(seen)
}

// CheckMsgAgainstLog is the generic quorum counter used for Checkpoint: it
// counts distinct signers of logged PbftMessages matching m's (type, view,
// seq_num) and fails with WrongNumMessages if fewer than requiredCount are
// present. Signers are always counted once each, whatever
// requireDistinctSigners says. ViewChange messages are not in this map;
// their quorum is checked by CheckViewChangeQuorum.
func (l *Log) CheckMsgAgainstLog(m PbftMessage, requireDistinctSigners bool, requiredCount int) *Error {
	count := l.countMatchingByInfo(m.Info)
	if count < requiredCount {
		return errWrongNumMessages(m.Info.MsgType, requiredCount, count)
	}
	return nil
}

func (l *Log) countMatchingByInfo(info MessageInfo) int {
	seen := make(map[PeerID]bool)
	for k := range l.messages {
		if k.msgType == info.MsgType && k.view == info.View && k.seqNum == info.SeqNum {
			seen[k.signerID] = true
		}
	}
	return len(seen)
}

// CheckViewChangeQuorum counts distinct signers of logged ViewChange
// messages for the given view.
func (l *Log) CheckViewChangeQuorum(view uint64, requiredCount int) *Error {
	count := len(l.viewChanges[view])
	if count < requiredCount {
		return errWrongNumMessages(ViewChange, requiredCount, count)
	}
	return nil
}

// FixSeqNums rewrites every logged message of type t whose block matches
// block to carry (view, seq). Returns the number rewritten. Used when a
// secondary learns the canonical seq_num from the primary's PrePrepare.
func (l *Log) FixSeqNums(t MessageType, seq, view uint64, block PbftBlock) int {
	var toRewrite []messageKey
	for k, m := range l.messages {
		if k.msgType == t && blockEqual(m.Block, block) {
			toRewrite = append(toRewrite, k)
		}
	}
	for _, k := range toRewrite {
		m := l.messages[k]
		delete(l.messages, k)
		m.Info.SeqNum = seq
		m.Info.View = view
		l.messages[keyOf(m)] = m
	}
	return len(toRewrite)
}

// GarbageCollect drops every logged message with seq_num < seq that is not
// part of the stable-checkpoint proof, and promotes that proof to
// LatestStableCheckpoint.
func (l *Log) GarbageCollect(seq, view uint64) {
	proof := l.GetMessagesOfType(Checkpoint, seq, view)
	l.latestStableCheckpoint = &StableCheckpoint{SeqNum: seq, CheckpointMessages: proof}

	for k := range l.messages {
		if k.seqNum < seq {
			delete(l.messages, k)
		}
	}
}

// LatestStableCheckpoint returns the current stable checkpoint proof, or
// nil if none has stabilized yet.
func (l *Log) LatestStableCheckpoint() *StableCheckpoint { return l.latestStableCheckpoint }

// LatestCheckpointSeqNum returns the stable checkpoint's seq_num, or 0 if
// none exists yet.
func (l *Log) LatestCheckpointSeqNum() uint64 {
	if l.latestStableCheckpoint == nil {
		return 0
	}
	return l.latestStableCheckpoint.SeqNum
}

// AtCheckpoint reports whether seqNum (the most recently committed
// sequence number) lands on a checkpoint boundary.
func (l *Log) AtCheckpoint(seqNum uint64) bool {
	if l.checkpointPeriod == 0 {
		return false
	}
	return seqNum != 0 && seqNum%l.checkpointPeriod == 0
}

// PushBacklog enqueues a raw peer message for later retry.
func (l *Log) PushBacklog(msg PeerMessage) { l.peerBacklog = append(l.peerBacklog, msg) }

// PopBacklog dequeues the oldest backlogged peer message, if any.
func (l *Log) PopBacklog() (PeerMessage, bool) {
	if len(l.peerBacklog) == 0 {
		return PeerMessage{}, false
	}
	msg := l.peerBacklog[0]
	l.peerBacklog = l.peerBacklog[1:]
	return msg, true
}

// PushBlockBacklog enqueues a host-delivered block not yet admissible.
func (l *Log) PushBlockBacklog(b Block) { l.blockBacklog = append(l.blockBacklog, b) }

// PopBlockBacklog dequeues the oldest backlogged block, if any.
func (l *Log) PopBlockBacklog() (Block, bool) {
	if len(l.blockBacklog) == 0 {
		return Block{}, false
	}
	b := l.blockBacklog[0]
	l.blockBacklog = l.blockBacklog[1:]
	return b, true
}

// Size reports the number of logged PbftMessages, for max_log_size
// enforcement by callers that wish to force an early checkpoint.
func (l *Log) Size() int { return len(l.messages) }
