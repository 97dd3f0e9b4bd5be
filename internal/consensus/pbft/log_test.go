package pbft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePrePrepare(view, seq uint64, signer PeerID, block PbftBlock) PbftMessage {
	return PbftMessage{Info: makeMsgInfo(PrePrepare, view, seq, signer), Block: block}
}

func samplePrepare(view, seq uint64, signer PeerID, block PbftBlock) PbftMessage {
	return PbftMessage{Info: makeMsgInfo(Prepare, view, seq, signer), Block: block}
}

func sampleCommit(view, seq uint64, signer PeerID, block PbftBlock) PbftMessage {
	return PbftMessage{Info: makeMsgInfo(Commit, view, seq, signer), Block: block}
}

func TestPrepared_RequiresExactlyOnePrePrepareAndQuorumOfPrepares(t *testing.T) {
	l := NewLog(0, 1000)
	block := PbftBlock{BlockID: "b1", BlockNum: 1}
	f := 1
	required := samplePrepare(0, 1, "peer-0", block)

	err := l.Prepared(required, f)
	require.NotNil(t, err)
	require.Equal(t, WrongNumMessages, err.Kind)
	require.Equal(t, PrePrepare, err.MsgType)

	l.AddMessage(samplePrePrepare(0, 1, "peer-0", block))
	err = l.Prepared(required, f)
	require.NotNil(t, err)
	require.Equal(t, Prepare, err.MsgType)

	l.AddMessage(samplePrepare(0, 1, "peer-0", block))
	l.AddMessage(samplePrepare(0, 1, "peer-1", block))
	require.NotNil(t, l.Prepared(required, f), "only 2 of 2f+1=3 prepares logged")

	l.AddMessage(samplePrepare(0, 1, "peer-2", block))
	require.Nil(t, l.Prepared(required, f))
}

func TestCommitted_RequiresPreparedThenQuorumOfCommits(t *testing.T) {
	l := NewLog(0, 1000)
	block := PbftBlock{BlockID: "b1", BlockNum: 1}
	f := 1

	l.AddMessage(samplePrePrepare(0, 1, "peer-0", block))
	l.AddMessage(samplePrepare(0, 1, "peer-0", block))
	l.AddMessage(samplePrepare(0, 1, "peer-1", block))
	l.AddMessage(samplePrepare(0, 1, "peer-2", block))

	commit := sampleCommit(0, 1, "peer-0", block)
	require.NotNil(t, l.Committed(commit, f), "no commits logged yet")

	l.AddMessage(sampleCommit(0, 1, "peer-0", block))
	l.AddMessage(sampleCommit(0, 1, "peer-1", block))
	require.NotNil(t, l.Committed(commit, f))

	l.AddMessage(sampleCommit(0, 1, "peer-2", block))
	require.Nil(t, l.Committed(commit, f))
}

func TestFixSeqNums_RewritesMatchingBlockMessages(t *testing.T) {
	l := NewLog(0, 1000)
	block := PbftBlock{BlockID: "b1", BlockNum: 1}
	l.AddMessage(PbftMessage{Info: makeMsgInfo(BlockNew, 0, 0, "peer-1"), Block: block})

	n := l.FixSeqNums(BlockNew, 5, 0, block)
	require.Equal(t, 1, n)

	msgs := l.GetMessagesOfType(BlockNew, 5, 0)
	require.Len(t, msgs, 1)
	require.Equal(t, uint64(5), msgs[0].Info.SeqNum)

	require.Empty(t, l.GetMessagesOfType(BlockNew, 0, 0))
}

func TestGarbageCollect_DropsOldMessagesAndStabilizesCheckpoint(t *testing.T) {
	l := NewLog(2, 1000)
	block := PbftBlock{BlockID: "b1", BlockNum: 1}

	l.AddMessage(samplePrePrepare(0, 1, "peer-0", block))
	l.AddMessage(samplePrepare(0, 1, "peer-0", block))
	l.AddMessage(PbftMessage{Info: makeMsgInfo(Checkpoint, 0, 2, "peer-0")})
	l.AddMessage(PbftMessage{Info: makeMsgInfo(Checkpoint, 0, 2, "peer-1")})

	require.Nil(t, l.LatestStableCheckpoint())

	l.GarbageCollect(2, 0)

	cp := l.LatestStableCheckpoint()
	require.NotNil(t, cp)
	require.Equal(t, uint64(2), cp.SeqNum)
	require.Len(t, cp.CheckpointMessages, 2)

	require.Empty(t, l.GetMessagesOfType(PrePrepare, 1, 0), "seq 1 messages dropped below stable checkpoint")
}

func TestAtCheckpoint(t *testing.T) {
	l := NewLog(3, 1000)
	require.False(t, l.AtCheckpoint(0))
	require.False(t, l.AtCheckpoint(1))
	require.False(t, l.AtCheckpoint(2))
	require.True(t, l.AtCheckpoint(3))
	require.True(t, l.AtCheckpoint(6))

	zeroPeriod := NewLog(0, 1000)
	require.False(t, zeroPeriod.AtCheckpoint(3))
}

func TestPeerAndBlockBacklogFIFO(t *testing.T) {
	l := NewLog(0, 1000)

	_, ok := l.PopBacklog()
	require.False(t, ok)

	l.PushBacklog(PeerMessage{MessageType: "Prepare", Content: []byte("1")})
	l.PushBacklog(PeerMessage{MessageType: "Prepare", Content: []byte("2")})
	first, ok := l.PopBacklog()
	require.True(t, ok)
	require.Equal(t, []byte("1"), first.Content)
	second, ok := l.PopBacklog()
	require.True(t, ok)
	require.Equal(t, []byte("2"), second.Content)
	_, ok = l.PopBacklog()
	require.False(t, ok)

	l.PushBlockBacklog(Block{BlockID: "b1"})
	b, ok := l.PopBlockBacklog()
	require.True(t, ok)
	require.Equal(t, BlockID("b1"), b.BlockID)
}

func TestCheckViewChangeQuorum(t *testing.T) {
	l := NewLog(0, 1000)
	require.NotNil(t, l.CheckViewChangeQuorum(1, 3))

	l.AddViewChange(ViewChange{Info: makeMsgInfo(ViewChange, 1, 0, "peer-0")})
	l.AddViewChange(ViewChange{Info: makeMsgInfo(ViewChange, 1, 0, "peer-1")})
	require.NotNil(t, l.CheckViewChangeQuorum(1, 3))

	l.AddViewChange(ViewChange{Info: makeMsgInfo(ViewChange, 1, 0, "peer-2")})
	require.Nil(t, l.CheckViewChangeQuorum(1, 3))
}
