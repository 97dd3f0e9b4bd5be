package pbft

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeAdapter is a hand-controlled Service double, in the spirit of the
// original Rust test suite's MockService: every return value is exactly
// what the test wired up, nothing is inferred.
type fakeAdapter struct {
	blocks map[BlockID]Block
	head   Block

	broadcasts      []PeerMessage
	committed       []BlockID
	cancelCalls     int
	ignored         []BlockID
	initializeCalls []*BlockID
}

func newFakeAdapter(head Block, known ...Block) *fakeAdapter {
	a := &fakeAdapter{blocks: make(map[BlockID]Block), head: head}
	for _, b := range known {
		a.blocks[b.BlockID] = b
	}
	return a
}

func (a *fakeAdapter) SendTo(PeerID, string, []byte) error { return nil }
func (a *fakeAdapter) Broadcast(msgType string, payload []byte) error {
	a.broadcasts = append(a.broadcasts, PeerMessage{MessageType: msgType, Content: payload})
	return nil
}
func (a *fakeAdapter) InitializeBlock(previous *BlockID) error {
	a.initializeCalls = append(a.initializeCalls, previous)
	return nil
}
func (a *fakeAdapter) SummarizeBlock() ([]byte, error)            { return []byte("summary"), nil }
func (a *fakeAdapter) FinalizeBlock(data []byte) (BlockID, error) { return "", ErrBlockNotReady }
func (a *fakeAdapter) CancelBlock() error                         { a.cancelCalls++; return nil }
func (a *fakeAdapter) CheckBlocks(context.Context, []BlockID) error { return nil }
func (a *fakeAdapter) CommitBlock(id BlockID) error {
	a.committed = append(a.committed, id)
	return nil
}
func (a *fakeAdapter) IgnoreBlock(id BlockID) error { a.ignored = append(a.ignored, id); return nil }
func (a *fakeAdapter) FailBlock(BlockID) error      { return nil }
func (a *fakeAdapter) GetBlocks(ids []BlockID) (map[BlockID]Block, error) {
	out := make(map[BlockID]Block, len(ids))
	for _, id := range ids {
		if b, ok := a.blocks[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}
func (a *fakeAdapter) GetChainHead() (Block, error) { return a.head, nil }
func (a *fakeAdapter) GetSettings(BlockID, []string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (a *fakeAdapter) GetState(BlockID, []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

// fakeCodec round-trips via encoding/gob. It exists only so these tests
// don't need to import the real wire codec (which itself imports this
// package) to drive Node through OnPeerMessage.
type fakeCodec struct{}

func (fakeCodec) EncodeMessage(m PbftMessage) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes(), err
}
func (fakeCodec) DecodeMessage(b []byte) (PbftMessage, error) {
	var m PbftMessage
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return m, err
}
func (fakeCodec) EncodeViewChange(vc ViewChange) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(vc)
	return buf.Bytes(), err
}
func (fakeCodec) DecodeViewChange(b []byte) (ViewChange, error) {
	var vc ViewChange
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&vc)
	return vc, err
}

func testRoster() []PeerID { return []PeerID{"peer-0", "peer-1", "peer-2", "peer-3"} }

func newTestNode(t *testing.T, id NodeID, peerID PeerID, svc Service) *Node {
	t.Helper()
	cfg := Config{
		ID:                id,
		PeerID:            peerID,
		Roster:            testRoster(),
		ViewChangeTimeout: time.Second,
		CheckpointPeriod:  2,
		MaxLogSize:        1000,
	}
	return NewNode(cfg, svc, fakeCodec{}, zaptest.NewLogger(t), nil)
}

func peerMsg(t *testing.T, codec Codec, info MessageInfo, block PbftBlock) PeerMessage {
	t.Helper()
	content, err := codec.EncodeMessage(PbftMessage{Info: info, Block: block})
	require.NoError(t, err)
	return PeerMessage{MessageType: info.MsgType.String(), Content: content}
}

// TestPrimaryFullRound_PrePrepareThroughCommit drives a single primary node
// through an entire consensus round, feeding it hand-crafted Prepare and
// Commit messages standing in for two peers (the node's own self-delivered
// message supplies the third vote of each 2f+1=3 quorum), matching the original
// reference implementation's multicast_protocol test.
func TestPrimaryFullRound_PrePrepareThroughCommit(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	block1 := Block{BlockID: "block-1", PreviousID: "genesis", BlockNum: 1}
	adapter := newFakeAdapter(genesis, block1)
	node := newTestNode(t, 0, "peer-0", adapter)
	require.True(t, node.State.IsPrimary())

	err := node.OnBlockNew(block1)
	require.NotNil(t, err)
	require.True(t, err.IsSoft())
	require.Equal(t, Preparing, node.State.Phase)
	require.Equal(t, AcceptedWorkingBlock, node.State.WorkingBlock.Kind)

	pbftBlock1 := pbftBlockFromBlock(block1)

	err = node.OnPeerMessage(peerMsg(t, fakeCodec{}, makeMsgInfo(Prepare, 0, 1, "peer-1"), pbftBlock1))
	require.NotNil(t, err)
	require.True(t, err.IsSoft())

	err = node.OnPeerMessage(peerMsg(t, fakeCodec{}, makeMsgInfo(Prepare, 0, 1, "peer-2"), pbftBlock1))
	require.Nil(t, err)
	require.Equal(t, Checking, node.State.Phase)

	err = node.OnBlockValid(block1.BlockID)
	require.NotNil(t, err)
	require.True(t, err.IsSoft())
	require.Equal(t, Committing, node.State.Phase)

	err = node.OnPeerMessage(peerMsg(t, fakeCodec{}, makeMsgInfo(Commit, 0, 1, "peer-1"), pbftBlock1))
	require.NotNil(t, err)
	require.True(t, err.IsSoft())

	err = node.OnPeerMessage(peerMsg(t, fakeCodec{}, makeMsgInfo(Commit, 0, 1, "peer-2"), pbftBlock1))
	require.Nil(t, err)
	require.Equal(t, Finished, node.State.Phase)
	require.Equal(t, []BlockID{"block-1"}, adapter.committed)

	err = node.OnBlockCommit(block1.BlockID)
	require.Nil(t, err)
	require.Equal(t, NotStarted, node.State.Phase)
	require.Len(t, adapter.initializeCalls, 2, "once at construction, once after commit")
}

func TestOnBlockNew_FutureBlockGoesToBacklog(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	adapter := newFakeAdapter(genesis)
	node := newTestNode(t, 0, "peer-0", adapter)

	future := Block{BlockID: "block-5", PreviousID: "block-4", BlockNum: 5}
	err := node.OnBlockNew(future)
	require.Nil(t, err)
	require.Equal(t, NotStarted, node.State.Phase, "not admitted, so phase never advances")

	b, ok := node.Log.PopBlockBacklog()
	require.True(t, ok)
	require.Equal(t, future.BlockID, b.BlockID)
}

func TestOnBlockNew_SecondaryLogsWithoutBroadcasting(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	block1 := Block{BlockID: "block-1", PreviousID: "genesis", BlockNum: 1}
	adapter := newFakeAdapter(genesis, block1)
	node := newTestNode(t, 1, "peer-1", adapter)
	require.False(t, node.State.IsPrimary())

	err := node.OnBlockNew(block1)
	require.Nil(t, err)
	require.Equal(t, PrePreparing, node.State.Phase)
	require.Empty(t, adapter.broadcasts, "secondaries never broadcast on BlockNew")

	msgs := node.Log.GetMessagesOfType(BlockNew, 0, 0)
	require.Len(t, msgs, 1, "secondary logs its provisional BlockNew at seq 0")
}

func TestCheckpoint_StabilizesAfterQuorum(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	adapter := newFakeAdapter(genesis)
	node := newTestNode(t, 0, "peer-0", adapter)
	node.State.SeqNum = 2

	err := node.StartCheckpoint()
	require.NotNil(t, err)
	require.True(t, err.IsSoft())
	require.Equal(t, Checkpointing, node.State.Mode)
	require.Nil(t, node.Log.LatestStableCheckpoint())

	info := makeMsgInfo(Checkpoint, 0, 2, "peer-1")
	err = node.OnPeerMessage(peerMsg(t, fakeCodec{}, info, PbftBlock{}))
	require.NotNil(t, err)
	require.True(t, err.IsSoft())

	info2 := makeMsgInfo(Checkpoint, 0, 2, "peer-2")
	err = node.OnPeerMessage(peerMsg(t, fakeCodec{}, info2, PbftBlock{}))
	require.Nil(t, err)

	cp := node.Log.LatestStableCheckpoint()
	require.NotNil(t, cp)
	require.Equal(t, uint64(2), cp.SeqNum)
	require.Equal(t, Normal, node.State.Mode)
}

func TestStartViewChange_IdempotentOnSecondCall(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	adapter := newFakeAdapter(genesis)
	node := newTestNode(t, 0, "peer-0", adapter)

	err := node.StartViewChange()
	require.NotNil(t, err)
	require.True(t, err.IsSoft())
	require.Equal(t, ViewChanging, node.State.Mode)

	broadcastsBefore := len(adapter.broadcasts)
	err = node.StartViewChange()
	require.Nil(t, err)
	require.Equal(t, broadcastsBefore, len(adapter.broadcasts), "idempotent: no second broadcast")
}

func TestViewChange_QuorumPromotesNewPrimary(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	adapter := newFakeAdapter(genesis)
	// peer-1 is primary for view 1 (roster[1 % 4] == "peer-1"), so this node
	// should be promoted once the view change lands.
	node := newTestNode(t, 1, "peer-1", adapter)
	require.False(t, node.State.IsPrimary())

	err := node.StartViewChange()
	require.NotNil(t, err)
	require.True(t, err.IsSoft())

	vc2 := ViewChange{Info: makeMsgInfo(ViewChange, 1, 0, "peer-2")}
	content, encErr := fakeCodec{}.EncodeViewChange(vc2)
	require.NoError(t, encErr)
	err = node.OnPeerMessage(PeerMessage{MessageType: "ViewChange", Content: content})
	require.NotNil(t, err)
	require.True(t, err.IsSoft())

	vc3 := ViewChange{Info: makeMsgInfo(ViewChange, 1, 0, "peer-3")}
	content3, encErr := fakeCodec{}.EncodeViewChange(vc3)
	require.NoError(t, encErr)
	err = node.OnPeerMessage(PeerMessage{MessageType: "ViewChange", Content: content3})
	require.Nil(t, err)

	require.Equal(t, uint64(1), node.State.View)
	require.True(t, node.State.IsPrimary())
	require.Equal(t, Normal, node.State.Mode)
	require.Equal(t, 1, adapter.cancelCalls)
	require.Len(t, adapter.initializeCalls, 1, "not primary at construction, so only the post-promotion call")
}

// TestDispatchCommit_RejectsMismatchedBlockID drives a commit quorum whose
// block_id disagrees with the node's accepted working block: this must be
// rejected as BlockMismatch rather than committed, even though
// prepared/committed quorum counting (which only ever compares messages
// against each other, never against the working block) is satisfied for
// the mismatched block.
func TestDispatchCommit_RejectsMismatchedBlockID(t *testing.T) {
	genesis := Block{BlockID: "genesis", BlockNum: 0}
	adapter := newFakeAdapter(genesis)
	node := newTestNode(t, 0, "peer-0", adapter)

	working := PbftBlock{BlockID: "block-1", BlockNum: 1}
	other := PbftBlock{BlockID: "other-block", BlockNum: 1}

	node.State.Phase = Committing
	node.State.WorkingBlock = WorkingBlock{Kind: AcceptedWorkingBlock, Block: working, BlockID: working.BlockID}

	node.Log.AddMessage(PbftMessage{Info: makeMsgInfo(PrePrepare, 0, 1, "peer-0"), Block: other})
	node.Log.AddMessage(PbftMessage{Info: makeMsgInfo(Prepare, 0, 1, "peer-0"), Block: other})
	node.Log.AddMessage(PbftMessage{Info: makeMsgInfo(Prepare, 0, 1, "peer-1"), Block: other})
	node.Log.AddMessage(PbftMessage{Info: makeMsgInfo(Prepare, 0, 1, "peer-2"), Block: other})
	node.Log.AddMessage(PbftMessage{Info: makeMsgInfo(Commit, 0, 1, "peer-0"), Block: other})
	node.Log.AddMessage(PbftMessage{Info: makeMsgInfo(Commit, 0, 1, "peer-1"), Block: other})

	m := PbftMessage{Info: makeMsgInfo(Commit, 0, 1, "peer-2"), Block: other}
	err := node.dispatchCommit(PeerMessage{}, m, verdictProceed)
	require.NotNil(t, err)
	require.Equal(t, BlockMismatch, err.Kind)
	require.Empty(t, adapter.committed, "mismatched block must never be committed")
}
