package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

func TestMessageRoundTrip(t *testing.T) {
	w := New()
	m := pbft.PbftMessage{
		Info: pbft.MessageInfo{
			MsgType:  pbft.PrePrepare,
			View:     3,
			SeqNum:   42,
			SignerID: "peer-a",
		},
		Block: pbft.PbftBlock{
			BlockID:  "block-7",
			SignerID: "peer-a",
			BlockNum: 7,
			Summary:  []byte("summary-bytes"),
		},
	}

	encoded, err := w.EncodeMessage(m)
	require.NoError(t, err)

	decoded, err := w.DecodeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestMessageRoundTripEmptyBlock(t *testing.T) {
	w := New()
	m := pbft.PbftMessage{
		Info: pbft.MessageInfo{MsgType: pbft.Checkpoint, View: 1, SeqNum: 10, SignerID: "peer-b"},
	}

	encoded, err := w.EncodeMessage(m)
	require.NoError(t, err)

	decoded, err := w.DecodeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, m.Info, decoded.Info)
	require.Empty(t, decoded.Block.BlockID)
}

func TestViewChangeRoundTrip(t *testing.T) {
	w := New()
	vc := pbft.ViewChange{
		Info: pbft.MessageInfo{MsgType: pbft.ViewChange, View: 4, SeqNum: 20, SignerID: "peer-c"},
		CheckpointMessages: []pbft.PbftMessage{
			{
				Info:  pbft.MessageInfo{MsgType: pbft.Checkpoint, View: 3, SeqNum: 20, SignerID: "peer-a"},
				Block: pbft.PbftBlock{BlockID: "block-20", BlockNum: 20},
			},
			{
				Info:  pbft.MessageInfo{MsgType: pbft.Checkpoint, View: 3, SeqNum: 20, SignerID: "peer-b"},
				Block: pbft.PbftBlock{BlockID: "block-20", BlockNum: 20},
			},
		},
	}

	encoded, err := w.EncodeViewChange(vc)
	require.NoError(t, err)

	decoded, err := w.DecodeViewChange(encoded)
	require.NoError(t, err)
	require.Equal(t, vc, decoded)
}

func TestViewChangeRoundTripNoCheckpoints(t *testing.T) {
	w := New()
	vc := pbft.ViewChange{Info: pbft.MessageInfo{MsgType: pbft.ViewChange, View: 1, SignerID: "peer-a"}}

	encoded, err := w.EncodeViewChange(vc)
	require.NoError(t, err)

	decoded, err := w.DecodeViewChange(encoded)
	require.NoError(t, err)
	require.Equal(t, vc.Info, decoded.Info)
	require.Empty(t, decoded.CheckpointMessages)
}
