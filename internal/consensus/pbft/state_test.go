package pbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fourPeerRoster() []PeerID {
	return []PeerID{"peer-0", "peer-1", "peer-2", "peer-3"}
}

func TestNewState_DerivesFAndPrimaryForView0(t *testing.T) {
	roster := fourPeerRoster()
	s := NewState(0, "peer-0", roster, time.Second)
	require.Equal(t, 1, s.F)
	require.True(t, s.IsPrimary())

	s1 := NewState(1, "peer-1", roster, time.Second)
	require.False(t, s1.IsPrimary())
}

func TestSwitchPhase_ForwardOnly(t *testing.T) {
	s := NewState(0, "peer-0", fourPeerRoster(), time.Second)
	require.True(t, s.SwitchPhase(PrePreparing))
	require.False(t, s.SwitchPhase(Committing), "skipping ahead must be rejected")
	require.Equal(t, PrePreparing, s.Phase)
	require.True(t, s.SwitchPhase(Preparing))
	require.True(t, s.SwitchPhase(NotStarted), "reset to NotStarted is always admitted")
	require.Equal(t, NotStarted, s.Phase)
}

func TestCheckMsgType(t *testing.T) {
	s := NewState(0, "peer-0", fourPeerRoster(), time.Second)
	require.Equal(t, Unset, s.CheckMsgType())
	s.SwitchPhase(PrePreparing)
	require.Equal(t, PrePrepare, s.CheckMsgType())
	s.SwitchPhase(Preparing)
	require.Equal(t, Prepare, s.CheckMsgType())
	s.SwitchPhase(Checking)
	require.Equal(t, Prepare, s.CheckMsgType())
	s.SwitchPhase(Committing)
	require.Equal(t, Commit, s.CheckMsgType())
}

func TestTimeout_ExpiresAfterDuration(t *testing.T) {
	cur := time.Unix(0, 0)
	tm := NewTimeout(10 * time.Second)
	tm.now = func() time.Time { return cur }

	require.False(t, tm.IsExpired(), "never started")
	tm.Start()
	require.False(t, tm.IsExpired())

	cur = cur.Add(11 * time.Second)
	require.True(t, tm.IsExpired())

	tm.Stop()
	require.False(t, tm.IsExpired())
}

func TestUpgradeDowngradeRole(t *testing.T) {
	s := NewState(1, "peer-1", fourPeerRoster(), time.Second)
	require.False(t, s.IsPrimary())
	s.UpgradeRole()
	require.True(t, s.IsPrimary())
	s.DowngradeRole()
	require.False(t, s.IsPrimary())
}
