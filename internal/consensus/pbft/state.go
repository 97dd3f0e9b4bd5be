package pbft

import (
	"fmt"
	"sync"
	"time"
)

// Phase is the node's position within a single consensus round. Phases are
// totally ordered; State.SwitchPhase only admits forward transitions (or a
// reset to NotStarted).
type Phase int

const (
	NotStarted Phase = iota
	PrePreparing
	Preparing
	Checking
	Committing
	Finished
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "NotStarted"
	case PrePreparing:
		return "PrePreparing"
	case Preparing:
		return "Preparing"
	case Checking:
		return "Checking"
	case Committing:
		return "Committing"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Mode tracks whether the node is running the normal protocol or is in the
// middle of a checkpoint or view-change interruption.
type Mode int

const (
	Normal Mode = iota
	Checkpointing
	ViewChanging
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "Normal"
	case Checkpointing:
		return "Checkpointing"
	case ViewChanging:
		return "ViewChanging"
	default:
		return "Unknown"
	}
}

// Role is Primary for the node serving as the current view's leader,
// Secondary otherwise.
type Role int

const (
	Secondary Role = iota
	Primary
)

func (r Role) String() string {
	if r == Primary {
		return "Primary"
	}
	return "Secondary"
}

// WorkingBlockKind distinguishes the three states of State.WorkingBlock.
type WorkingBlockKind int

const (
	NoWorkingBlock WorkingBlockKind = iota
	TentativeWorkingBlock
	AcceptedWorkingBlock
)

// WorkingBlock is the block currently under consensus at this node, either
// tentatively (pre-PrePrepare, identified only by id) or accepted
// (post-PrePrepare, carrying the full PbftBlock).
type WorkingBlock struct {
	Kind    WorkingBlockKind
	BlockID BlockID
	Block   PbftBlock
}

func (w WorkingBlock) IsNone() bool { return w.Kind == NoWorkingBlock }

// Timeout is a polled, wall-clock view-change timer. It is never
// interrupted; callers poll IsExpired on each tick.
type Timeout struct {
	mu       sync.Mutex
	duration time.Duration
	deadline time.Time
	running  bool
	now      func() time.Time
}

// NewTimeout constructs a stopped timer with the given duration.
func NewTimeout(d time.Duration) *Timeout {
	return &Timeout{duration: d, now: time.Now}
}

// Start (re)arms the timer for Duration from now.
func (t *Timeout) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = t.now().Add(t.duration)
	t.running = true
}

// Stop disarms the timer; IsExpired returns false until the next Start.
func (t *Timeout) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

// IsExpired reports whether the timer is running and past its deadline.
func (t *Timeout) IsExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && !t.now().Before(t.deadline)
}

// State holds a single node's local PBFT variables: identity, roster, view,
// sequence number, phase/mode/role, working block, and the view-change
// timer. It is exclusively owned by one Node; nothing here is safe for
// concurrent mutation from multiple goroutines.
type State struct {
	ID       NodeID
	PeerID   PeerID
	Roster   []PeerID
	View     uint64
	SeqNum   uint64
	F        int
	Phase    Phase
	Mode     Mode
	Role     Role

	PreCheckpointMode Mode

	WorkingBlock WorkingBlock

	Timeout *Timeout
}

// NewState derives F = (N-1)/3 from the roster and sets the initial role
// from whether this node is primary for view 0.
func NewState(id NodeID, peerID PeerID, roster []PeerID, viewChangeTimeout time.Duration) *State {
	n := len(roster)
	s := &State{
		ID:      id,
		PeerID:  peerID,
		Roster:  roster,
		F:       (n - 1) / 3,
		Phase:   NotStarted,
		Mode:    Normal,
		Timeout: NewTimeout(viewChangeTimeout),
	}
	s.Role = s.roleForView(s.View)
	return s
}

func (s *State) roleForView(view uint64) Role {
	if len(s.Roster) == 0 {
		return Secondary
	}
	primary := s.Roster[view%uint64(len(s.Roster))]
	if primary == s.PeerID {
		return Primary
	}
	return Secondary
}

// IsPrimary reports whether this node is the primary for the current view.
func (s *State) IsPrimary() bool { return s.Role == Primary }

// PrimaryPeerID returns roster[view mod N] for the current view.
func (s *State) PrimaryPeerID() PeerID {
	return s.Roster[s.View%uint64(len(s.Roster))]
}

// UpgradeRole promotes this node to Primary (called after a view change
// lands on this node).
func (s *State) UpgradeRole() { s.Role = Primary }

// DowngradeRole demotes this node to Secondary.
func (s *State) DowngradeRole() { s.Role = Secondary }

var phaseOrder = []Phase{NotStarted, PrePreparing, Preparing, Checking, Committing, Finished}

// SwitchPhase advances Phase to target if target is the next phase in the
// total order, or resets to NotStarted unconditionally. Any other target is
// rejected: ok is false and Phase is left untouched. Callers must treat a
// rejected switch as "not admissible now" and redirect to a backlog.
func (s *State) SwitchPhase(target Phase) (ok bool) {
	if target == NotStarted {
		s.Phase = NotStarted
		return true
	}
	for i, p := range phaseOrder {
		if p == s.Phase && i+1 < len(phaseOrder) && phaseOrder[i+1] == target {
			s.Phase = target
			return true
		}
	}
	return false
}

// CheckMsgType returns the multicast message type currently expected given
// Phase: PrePreparing->PrePrepare, Preparing/Checking->Prepare,
// Committing->Commit. Any other phase has no expected multicast type.
func (s *State) CheckMsgType() MessageType {
	switch s.Phase {
	case PrePreparing:
		return PrePrepare
	case Preparing, Checking:
		return Prepare
	case Committing:
		return Commit
	default:
		return Unset
	}
}

func (s *State) String() string {
	return fmt.Sprintf("Node %d (%s, view %d, seq %d, %s/%s)",
		s.ID, s.Role, s.View, s.SeqNum, s.Phase, s.Mode)
}
