package loader

import "fmt"

// FrameState is the frame's one-way loading progress.
type FrameState int

const (
	CreatingInitialEmptyDocument FrameState = iota
	DisplayingInitialEmptyDocument
	CommittedFirstRealLoad
	CommittedMultipleRealLoads
)

func (s FrameState) String() string {
	switch s {
	case CreatingInitialEmptyDocument:
		return "CreatingInitialEmptyDocument"
	case DisplayingInitialEmptyDocument:
		return "DisplayingInitialEmptyDocument"
	case CommittedFirstRealLoad:
		return "CommittedFirstRealLoad"
	case CommittedMultipleRealLoads:
		return "CommittedMultipleRealLoads"
	default:
		return fmt.Sprintf("FrameState(%d)", int(s))
	}
}

// StateRegressionError is returned when a caller tries to move the frame
// state machine backwards or to where it already is.
type StateRegressionError struct {
	From, To FrameState
}

func (e *StateRegressionError) Error() string {
	return fmt.Sprintf("frame loader state cannot move from %s to %s", e.From, e.To)
}

// StateMachine tracks whether a frame still shows its initial empty document
// or has committed real loads. It only ever moves forward.
type StateMachine struct {
	state FrameState
}

// NewStateMachine starts in CreatingInitialEmptyDocument.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: CreatingInitialEmptyDocument}
}

func (m *StateMachine) State() FrameState { return m.state }

// AdvanceTo moves to next, which must be strictly later than the current state.
// States may be skipped.
func (m *StateMachine) AdvanceTo(next FrameState) error {
	if next <= m.state || next > CommittedMultipleRealLoads {
		return &StateRegressionError{From: m.state, To: next}
	}
	m.state = next
	return nil
}

func (m *StateMachine) CreatingInitialEmptyDocument() bool {
	return m.state == CreatingInitialEmptyDocument
}

func (m *StateMachine) IsDisplayingInitialEmptyDocument() bool {
	return m.state == DisplayingInitialEmptyDocument
}

// CommittedFirstRealLoad is true once any real load has committed.
func (m *StateMachine) CommittedFirstRealLoad() bool {
	return m.state >= CommittedFirstRealLoad
}

func (m *StateMachine) CommittedMultipleRealLoads() bool {
	return m.state == CommittedMultipleRealLoads
}
