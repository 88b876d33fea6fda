// Package lifecycle tracks the rendering pipeline state of a single document.
//
// The state order matters: EnsureStateAtMost and IsActive compare states
// numerically, so new states must keep their position in the pipeline.
package lifecycle

import (
	"fmt"
)

// State is a stage of the document pipeline.
type State int

const (
	Uninitialized State = iota
	Inactive

	// Style and layout.
	VisualUpdatePending
	InStyleRecalc
	StyleClean
	InLayoutSubtreeChange
	LayoutSubtreeChangeClean
	InPreLayout
	InPerformLayout
	AfterPerformLayout
	LayoutClean

	// Compositing and paint. Headless crawling never drives these, but the
	// table keeps them so transition checks stay faithful.
	InCompositingUpdate
	CompositingInputsClean
	CompositingClean
	InPrePaint
	PrePaintClean
	InPaint
	PaintClean

	// Teardown.
	Stopping
	Stopped
)

var stateNames = [...]string{
	Uninitialized:            "Uninitialized",
	Inactive:                 "Inactive",
	VisualUpdatePending:      "VisualUpdatePending",
	InStyleRecalc:            "InStyleRecalc",
	StyleClean:               "StyleClean",
	InLayoutSubtreeChange:    "InLayoutSubtreeChange",
	LayoutSubtreeChangeClean: "LayoutSubtreeChangeClean",
	InPreLayout:              "InPreLayout",
	InPerformLayout:          "InPerformLayout",
	AfterPerformLayout:       "AfterPerformLayout",
	LayoutClean:              "LayoutClean",
	InCompositingUpdate:      "InCompositingUpdate",
	CompositingInputsClean:   "CompositingInputsClean",
	CompositingClean:         "CompositingClean",
	InPrePaint:               "InPrePaint",
	PrePaintClean:            "PrePaintClean",
	InPaint:                  "InPaint",
	PaintClean:               "PaintClean",
	Stopping:                 "Stopping",
	Stopped:                  "Stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AllStates lists every state in pipeline order.
func AllStates() []State {
	states := make([]State, 0, len(stateNames))
	for s := Uninitialized; s <= Stopped; s++ {
		states = append(states, s)
	}
	return states
}

// Reason says why a transition was refused.
type Reason int

const (
	ReasonNotInTable Reason = iota
	ReasonTransitionsDisallowed
	ReasonNoTransitionCheck
)

func (r Reason) String() string {
	switch r {
	case ReasonNotInTable:
		return "transition not permitted"
	case ReasonTransitionsDisallowed:
		return "transitions are disallowed"
	case ReasonNoTransitionCheck:
		return "state must not change inside a no-transition scope"
	default:
		return "unknown"
	}
}

// TransitionError is returned for an illegal transition. The lifecycle is
// left in From.
type TransitionError struct {
	From, To State
	Reason   Reason
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: cannot advance from %s to %s: %s", e.From, e.To, e.Reason)
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithPrePaintPipeline switches the paint stages to the pipeline where
// pre-paint replaces the compositing update.
func WithPrePaintPipeline() Option {
	return func(l *Lifecycle) { l.prePaintPipeline = true }
}

// Lifecycle is the state holder. It is owned by one document and accessed
// only from that document's goroutine.
type Lifecycle struct {
	state                   State
	disallowTransitionCount int
	checkNoTransition       bool
	prePaintPipeline        bool
}

// New returns a lifecycle in Uninitialized.
func New(opts ...Option) *Lifecycle {
	l := &Lifecycle{state: Uninitialized}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lifecycle) State() State { return l.state }

// IsActive reports whether the document is past initialization and not yet tearing down.
func (l *Lifecycle) IsActive() bool { return l.state > Inactive && l.state < Stopping }

// StateAllowsTreeMutations reports whether the DOM may be changed right now.
// Layout-in-progress states and the paint stages forbid it.
func (l *Lifecycle) StateAllowsTreeMutations() bool {
	switch l.state {
	case InStyleRecalc, InPerformLayout, InCompositingUpdate, InPrePaint, InPaint:
		return false
	}
	return true
}

// StateTransitionDisallowed reports whether a DisallowTransitionScope is open.
func (l *Lifecycle) StateTransitionDisallowed() bool { return l.disallowTransitionCount > 0 }

// CanAdvanceTo reports whether AdvanceTo(next) would succeed.
func (l *Lifecycle) CanAdvanceTo(next State) bool {
	return l.check(next) == nil
}

// AdvanceTo moves to next, or returns a *TransitionError and leaves the state unchanged.
func (l *Lifecycle) AdvanceTo(next State) error {
	if err := l.check(next); err != nil {
		return err
	}
	l.state = next
	return nil
}

// EnsureStateAtMost rewinds the lifecycle to state if it is currently past it.
// Only the clean states a DOM change can invalidate are accepted.
func (l *Lifecycle) EnsureStateAtMost(state State) error {
	switch state {
	case VisualUpdatePending, StyleClean, LayoutClean:
	default:
		return &TransitionError{From: l.state, To: state, Reason: ReasonNotInTable}
	}
	if l.state > state && l.state < Stopping {
		l.state = state
	}
	return nil
}

// DisallowTransitionScope forbids every transition until the returned
// function is called. Scopes nest.
func (l *Lifecycle) DisallowTransitionScope() (release func()) {
	l.disallowTransitionCount++
	released := false
	return func() {
		if released {
			return
		}
		released = true
		l.disallowTransitionCount--
	}
}

// CheckNoTransitionScope makes any AdvanceTo that changes the state fail
// until the returned function is called.
func (l *Lifecycle) CheckNoTransitionScope() (release func()) {
	prev := l.checkNoTransition
	l.checkNoTransition = true
	return func() { l.checkNoTransition = prev }
}

func (l *Lifecycle) check(next State) error {
	if l.checkNoTransition && next != l.state {
		return &TransitionError{From: l.state, To: next, Reason: ReasonNoTransitionCheck}
	}
	if l.StateTransitionDisallowed() {
		return &TransitionError{From: l.state, To: next, Reason: ReasonTransitionsDisallowed}
	}
	if !l.permitted(next) {
		return &TransitionError{From: l.state, To: next, Reason: ReasonNotInTable}
	}
	return nil
}

// permitted is the transition table.
func (l *Lifecycle) permitted(next State) bool {
	// Teardown may begin from anywhere, including Stopping itself.
	if next == Stopping {
		return true
	}

	switch l.state {
	case Uninitialized:
		return next == Inactive
	case Inactive:
		return next == StyleClean
	case VisualUpdatePending:
		return in(next, InPreLayout, InStyleRecalc, InPerformLayout)
	case InStyleRecalc:
		return next == StyleClean
	case StyleClean:
		if in(next, InStyleRecalc, InLayoutSubtreeChange, InPreLayout, InPerformLayout, StyleClean, LayoutClean) {
			return true
		}
		return l.paintEntry(next)
	case InLayoutSubtreeChange:
		return next == LayoutSubtreeChangeClean
	case LayoutSubtreeChangeClean:
		if in(next, InStyleRecalc, InPreLayout, InPerformLayout, StyleClean, LayoutClean) {
			return true
		}
		return l.paintEntry(next)
	case InPreLayout:
		return in(next, InStyleRecalc, StyleClean, InPreLayout)
	case InPerformLayout:
		return next == AfterPerformLayout
	case AfterPerformLayout:
		return in(next, InPreLayout, LayoutClean)
	case LayoutClean:
		if in(next, InStyleRecalc, InPreLayout, InPerformLayout, LayoutClean, StyleClean) {
			return true
		}
		return l.paintEntry(next)
	case InCompositingUpdate:
		return !l.prePaintPipeline && in(next, CompositingInputsClean, CompositingClean)
	case CompositingInputsClean:
		return !l.prePaintPipeline && in(next, InStyleRecalc, InPreLayout, InCompositingUpdate, CompositingClean)
	case CompositingClean:
		return !l.prePaintPipeline && in(next, InStyleRecalc, InPreLayout, InCompositingUpdate, InPrePaint)
	case InPrePaint:
		return next == PrePaintClean
	case PrePaintClean:
		if in(next, InPaint, InStyleRecalc, InPreLayout, InPrePaint) {
			return true
		}
		return !l.prePaintPipeline && next == InCompositingUpdate
	case InPaint:
		return next == PaintClean
	case PaintClean:
		if in(next, InStyleRecalc, InPreLayout, InPrePaint, InPaint) {
			return true
		}
		return !l.prePaintPipeline && next == InCompositingUpdate
	case Stopping:
		return next == Stopped
	}
	return false
}

// paintEntry is the first paint stage reachable from a clean layout state.
func (l *Lifecycle) paintEntry(next State) bool {
	if l.prePaintPipeline {
		return next == InPrePaint
	}
	return next == InCompositingUpdate
}

func in(s State, set ...State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
