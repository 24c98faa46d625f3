// Package agent implements the per-agent session state machine, the single
// authority over one agent's observable state.
package agent

import (
	"fmt"

	"github.com/openacd/openacd/internal/media"
)

// SecurityLevel orders what an agent is allowed to do.
type SecurityLevel string

const (
	SecurityAgent      SecurityLevel = "agent"
	SecuritySupervisor SecurityLevel = "supervisor"
	SecurityAdmin      SecurityLevel = "admin"
)

// AtLeast reports whether s grants at least the privileges of required.
func (s SecurityLevel) AtLeast(required SecurityLevel) bool {
	rank := map[SecurityLevel]int{
		SecurityAgent:      0,
		SecuritySupervisor: 1,
		SecurityAdmin:      2,
	}
	return rank[s] >= rank[required]
}

// Skill is a capability token used by the matching engine. Atomic skills
// have an empty Value; parameterized skills carry one.
type Skill struct {
	Atom  string `json:"atom"`
	Value string `json:"value,omitempty"`
}

// String renders the token the way skill lists display it.
func (s Skill) String() string {
	if s.Value == "" {
		return s.Atom
	}
	return fmt.Sprintf("%s(%s)", s.Atom, s.Value)
}

// StateKind names the agent states.
type StateKind string

const (
	StateIdle         StateKind = "idle"
	StateRinging      StateKind = "ringing"
	StatePrecall      StateKind = "precall"
	StateOncall       StateKind = "oncall"
	StateOutgoing     StateKind = "outgoing"
	StateWrapup       StateKind = "wrapup"
	StateReleased     StateKind = "released"
	StateWarmTransfer StateKind = "warmtransfer"

	// StateOffline is the terminal pseudo-state reached on logout.
	StateOffline StateKind = "offline"
)

// ReleaseReason explains a released state. The zero ID is never used; the
// sentinel default reason and explicit triples stay distinguishable.
type ReleaseReason struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	// Bias marks the pause productive (+1), neutral (0) or idle (-1)
	// for reporting.
	Bias int `json:"bias"`
}

// DefaultRelease is the sentinel reason used when no explicit one is given.
func DefaultRelease() ReleaseReason {
	return ReleaseReason{ID: "default", Label: "default", Bias: 0}
}

// IsDefault reports whether r is the sentinel default reason.
func (r ReleaseReason) IsDefault() bool {
	return r.ID == "default"
}

// State is the tagged agent state. Call is set for the call-carrying kinds;
// Release is set for released; Calling carries the consult destination while
// warm-transferring (Call then holds the parked party).
type State struct {
	Kind    StateKind
	Call    *media.Call
	Release ReleaseReason
	Calling string
}

// Idle returns the idle state.
func Idle() State { return State{Kind: StateIdle} }

// Released returns a released state with the given reason.
func Released(r ReleaseReason) State {
	return State{Kind: StateReleased, Release: r}
}

// HasCall reports whether kind carries a current call.
func (k StateKind) HasCall() bool {
	switch k {
	case StateRinging, StatePrecall, StateOncall, StateOutgoing, StateWrapup, StateWarmTransfer:
		return true
	}
	return false
}

// validNext encodes the transition table. Transitions not listed yield
// INVALID_STATE_CHANGE; a release requested while on a call is not a direct
// transition but a queued release, handled by the session.
var validNext = map[StateKind][]StateKind{
	StateIdle:         {StateReleased, StateRinging, StatePrecall, StateOffline},
	StateReleased:     {StateIdle, StateReleased, StatePrecall, StateOffline},
	StateRinging:      {StateOncall, StateIdle},
	StatePrecall:      {StateOutgoing, StateIdle, StateReleased},
	StateOutgoing:     {StateOncall, StateWrapup},
	StateOncall:       {StateWrapup, StateWarmTransfer, StateOncall},
	StateWarmTransfer: {StateOncall, StateWrapup},
	StateWrapup:       {StateIdle, StateReleased},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to StateKind) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
