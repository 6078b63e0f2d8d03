// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"

	"github.com/warden-foundation/warden/lib/ref"
)

// State is an instance's lifecycle state.
type State int

const (
	// StateRegistered means the manifest validated and the instance
	// exists, but no executor has been selected or started.
	StateRegistered State = iota

	// StateInitialized means an executor was selected and its startup
	// preconditions (including the sandbox.native grant for native
	// mode) are satisfied.
	StateInitialized

	// StateActive means the executor reported ready and events flow.
	StateActive

	// StateSuspended means the instance is paused: quota breach, a
	// revoked capability with no fallback, or an explicit user pause.
	// Resumable.
	StateSuspended

	// StateTerminated is the sole terminal state.
	StateTerminated
)

// String returns the wire name of the state, used in state_update
// events and ledger entries.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState maps a wire name back to a State, for ledger replay.
func ParseState(name string) (State, bool) {
	for _, s := range []State{StateRegistered, StateInitialized, StateActive, StateSuspended, StateTerminated} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

// transitions is the complete edge set of the state machine.
// Terminated is reachable from every state and has no outgoing edges.
var transitions = map[State][]State{
	StateRegistered:  {StateInitialized, StateTerminated},
	StateInitialized: {StateActive, StateTerminated},
	StateActive:      {StateSuspended, StateTerminated},
	StateSuspended:   {StateActive, StateTerminated},
	StateTerminated:  {},
}

// CanTransition reports whether the edge s → to exists.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is StateTerminated.
func (s State) Terminal() bool { return s == StateTerminated }

// TransitionError reports an attempted transition along a missing
// edge. Always a caller bug, never an agent fault.
type TransitionError struct {
	Instance ref.InstanceID
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: instance %q: no transition %s -> %s", e.Instance, e.From, e.To)
}
