// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"sort"

	"github.com/warden-foundation/warden/lib/codec"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/protocol"
)

// AgentState is the picture of one agent reconstructed from its ledger
// entries alone.
type AgentState struct {
	// Lifecycle is the last recorded lifecycle state, or "" when the
	// agent never ran.
	Lifecycle string

	// Grants are the capabilities with a grant recorded after their
	// last revocation, sorted.
	Grants []ref.CapabilityID
}

// ReconstructState replays an agent's entries in entry id order and
// folds them into the state the engine held after the last entry.
// Replaying is a pure fold over immutable entries, so repeated calls
// over the same ledger return the same state.
func (l *Ledger) ReconstructState(ctx context.Context, agent ref.AgentID) (AgentState, error) {
	entries, err := l.Query(ctx, Filter{Agent: agent})
	if err != nil {
		return AgentState{}, err
	}

	var state AgentState
	granted := make(map[ref.CapabilityID]bool)
	for _, entry := range entries {
		switch entry.Action {
		case ActionLifecycle:
			state.Lifecycle = entry.Outcome
		case protocol.KindConsentGrant.String():
			var payload protocol.ConsentGrant
			if err := codec.Unmarshal(entry.Payload, &payload); err == nil {
				granted[payload.Capability] = true
			}
		case protocol.KindConsentRevoke.String():
			var payload protocol.ConsentRevoke
			if err := codec.Unmarshal(entry.Payload, &payload); err == nil {
				delete(granted, payload.Capability)
			}
		}
	}

	state.Grants = make([]ref.CapabilityID, 0, len(granted))
	for capability := range granted {
		state.Grants = append(state.Grants, capability)
	}
	sort.Slice(state.Grants, func(i, j int) bool {
		return state.Grants[i] < state.Grants[j]
	})
	return state, nil
}
