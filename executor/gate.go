// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/lib/ref"
)

// GrantChecker answers whether an active consent session covers a
// capability right now. The consent manager implements it.
type GrantChecker interface {
	Granted(agent ref.AgentID, capability ref.CapabilityID) bool
}

// Approver signs off individual uses of sensitive capabilities when
// the host runs with per-action consent. It must be fast and must not
// prompt; the engine pre-resolves per-action decisions.
type Approver func(agent ref.AgentID, capability ref.CapabilityID) bool

// CapabilityError reports a blocked capability use: the agent tried an
// operation its grants do not cover. It is scoped to the one use; the
// instance keeps running.
type CapabilityError struct {
	Agent      ref.AgentID
	Capability ref.CapabilityID
	Reason     string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability: agent %q use of %q blocked: %s", e.Agent, e.Capability, e.Reason)
}

// Gate is the host-boundary capability check for one agent. Every
// privileged host shim calls Authorize immediately before acting; the
// gate consults live grant state on each call, never a snapshot, so
// revocations take effect on the next use.
type Gate struct {
	agent    ref.AgentID
	declared map[ref.CapabilityID]bool
	registry *capability.Registry
	grants   GrantChecker
	approver Approver
}

// NewGate builds the gate for one agent instance. declared is the
// manifest's capability set; approver may be nil when the host does
// not require per-action sign-off for sensitive capabilities.
func NewGate(agent ref.AgentID, declared []ref.CapabilityID, registry *capability.Registry, grants GrantChecker, approver Approver) *Gate {
	set := make(map[ref.CapabilityID]bool, len(declared))
	for _, capabilityID := range declared {
		set[capabilityID] = true
	}
	return &Gate{
		agent:    agent,
		declared: set,
		registry: registry,
		grants:   grants,
		approver: approver,
	}
}

// Authorize permits or blocks one capability use. The checks run from
// cheapest to most authoritative: manifest declaration, registry
// membership, live grant state, then per-action sign-off for
// sensitive capabilities when an approver is configured.
func (g *Gate) Authorize(capabilityID ref.CapabilityID) error {
	if !g.declared[capabilityID] {
		return &CapabilityError{Agent: g.agent, Capability: capabilityID, Reason: "not declared in manifest"}
	}
	if !g.registry.Known(capabilityID) {
		return &CapabilityError{Agent: g.agent, Capability: capabilityID, Reason: "unknown capability"}
	}
	if !g.grants.Granted(g.agent, capabilityID) {
		return &CapabilityError{Agent: g.agent, Capability: capabilityID, Reason: "no active consent session"}
	}
	if g.approver != nil && g.registry.RequiresPerActionConsent(capabilityID) {
		if !g.approver(g.agent, capabilityID) {
			return &CapabilityError{Agent: g.agent, Capability: capabilityID, Reason: "per-action approval refused"}
		}
	}
	return nil
}

// Agent returns the agent this gate guards.
func (g *Gate) Agent() ref.AgentID { return g.agent }
