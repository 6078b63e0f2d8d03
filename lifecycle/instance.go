// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// Instance is one running instantiation of a manifest. It exclusively
// owns its executor handle and is the sole writer of its own state;
// everything mutable is guarded by mu and transitions go through the
// Controller.
type Instance struct {
	id       ref.InstanceID
	manifest *manifest.Manifest
	agentDir string
	bus      *protocol.Bus

	// ctx is cancelled at termination; it parents every blocking
	// operation done on the instance's behalf, including pending
	// consent requests.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	mode     manifest.SandboxMode
	handle   executor.Handle
	stopping bool

	// pumpDone closes when the event pump has drained the handle's
	// stream.
	pumpDone chan struct{}
}

// ID returns the instance identifier.
func (inst *Instance) ID() ref.InstanceID { return inst.id }

// Agent returns the owning agent's id.
func (inst *Instance) Agent() ref.AgentID { return inst.manifest.Name }

// Manifest returns the instance's manifest. The manifest is immutable
// after registration.
func (inst *Instance) Manifest() *manifest.Manifest { return inst.manifest }

// State returns the current lifecycle state.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Mode returns the sandbox mode the instance is running under. Empty
// before an executor has been selected.
func (inst *Instance) Mode() manifest.SandboxMode {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.mode
}

// Events returns the instance's ordered event stream. The channel
// closes when the instance terminates.
func (inst *Instance) Events() <-chan protocol.Event {
	return inst.bus.Events()
}

// Authorize gates one capability use for this instance. Before the
// executor is started there is no boundary to cross, so it fails.
func (inst *Instance) Authorize(capabilityID ref.CapabilityID) error {
	inst.mu.Lock()
	handle := inst.handle
	inst.mu.Unlock()
	if handle == nil {
		return &executor.Fault{Instance: inst.id, Op: "authorize", Err: context.Canceled}
	}
	return handle.Authorize(capabilityID)
}

// Send delivers an event to the agent. Fails unless the instance is
// Active.
func (inst *Instance) Send(ctx context.Context, event protocol.Event) error {
	inst.mu.Lock()
	state, handle := inst.state, inst.handle
	inst.mu.Unlock()
	if state != StateActive || handle == nil {
		return fmt.Errorf("lifecycle: instance %q is %s, not active", inst.id, state)
	}
	return handle.Send(ctx, event)
}

// setState records a transition. Caller must have validated the edge.
func (inst *Instance) setState(s State) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}
