// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// LoopbackExecutor is an in-memory backend. It stands in for a real
// sandbox in tests and engine integration: the "agent" is test code
// driving the handle directly through Emit and Received.
type LoopbackExecutor struct {
	// As is the sandbox mode this executor stands in for. Defaults to
	// manifest.SandboxWASM.
	As manifest.SandboxMode

	mu       sync.Mutex
	startErr error
	handles  map[ref.InstanceID]*LoopbackHandle
}

// Mode returns the mode configured in As.
func (e *LoopbackExecutor) Mode() manifest.SandboxMode {
	if e.As == "" {
		return manifest.SandboxWASM
	}
	return e.As
}

// FailNextStart makes the next Start call fail with a Fault wrapping
// err. One-shot.
func (e *LoopbackExecutor) FailNextStart(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// Start creates an in-memory handle. Like the native backend it
// refuses to stand in for a native sandbox without the sandbox.native
// grant.
func (e *LoopbackExecutor) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if e.Mode() == manifest.SandboxNative {
		if err := spec.Gate.Authorize(capability.NativeSandbox); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		err := e.startErr
		e.startErr = nil
		return nil, &Fault{Instance: spec.Instance, Op: "starting loopback", Err: err}
	}

	handle := &LoopbackHandle{
		instance:  spec.Instance,
		agent:     spec.Manifest.Name,
		gate:      spec.Gate,
		workspace: spec.WorkspaceRoot,
		received:  make(chan protocol.Event, 64),
		outbox:    make(chan protocol.Event, 64),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	close(handle.ready)
	if e.handles == nil {
		e.handles = make(map[ref.InstanceID]*LoopbackHandle)
	}
	e.handles[spec.Instance] = handle
	return handle, nil
}

// Handle returns the live handle for instance, for test assertions.
func (e *LoopbackExecutor) Handle(instance ref.InstanceID) (*LoopbackHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.handles[instance]
	return handle, ok
}

// LoopbackHandle is the in-memory Handle. Test code plays the agent:
// Received yields what the host sent, Emit produces agent events with
// consecutive sequence numbers, EmitRaw injects an arbitrary event for
// ordering-violation tests, and Crash ends the stream abruptly.
type LoopbackHandle struct {
	instance  ref.InstanceID
	agent     ref.AgentID
	gate      *Gate
	workspace string

	received chan protocol.Event
	outbox   chan protocol.Event
	ready    chan struct{}

	mu       sync.Mutex
	sequence uint64
	done     chan struct{}
	ended    bool
	shutdown bool
}

func (h *LoopbackHandle) Send(ctx context.Context, event protocol.Event) error {
	select {
	case <-h.done:
		return &Fault{Instance: h.instance, Op: "send", Err: fmt.Errorf("instance ended")}
	case h.received <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *LoopbackHandle) Events() <-chan protocol.Event { return h.outbox }

func (h *LoopbackHandle) Ready() <-chan struct{} { return h.ready }

func (h *LoopbackHandle) Authorize(capabilityID ref.CapabilityID) error {
	return h.gate.Authorize(capabilityID)
}

// Shutdown ends the stream cleanly.
func (h *LoopbackHandle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	if !h.ended {
		h.ended = true
		close(h.done)
		close(h.outbox)
	}
	return nil
}

// ShutdownCalled reports whether the host shut the instance down, as
// opposed to a crash ending it.
func (h *LoopbackHandle) ShutdownCalled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}

// Received yields the events the host delivered via Send.
func (h *LoopbackHandle) Received() <-chan protocol.Event { return h.received }

// Workspace reports the host directory this handle was started with.
func (h *LoopbackHandle) Workspace() string { return h.workspace }

// Emit produces one agent event with the next consecutive sequence
// number. Returns false once the stream has ended.
func (h *LoopbackHandle) Emit(kind protocol.Kind, payload any) bool {
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	event := protocol.Event{
		Kind:      kind,
		AgentID:   h.agent,
		Sequence:  h.sequence + 1,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	select {
	case h.outbox <- event:
		h.sequence = event.Sequence
		return true
	default:
		return false
	}
}

// EmitRaw injects event exactly as given, sequence number included.
func (h *LoopbackHandle) EmitRaw(event protocol.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	select {
	case h.outbox <- event:
		return true
	default:
		return false
	}
}

// Crash ends the event stream without a Shutdown call, simulating a
// mid-session agent death.
func (h *LoopbackHandle) Crash() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	close(h.done)
	close(h.outbox)
}
