// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// StartSpec is everything a backend needs to start one instance.
type StartSpec struct {
	// Instance identifies the instance being started.
	Instance ref.InstanceID

	// Manifest is the agent's validated manifest. The executor reads
	// the entry point and resource declarations from it; the
	// capability set is enforced through Gate, not read directly.
	Manifest *manifest.Manifest

	// AgentDir is the directory holding the agent's code; Entry is
	// resolved relative to it.
	AgentDir string

	// WorkspaceRoot is the only host directory the agent may touch.
	// The native backend bind-mounts it at /workspace; the WASM
	// backend preopens it.
	WorkspaceRoot string

	// Gate authorizes capability use at the boundary.
	Gate *Gate

	// Quota bounds the instance's resource use.
	Quota Quota

	// Logger receives backend diagnostics. Nil discards.
	Logger *slog.Logger
}

func (s *StartSpec) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// Executor starts agent instances under one sandbox backend.
type Executor interface {
	// Mode names the backend ("wasm", "native", "loopback").
	Mode() manifest.SandboxMode

	// Start launches the instance. A returned error means nothing is
	// running and nothing needs cleanup; the caller may retry with a
	// fallback backend.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}

// Handle is the host's connection to one running instance.
//
// Events is a finite, non-restartable stream: it closes exactly once,
// when the instance exits or Shutdown completes, and a closed stream
// never reopens. Shutdown releases all instance resources on every
// path, applying bounded grace before force-killing.
type Handle interface {
	// Send delivers an event to the agent.
	Send(ctx context.Context, event protocol.Event) error

	// Events streams events produced by the agent. Closed when the
	// instance ends.
	Events() <-chan protocol.Event

	// Ready is closed once the instance can accept Send calls.
	Ready() <-chan struct{}

	// Authorize gates one capability use at the host boundary. Shims
	// call it immediately before performing the privileged operation.
	Authorize(capabilityID ref.CapabilityID) error

	// Shutdown stops the instance, forcing termination when ctx
	// expires before a clean exit.
	Shutdown(ctx context.Context) error
}

// Fault is a sandbox-layer failure scoped to one instance: start
// failures, crashed processes, broken pipes. The engine surfaces it as
// an error event and never lets it take down the host process.
type Fault struct {
	Instance ref.InstanceID
	Op       string
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("executor: instance %q: %s: %v", f.Instance, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
