// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// fakeRuntime records the host configuration it was asked to
// instantiate.
type fakeRuntime struct {
	config HostConfig
	err    error
}

func (r *fakeRuntime) Instantiate(ctx context.Context, config HostConfig) (WASMInstance, error) {
	r.config = config
	if r.err != nil {
		return nil, r.err
	}
	return &fakeInstance{events: make(chan protocol.Event)}, nil
}

type fakeInstance struct {
	events chan protocol.Event
}

func (i *fakeInstance) Send(ctx context.Context, event protocol.Event) error { return nil }
func (i *fakeInstance) Events() <-chan protocol.Event                        { return i.events }
func (i *fakeInstance) Close(ctx context.Context) error {
	close(i.events)
	return nil
}

func wasmStartSpec(t *testing.T, grants *stubGrants) StartSpec {
	t.Helper()
	m := &manifest.Manifest{
		SchemaVersion: "0.1",
		Name:          "code-review",
		Entry:         "agent.wasm",
		Sandbox:       manifest.SandboxWASM,
		Capabilities: []ref.CapabilityID{
			"files.read", "files.write", "network", "state.read", "process.exec",
		},
	}
	return StartSpec{
		Instance:      "code-review/1",
		Manifest:      m,
		AgentDir:      "/srv/agents/code-review",
		WorkspaceRoot: "/srv/workspaces/code-review",
		Gate:          newTestGate(t, m.Capabilities, grants, nil),
	}
}

func TestBuildHostConfigDenyByDefault(t *testing.T) {
	spec := wasmStartSpec(t, &stubGrants{granted: map[ref.CapabilityID]bool{}})

	config, err := BuildHostConfig(spec)
	if err != nil {
		t.Fatalf("BuildHostConfig: %v", err)
	}
	if config.WorkspacePreopen != "" {
		t.Error("workspace preopened with no files grant")
	}
	if config.NetworkEnabled {
		t.Error("network enabled with no grant")
	}
	if len(config.HostFunctions) != 0 {
		t.Errorf("host functions exposed with no grants: %v", config.HostFunctions)
	}
	if config.Module != "/srv/agents/code-review/agent.wasm" {
		t.Errorf("module path = %q", config.Module)
	}
}

func TestBuildHostConfigFollowsGrants(t *testing.T) {
	spec := wasmStartSpec(t, &stubGrants{granted: map[ref.CapabilityID]bool{
		"files.read":   true,
		"state.read":   true,
		"process.exec": true,
	}})

	config, err := BuildHostConfig(spec)
	if err != nil {
		t.Fatalf("BuildHostConfig: %v", err)
	}
	if config.WorkspacePreopen != spec.WorkspaceRoot {
		t.Errorf("preopen = %q, want workspace root", config.WorkspacePreopen)
	}
	if config.WorkspaceWritable {
		t.Error("workspace writable without files.write")
	}
	if config.NetworkEnabled {
		t.Error("network enabled without grant")
	}
	want := []string{"warden_exec", "warden_state_get"}
	if !slices.Equal(config.HostFunctions, want) {
		t.Errorf("host functions = %v, want %v", config.HostFunctions, want)
	}
}

func TestWASMStartUsesRuntime(t *testing.T) {
	runtime := &fakeRuntime{}
	executor := &WASMExecutor{Runtime: runtime}
	spec := wasmStartSpec(t, &stubGrants{granted: map[ref.CapabilityID]bool{"files.read": true}})

	handle, err := executor.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runtime.config.WorkspacePreopen != spec.WorkspaceRoot {
		t.Errorf("runtime saw preopen %q", runtime.config.WorkspacePreopen)
	}
	select {
	case <-handle.Ready():
	default:
		t.Error("handle not ready after Start")
	}
	if err := handle.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, ok := <-handle.Events(); ok {
		t.Error("events stream did not end after Shutdown")
	}
}

func TestWASMStartFailurePropagatesAsFault(t *testing.T) {
	runtime := &fakeRuntime{err: errors.New("trap")}
	executor := &WASMExecutor{Runtime: runtime}
	spec := wasmStartSpec(t, &stubGrants{granted: map[ref.CapabilityID]bool{}})

	_, err := executor.Start(context.Background(), spec)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Start = %v, want *Fault", err)
	}
	if fault.Instance != spec.Instance {
		t.Errorf("fault instance = %q", fault.Instance)
	}
}
