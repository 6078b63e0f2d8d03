// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// HostConfig describes what a WASM instance is allowed to reach. It is
// built deny-by-default: a capability absent from the grant set is
// simply not wired into the host at all, so the module cannot even
// attempt the call. Fields list what IS permitted; everything else
// does not exist from the module's point of view.
type HostConfig struct {
	// Module is the host path of the agent's .wasm entry point.
	Module string

	// WorkspacePreopen is the host directory preopened at /workspace,
	// or empty when neither files capability is granted.
	WorkspacePreopen string

	// WorkspaceWritable permits writes through the preopen. Requires
	// files.write.
	WorkspaceWritable bool

	// NetworkEnabled wires the outbound socket host functions.
	NetworkEnabled bool

	// HostFunctions names the non-filesystem host functions exposed to
	// the module, one per granted capability that maps to one, sorted.
	HostFunctions []string

	// Env is the module's environment. Only engine-provided keys;
	// never the host's environment.
	Env map[string]string

	// Quota bounds fuel and memory inside the runtime.
	Quota Quota
}

// WASMRuntime instantiates agent modules. The concrete WASI host lives
// outside the engine; tests inject a fake.
type WASMRuntime interface {
	Instantiate(ctx context.Context, config HostConfig) (WASMInstance, error)
}

// WASMInstance is one running module, speaking protocol events.
type WASMInstance interface {
	Send(ctx context.Context, event protocol.Event) error
	Events() <-chan protocol.Event
	Close(ctx context.Context) error
}

// hostFunctionsByCapability maps granted capabilities to the host
// functions the runtime should expose for them. Capabilities without
// an entry are enforced purely by the gate (the shim behind the
// function calls Authorize anyway; this table controls whether the
// function exists at all).
var hostFunctionsByCapability = map[ref.CapabilityID][]string{
	"process.exec":    {"warden_exec"},
	"oauth":           {"warden_token_acquire"},
	"state.read":      {"warden_state_get"},
	"state.write":     {"warden_state_put"},
	"artifacts.write": {"warden_artifact_put"},
}

// WASMExecutor runs agents inside an injected WASM runtime with a
// deny-by-default host configuration derived from live grants.
type WASMExecutor struct {
	Runtime WASMRuntime
}

// Mode returns manifest.SandboxWASM.
func (e *WASMExecutor) Mode() manifest.SandboxMode { return manifest.SandboxWASM }

// Start builds the host configuration from the instance's grants and
// instantiates the module.
func (e *WASMExecutor) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	if e.Runtime == nil {
		return nil, &Fault{Instance: spec.Instance, Op: "starting wasm module", Err: fmt.Errorf("no runtime configured")}
	}
	config, err := BuildHostConfig(spec)
	if err != nil {
		return nil, &Fault{Instance: spec.Instance, Op: "building host config", Err: err}
	}
	spec.logger().Debug("instantiating wasm module",
		"instance", spec.Instance,
		"module", config.Module,
		"host_functions", config.HostFunctions)

	instance, err := e.Runtime.Instantiate(ctx, config)
	if err != nil {
		return nil, &Fault{Instance: spec.Instance, Op: "instantiating module", Err: err}
	}

	ready := make(chan struct{})
	close(ready)
	return &wasmHandle{
		instance: spec.Instance,
		gate:     spec.Gate,
		module:   instance,
		ready:    ready,
	}, nil
}

// BuildHostConfig derives the deny-by-default host surface for spec
// from its gate's live grant state at start time.
func BuildHostConfig(spec StartSpec) (HostConfig, error) {
	if spec.Manifest.Entry == "" {
		return HostConfig{}, fmt.Errorf("manifest has no entry point")
	}
	config := HostConfig{
		Module: filepath.Join(spec.AgentDir, spec.Manifest.Entry),
		Env: map[string]string{
			"WARDEN_AGENT":    string(spec.Manifest.Name),
			"WARDEN_INSTANCE": string(spec.Instance),
		},
		Quota: spec.Quota,
	}

	if spec.Gate.Authorize("files.read") == nil || spec.Gate.Authorize("files.write") == nil {
		config.WorkspacePreopen = spec.WorkspaceRoot
		config.WorkspaceWritable = spec.Gate.Authorize("files.write") == nil
	}
	config.NetworkEnabled = spec.Gate.Authorize("network") == nil

	for capabilityID, functions := range hostFunctionsByCapability {
		if spec.Gate.Authorize(capabilityID) == nil {
			config.HostFunctions = append(config.HostFunctions, functions...)
		}
	}
	sort.Strings(config.HostFunctions)
	return config, nil
}

type wasmHandle struct {
	instance ref.InstanceID
	gate     *Gate
	module   WASMInstance
	ready    chan struct{}
}

func (h *wasmHandle) Send(ctx context.Context, event protocol.Event) error {
	if err := h.module.Send(ctx, event); err != nil {
		return &Fault{Instance: h.instance, Op: "send", Err: err}
	}
	return nil
}

func (h *wasmHandle) Events() <-chan protocol.Event { return h.module.Events() }

func (h *wasmHandle) Ready() <-chan struct{} { return h.ready }

func (h *wasmHandle) Authorize(capabilityID ref.CapabilityID) error {
	return h.gate.Authorize(capabilityID)
}

func (h *wasmHandle) Shutdown(ctx context.Context) error {
	if err := h.module.Close(ctx); err != nil {
		return &Fault{Instance: h.instance, Op: "shutdown", Err: err}
	}
	return nil
}
