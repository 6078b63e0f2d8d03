// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine assembles the capability registry, consent manager,
// lifecycle controller, audit ledger, and token vault into one running
// engine. The UI layer talks to the engine only: launch requests come
// in through Launch, human grant decisions through Resolve, and every
// observable effect flows out as bus events and ledger entries.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/consent"
	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/config"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/lib/tokenhandle"
	"github.com/warden-foundation/warden/lifecycle"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// Options assembles an Engine beyond what the config file carries.
type Options struct {
	Config *config.Config

	// WASMRuntime backs the WASM executor. Nil disables the wasm
	// sandbox mode; manifests requesting it then fail to initialize.
	WASMRuntime executor.WASMRuntime

	// Approver is the per-action sign-off for sensitive capability
	// uses. Nil approves silently, which only suits tests.
	Approver executor.Approver

	// Executors overrides the backend map entirely. Tests inject
	// loopback executors here.
	Executors map[manifest.SandboxMode]executor.Executor

	// OutputSink receives each complete reassembled agent output.
	// The UI layer renders these; nil discards them (the raw chunk
	// events still reach the bus and the ledger).
	OutputSink func(ref.InstanceID, protocol.Assembled)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine is the running capability and consent engine.
type Engine struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *slog.Logger

	capabilities *capability.Registry
	agents       *AgentRegistry
	consents     *consent.Manager
	controller   *lifecycle.Controller
	audit        *ledger.Ledger
	vault        *tokenhandle.Vault

	cancelSweeper context.CancelFunc
	sweeperDone   chan struct{}
}

// New wires the engine together. Call Start to begin discovery and
// background work, and Shutdown to tear everything down.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("engine: Config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	kinds, err := cfg.CapabilityKinds()
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	capabilities, err := capability.New(kinds...)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	audit, err := ledger.Open(ledger.Config{
		Path:       cfg.Ledger.Path,
		QueueDepth: cfg.Ledger.QueueDepth,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	defaultDuration, _ := config.ParseDuration(cfg.Consent.DefaultDuration, time.Hour)
	sweepInterval, _ := config.ParseDuration(cfg.Consent.SweepInterval, 30*time.Second)
	gracePeriod, _ := config.ParseDuration(cfg.Executor.GracePeriod, 5*time.Second)
	wallTimeout, _ := config.ParseDuration(cfg.Executor.WallTimeout, 0)

	e := &Engine{
		cfg:          cfg,
		clk:          clk,
		logger:       logger,
		capabilities: capabilities,
		audit:        audit,
		vault:        tokenhandle.NewVault(clk),
	}

	// The sink routes consent events onto the owning instance's bus.
	// It closes over e because the controller is built after the
	// manager.
	e.consents = consent.NewManager(consent.Config{
		Registry: capabilities,
		Clock:    clk,
		Logger:   logger,
		Sink: func(agent ref.AgentID, kind protocol.Kind, payload any) {
			e.controller.PublishConsentEvent(agent, kind, payload)
		},
		Policy: consent.Policy{
			AutoGrantNormal: cfg.AutoGrantNormal(),
			DefaultDuration: defaultDuration,
			SweepInterval:   sweepInterval,
		},
	})

	executors := opts.Executors
	if executors == nil {
		executors = map[manifest.SandboxMode]executor.Executor{
			manifest.SandboxNative: &executor.NativeExecutor{BwrapPath: cfg.Executor.BwrapPath},
		}
		if opts.WASMRuntime != nil {
			executors[manifest.SandboxWASM] = &executor.WASMExecutor{Runtime: opts.WASMRuntime}
		}
	}

	e.controller = lifecycle.NewController(lifecycle.Config{
		Registry:        capabilities,
		Consents:        e.consents,
		Executors:       executors,
		Approver:        opts.Approver,
		WorkspaceRoot:   cfg.Paths.Workspaces,
		GracePeriod:     gracePeriod,
		WallTimeout:     wallTimeout,
		EventsPerSecond: cfg.Protocol.EventsPerSecond,
		BusBuffer:       cfg.Protocol.Buffer,
		Observer:        audit.Record,
		OutputSink:      opts.OutputSink,
		Clock:           clk,
		Logger:          logger,
	})
	e.consents.SetNotifier(e.controller)

	e.agents = NewAgentRegistry(manifest.NewValidator(capabilities), logger)
	return e, nil
}

// Start discovers agents and begins the consent expiry sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	registered, err := e.agents.Discover(e.cfg.Paths.Agents)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.logger.Info("agent discovery complete", "dir", e.cfg.Paths.Agents, "agents", registered)

	sweepCtx, cancel := context.WithCancel(ctx)
	e.cancelSweeper = cancel
	e.sweeperDone = make(chan struct{})
	go func() {
		defer close(e.sweeperDone)
		e.consents.RunSweeper(sweepCtx)
	}()
	return nil
}

// Agents exposes the discovered-agent registry.
func (e *Engine) Agents() *AgentRegistry { return e.agents }

// Ledger exposes the audit ledger for queries, export, and replay.
func (e *Engine) Ledger() *ledger.Ledger { return e.audit }

// Capabilities exposes the capability registry.
func (e *Engine) Capabilities() *capability.Registry { return e.capabilities }

// Launch registers, initializes, and starts an instance of a
// discovered agent. Initialization of a native-sandbox agent blocks on
// the sandbox.native consent prompt.
func (e *Engine) Launch(ctx context.Context, name ref.AgentID) (*lifecycle.Instance, error) {
	info, ok := e.agents.Get(name)
	if !ok {
		return nil, fmt.Errorf("engine: agent %s not registered", name)
	}
	if !info.Enabled {
		return nil, fmt.Errorf("engine: agent %s is disabled", name)
	}

	inst, err := e.controller.Register(info.Manifest, info.Dir)
	if err != nil {
		return nil, err
	}
	if err := e.controller.Initialize(ctx, inst); err != nil {
		return inst, err
	}
	if err := e.controller.Start(ctx, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// Instance looks up a live instance by id.
func (e *Engine) Instance(id ref.InstanceID) (*lifecycle.Instance, bool) {
	return e.controller.Instance(id)
}

// InstancesOf returns an agent's live instances.
func (e *Engine) InstancesOf(agent ref.AgentID) []*lifecycle.Instance {
	return e.controller.InstancesOf(agent)
}

// Suspend pauses an active instance.
func (e *Engine) Suspend(inst *lifecycle.Instance, reason string) error {
	return e.controller.Suspend(inst, reason)
}

// Resume unpauses a suspended instance.
func (e *Engine) Resume(inst *lifecycle.Instance) error {
	return e.controller.Resume(inst)
}

// Terminate stops an instance, releasing its consents and executor.
func (e *Engine) Terminate(ctx context.Context, inst *lifecycle.Instance, reason string) error {
	return e.controller.Terminate(ctx, inst, reason)
}

// Resolve delivers a human grant decision for a pending consent
// request. The UI layer is the only caller: agents cannot resolve
// their own prompts.
func (e *Engine) Resolve(agent ref.AgentID, capabilityID ref.CapabilityID, granted bool, duration time.Duration) (consent.Session, error) {
	return e.consents.Resolve(agent, capabilityID, granted, duration)
}

// Revoke withdraws a grant. The revocation is synchronous: when Revoke
// returns, no capability check anywhere sees the grant.
func (e *Engine) Revoke(agent ref.AgentID, capabilityID ref.CapabilityID) error {
	return e.consents.Revoke(agent, capabilityID)
}

// Renew extends an active session.
func (e *Engine) Renew(agent ref.AgentID, capabilityID ref.CapabilityID, extension time.Duration) (consent.Session, error) {
	return e.consents.Renew(agent, capabilityID, extension)
}

// Grants returns an agent's current grant view.
func (e *Engine) Grants(agent ref.AgentID) []ref.CapabilityID {
	return e.consents.GrantView(agent)
}

// Token returns an opaque token handle for an agent. The agent must
// declare the oauth capability and every requested provider:scope pair
// in its manifest, and hold a live oauth grant. The handle carries no
// secret material.
func (e *Engine) Token(agent ref.AgentID, provider string, scopes []string) (tokenhandle.Handle, error) {
	info, ok := e.agents.Get(agent)
	if !ok {
		return tokenhandle.Handle{}, fmt.Errorf("engine: agent %s not registered", agent)
	}
	for _, scope := range scopes {
		if !declaresOAuthScope(info.Manifest, provider, scope) {
			return tokenhandle.Handle{}, fmt.Errorf("engine: agent %s does not declare oauth scope %s:%s", agent, provider, scope)
		}
	}
	if !e.consents.Granted(agent, "oauth") {
		return tokenhandle.Handle{}, fmt.Errorf("engine: agent %s has no active oauth grant", agent)
	}
	return e.vault.Acquire(provider, scopes)
}

// Vault exposes the token handle vault for host lock control.
func (e *Engine) Vault() *tokenhandle.Vault { return e.vault }

func declaresOAuthScope(m *manifest.Manifest, provider, scope string) bool {
	want := provider + ":" + scope
	for _, declared := range m.OAuthScopes {
		if declared == want {
			return true
		}
		// "provider:*" declares every scope of the provider.
		if strings.HasSuffix(declared, ":*") && strings.TrimSuffix(declared, "*") == provider+":" {
			return true
		}
	}
	return false
}

// Shutdown terminates every live instance, stops background work, and
// closes the ledger. The ctx bounds per-instance cleanup.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cancelSweeper != nil {
		e.cancelSweeper()
		<-e.sweeperDone
	}

	for _, info := range e.agents.List() {
		for _, inst := range e.controller.InstancesOf(info.Manifest.Name) {
			if err := e.controller.Terminate(ctx, inst, "engine shutdown"); err != nil {
				e.logger.Warn("terminating instance at shutdown", "instance", inst.ID(), "error", err)
			}
		}
	}

	return e.audit.Close()
}
