// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/consent"
	"github.com/warden-foundation/warden/executor"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/manifest"
	"github.com/warden-foundation/warden/protocol"
)

// publishTimeout bounds internal state publishes so a stalled consumer
// cannot wedge a lifecycle transition.
const publishTimeout = 5 * time.Second

// Config assembles a Controller.
type Config struct {
	Registry *capability.Registry
	Consents *consent.Manager

	// Executors maps sandbox modes to backends. A manifest selecting
	// a mode with no backend here cannot initialize.
	Executors map[manifest.SandboxMode]executor.Executor

	// Approver is the optional per-action sign-off for sensitive
	// capability uses, passed through to each instance's gate.
	Approver executor.Approver

	// WorkspaceRoot is the parent of per-agent workspace directories.
	WorkspaceRoot string

	// GracePeriod bounds clean shutdown before force-kill. Zero
	// selects 5 seconds.
	GracePeriod time.Duration

	// WallTimeout bounds each instance's total runtime. Zero means
	// unlimited.
	WallTimeout time.Duration

	// EventsPerSecond and BusBuffer configure each instance's bus.
	EventsPerSecond float64
	BusBuffer       int

	// Observer sees every bus event in sequence order; the engine
	// wires the audit ledger here.
	Observer func(protocol.Event)

	// OutputSink receives each complete reassembled output message.
	// Optional; raw chunk events still flow on the bus regardless.
	OutputSink func(ref.InstanceID, protocol.Assembled)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller drives the lifecycle state machine for every instance.
type Controller struct {
	registry  *capability.Registry
	consents  *consent.Manager
	executors map[manifest.SandboxMode]executor.Executor
	approver  executor.Approver
	validator *manifest.Validator

	workspaceRoot   string
	gracePeriod     time.Duration
	wallTimeout     time.Duration
	eventsPerSecond float64
	busBuffer       int
	observer        func(protocol.Event)
	outputSink      func(ref.InstanceID, protocol.Assembled)

	clk    clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	instances map[ref.InstanceID]*Instance
	counters  map[ref.AgentID]int
}

// NewController builds a Controller. Callers must follow with
// Consents.SetNotifier(controller) so revocations reach it.
func NewController(cfg Config) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Controller{
		registry:        cfg.Registry,
		consents:        cfg.Consents,
		executors:       cfg.Executors,
		approver:        cfg.Approver,
		validator:       manifest.NewValidator(cfg.Registry),
		workspaceRoot:   cfg.WorkspaceRoot,
		gracePeriod:     grace,
		wallTimeout:     cfg.WallTimeout,
		eventsPerSecond: cfg.EventsPerSecond,
		busBuffer:       cfg.BusBuffer,
		observer:        cfg.Observer,
		outputSink:      cfg.OutputSink,
		clk:             clk,
		logger:          logger,
		instances:       make(map[ref.InstanceID]*Instance),
		counters:        make(map[ref.AgentID]int),
	}
}

// Register validates the manifest and creates an instance in
// StateRegistered. No executor exists yet; no consent has been asked
// for. The registered transition is the instance's first ledger-visible
// event.
func (c *Controller) Register(m *manifest.Manifest, agentDir string) (*Instance, error) {
	if err := c.validator.Validate(m); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.counters[m.Name]++
	id := ref.InstanceID(fmt.Sprintf("%s/%d", m.Name, c.counters[m.Name]))
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		id:       id,
		manifest: m,
		agentDir: agentDir,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateRegistered,
		pumpDone: make(chan struct{}),
		bus: protocol.NewBus(protocol.BusConfig{
			AgentID:         m.Name,
			EventsPerSecond: c.eventsPerSecond,
			Buffer:          c.busBuffer,
			Observer:        c.observer,
			Clock:           c.clk,
		}),
	}
	c.instances[id] = inst
	c.mu.Unlock()

	c.logger.Info("instance registered", "instance", id, "sandbox", m.Sandbox)
	c.publishState(inst, StateRegistered)
	return inst, nil
}

// Initialize moves a registered instance to StateInitialized: the
// executor backend is selected and startup preconditions hold. Native
// mode requires the sandbox.native capability granted before this
// returns; refusal terminates the instance without it ever reaching
// Initialized.
func (c *Controller) Initialize(ctx context.Context, inst *Instance) error {
	if state := inst.State(); !state.CanTransition(StateInitialized) {
		return &TransitionError{Instance: inst.id, From: state, To: StateInitialized}
	}
	mode := inst.manifest.Sandbox
	if _, ok := c.executors[mode]; !ok {
		err := fmt.Errorf("no executor backend for sandbox mode %q", mode)
		c.failRegistration(inst, err)
		return err
	}

	if mode == manifest.SandboxNative {
		if !inst.manifest.Declares(capability.NativeSandbox) {
			err := fmt.Errorf("manifest selects native sandbox without declaring %s", capability.NativeSandbox)
			c.failRegistration(inst, err)
			return err
		}
		if _, err := c.consents.Request(ctx, inst.Agent(), capability.NativeSandbox,
			"run outside the wasm sandbox as an OS process", 0); err != nil {
			c.failRegistration(inst, fmt.Errorf("native sandbox not consented: %w", err))
			return err
		}
	}

	inst.mu.Lock()
	inst.mode = mode
	inst.mu.Unlock()
	inst.setState(StateInitialized)
	c.publishState(inst, StateInitialized)
	return nil
}

// failRegistration terminates an instance that never got past
// Registered, surfacing err as a validation-class error event first.
func (c *Controller) failRegistration(inst *Instance, err error) {
	c.publishError(inst, protocol.CodeValidation, err.Error(),
		"fix the manifest or grant the required capability, then re-register")
	c.Terminate(context.Background(), inst, "initialization failed")
}

// Start launches the instance's executor and moves it to StateActive
// once the executor reports ready. A start failure is retried exactly
// once with the manifest's fallback sandbox mode, if one is declared
// and backed; otherwise the instance terminates.
func (c *Controller) Start(ctx context.Context, inst *Instance) error {
	if state := inst.State(); !state.CanTransition(StateActive) {
		return &TransitionError{Instance: inst.id, From: state, To: StateActive}
	}

	quota, err := executor.ParseQuota(inst.manifest.Resources, c.wallTimeout)
	if err != nil {
		c.publishError(inst, protocol.CodeValidation, err.Error(), "fix the manifest's resource declarations")
		c.Terminate(context.Background(), inst, "invalid resource quota")
		return err
	}

	// Each agent gets its own subdirectory of the workspace root; the
	// sandbox mounts only that, so agents never see each other's files.
	workspace := filepath.Join(c.workspaceRoot, string(inst.Agent()))
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		c.publishError(inst, protocol.CodeExecutor, err.Error(), "check the workspace root's permissions")
		c.Terminate(context.Background(), inst, "workspace creation failed")
		return err
	}

	gate := executor.NewGate(inst.Agent(), inst.manifest.Capabilities, c.registry, c.consents, c.approver)
	spec := executor.StartSpec{
		Instance:      inst.id,
		Manifest:      inst.manifest,
		AgentDir:      inst.agentDir,
		WorkspaceRoot: workspace,
		Gate:          gate,
		Quota:         quota,
		Logger:        c.logger,
	}

	mode := inst.Mode()
	handle, err := c.executors[mode].Start(ctx, spec)
	if err != nil {
		fallback := inst.manifest.SandboxFallback
		backend, backed := c.executors[fallback]
		if fallback == "" || !inst.manifest.FallbackAllowed(fallback) || !backed {
			c.publishError(inst, protocol.CodeExecutor, err.Error(), "no fallback sandbox mode is available")
			c.Terminate(context.Background(), inst, "executor start failed")
			return err
		}
		c.logger.Warn("executor start failed, retrying with fallback",
			"instance", inst.id, "mode", mode, "fallback", fallback, "error", err)
		c.publishError(inst, protocol.CodeExecutor, err.Error(),
			fmt.Sprintf("retrying once with the %s sandbox", fallback))

		handle, err = backend.Start(ctx, spec)
		if err != nil {
			c.publishError(inst, protocol.CodeExecutor, err.Error(), "fallback sandbox also failed")
			c.Terminate(context.Background(), inst, "executor start failed")
			return err
		}
		mode = fallback
	}

	select {
	case <-handle.Ready():
	case <-ctx.Done():
		handle.Shutdown(context.Background())
		c.Terminate(context.Background(), inst, "startup cancelled")
		return ctx.Err()
	}

	inst.mu.Lock()
	inst.handle = handle
	inst.mode = mode
	inst.mu.Unlock()
	inst.setState(StateActive)
	c.publishState(inst, StateActive)
	c.logger.Info("instance active", "instance", inst.id, "mode", mode)

	go c.pump(inst, handle)
	return nil
}

// Suspend pauses an active instance, recording why.
func (c *Controller) Suspend(inst *Instance, reason string) error {
	inst.mu.Lock()
	if !inst.state.CanTransition(StateSuspended) {
		state := inst.state
		inst.mu.Unlock()
		return &TransitionError{Instance: inst.id, From: state, To: StateSuspended}
	}
	inst.state = StateSuspended
	inst.mu.Unlock()

	c.logger.Warn("instance suspended", "instance", inst.id, "reason", reason)
	c.publishState(inst, StateSuspended)
	if reason != "" {
		c.publish(inst, protocol.KindStateUpdate, protocol.StateUpdate{
			Key: "suspend_reason", Value: reason, Scope: "agent",
		})
	}
	return nil
}

// Resume returns a suspended instance to Active.
func (c *Controller) Resume(inst *Instance) error {
	inst.mu.Lock()
	if !inst.state.CanTransition(StateActive) || inst.state != StateSuspended {
		state := inst.state
		inst.mu.Unlock()
		return &TransitionError{Instance: inst.id, From: state, To: StateActive}
	}
	inst.state = StateActive
	inst.mu.Unlock()

	c.logger.Info("instance resumed", "instance", inst.id)
	c.publishState(inst, StateActive)
	return nil
}

// Terminate moves the instance to the terminal state from wherever it
// is. Cleanup — pending consent cancellation, bounded-grace executor
// shutdown, the final ledger-visible state event — runs before the
// state reads as Terminated. Idempotent.
func (c *Controller) Terminate(ctx context.Context, inst *Instance, reason string) error {
	inst.mu.Lock()
	if inst.state.Terminal() || inst.stopping {
		inst.mu.Unlock()
		return nil
	}
	inst.stopping = true
	handle := inst.handle
	inst.mu.Unlock()

	c.logger.Info("terminating instance", "instance", inst.id, "reason", reason)
	c.consents.Release(inst.Agent())

	if handle != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, c.gracePeriod)
		handle.Shutdown(shutdownCtx)
		cancel()
		<-inst.pumpDone
	}

	c.publishState(inst, StateTerminated)
	inst.setState(StateTerminated)
	inst.cancel()
	inst.bus.Close()
	return nil
}

// Instance returns the instance with the given id.
func (c *Controller) Instance(id ref.InstanceID) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	return inst, ok
}

// InstancesOf returns every non-terminated instance of agent.
func (c *Controller) InstancesOf(agent ref.AgentID) []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Instance
	for _, inst := range c.instances {
		if inst.Agent() == agent && !inst.State().Terminal() {
			out = append(out, inst)
		}
	}
	return out
}

// ConsentRevoked implements consent.Notifier. Revocation of a normal
// capability degrades just that feature; revocation of a sensitive
// capability an active instance declared has no in-place fallback, so
// the instance suspends with an explanatory state_update rather than
// being killed or left running over-privileged.
func (c *Controller) ConsentRevoked(agent ref.AgentID, capabilityID ref.CapabilityID, reason string) {
	for _, inst := range c.InstancesOf(agent) {
		if !inst.manifest.Declares(capabilityID) || inst.State() != StateActive {
			continue
		}
		if c.registry.Classify(capabilityID) == capability.ClassNormal {
			c.publish(inst, protocol.KindStateUpdate, protocol.StateUpdate{
				Key:   "capability_degraded",
				Value: string(capabilityID),
				Scope: "agent",
			})
			continue
		}
		c.Suspend(inst, fmt.Sprintf("capability %s %s", capabilityID, reason))
	}
}

// PublishConsentEvent is the consent manager's event sink: consent
// ceremony events are delivered on every live instance bus of the
// agent so they appear in the same ordered stream, and the same
// ledger, as everything else.
func (c *Controller) PublishConsentEvent(agent ref.AgentID, kind protocol.Kind, payload any) {
	c.mu.Lock()
	var targets []*Instance
	for _, inst := range c.instances {
		if inst.Agent() == agent && !inst.State().Terminal() {
			targets = append(targets, inst)
		}
	}
	c.mu.Unlock()
	for _, inst := range targets {
		c.publish(inst, kind, payload)
	}
}

// pump drains the executor handle's event stream onto the instance
// bus, enforcing sequence ordering and reacting to agent requests. It
// owns crash detection: a stream that ends without a host-initiated
// shutdown terminates the instance.
func (c *Controller) pump(inst *Instance, handle executor.Handle) {
	var checker protocol.OrderChecker
	reassembler := protocol.NewReassembler(inst.Agent())
	violated := false

	for event := range handle.Events() {
		if violated {
			continue
		}
		if err := checker.Check(event); err != nil {
			violated = true
			c.logger.Error("protocol ordering violation", "instance", inst.id, "error", err)
			c.publishError(inst, protocol.CodeProtocol, err.Error(),
				"the instance is suspended; resume restarts delivery from the last good sequence")
			c.Suspend(inst, "event sequence violation")
			continue
		}

		switch event.Kind {
		case protocol.KindConsentRequest:
			request, err := protocol.DecodePayload[protocol.ConsentRequest](event)
			if err != nil {
				c.publishError(inst, protocol.CodeProtocol, "malformed consent_request payload", "")
				continue
			}
			go c.handleConsentRequest(inst, request)
		case protocol.KindOutput:
			chunk, err := protocol.DecodePayload[protocol.Output](event)
			if err != nil {
				c.publishError(inst, protocol.CodeProtocol, "malformed output payload", "")
				continue
			}
			c.publish(inst, event.Kind, event.Payload)
			assembled, err := reassembler.Add(chunk)
			if err != nil {
				violated = true
				c.logger.Error("output reassembly failed", "instance", inst.id, "error", err)
				c.publishError(inst, protocol.CodeProtocol, err.Error(),
					"the instance is suspended; its output stream is corrupt")
				c.Suspend(inst, "output stream corruption")
				continue
			}
			if assembled != nil && c.outputSink != nil {
				c.outputSink(inst.id, *assembled)
			}
		default:
			c.publish(inst, event.Kind, event.Payload)
		}
	}

	close(inst.pumpDone)

	inst.mu.Lock()
	stopping := inst.stopping
	inst.mu.Unlock()
	if stopping {
		return
	}
	// The sandbox died on its own. Surface and terminate; restarting
	// a crashed sandbox silently could mask a security fault.
	c.logger.Error("sandbox exited unexpectedly", "instance", inst.id)
	c.publishError(inst, protocol.CodeExecutor, "sandbox exited unexpectedly",
		"inspect the ledger for the instance's final events")
	c.Terminate(context.Background(), inst, "sandbox crash")
}

// handleConsentRequest runs one agent-initiated consent ceremony. The
// manager publishes the request/grant/deny events; denial and
// cancellation only need logging here.
func (c *Controller) handleConsentRequest(inst *Instance, request protocol.ConsentRequest) {
	duration := time.Duration(request.DurationS) * time.Second
	_, err := c.consents.Request(inst.ctx, inst.Agent(), request.Capability, request.Reason, duration)
	if err != nil {
		c.logger.Info("consent request not granted",
			"instance", inst.id, "capability", request.Capability, "error", err)
	}
}

func (c *Controller) publishState(inst *Instance, state State) {
	c.publish(inst, protocol.KindStateUpdate, protocol.StateUpdate{
		Key:   "lifecycle",
		Value: state.String(),
		Scope: "agent",
	})
}

func (c *Controller) publishError(inst *Instance, code, message, hint string) {
	c.publish(inst, protocol.KindError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Hint:    hint,
	})
}

// publish delivers one event on the instance bus with a bounded wait,
// so a stalled consumer cannot wedge the controller.
func (c *Controller) publish(inst *Instance, kind protocol.Kind, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := inst.bus.Publish(ctx, kind, payload); err != nil {
		c.logger.Warn("dropping event", "instance", inst.id, "kind", kind, "error", err)
	}
}
