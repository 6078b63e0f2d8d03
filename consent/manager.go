// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/protocol"
)

// Notifier receives synchronous revocation callbacks. The lifecycle
// controller implements it; it runs after the session is gone from
// every Granted view and before Revoke (or the sweep pass) returns.
type Notifier interface {
	ConsentRevoked(agent ref.AgentID, capability ref.CapabilityID, reason string)
}

// EventSink publishes a consent event on the owning instance's bus.
// The engine wires it to per-instance routing; a nil sink drops
// events, which only happens in tests.
type EventSink func(agent ref.AgentID, kind protocol.Kind, payload any)

// Policy holds the host's consent policy knobs.
type Policy struct {
	// AutoGrantNormal grants normal-risk capabilities without
	// prompting. When false, the first use of each normal capability
	// per agent lifetime prompts once; later requests auto-renew.
	AutoGrantNormal bool

	// DefaultDuration bounds grants whose request carried no
	// duration. Zero means such grants are revoke-only.
	DefaultDuration time.Duration

	// SweepInterval is the expiry sweeper's period. Zero selects
	// 30 seconds.
	SweepInterval time.Duration
}

// Config assembles a Manager.
type Config struct {
	Registry *capability.Registry
	Clock    clock.Clock // nil selects the real clock
	Logger   *slog.Logger
	Sink     EventSink
	Policy   Policy
}

// Manager owns all consent sessions and pending decisions. All methods
// are safe for concurrent use; internal state is serialized by one
// mutex, and event/notifier fan-out runs outside it so callbacks may
// call back into the manager.
type Manager struct {
	registry *capability.Registry
	clk      clock.Clock
	logger   *slog.Logger
	sink     EventSink
	policy   Policy

	mu       sync.Mutex
	notifier Notifier
	sessions map[sessionKey]Session
	pending  map[sessionKey]*pendingDecision

	// promptedNormal records normal-risk capabilities already granted
	// once this agent lifetime; later requests skip the prompt.
	promptedNormal map[sessionKey]bool
}

type sessionKey struct {
	agent      ref.AgentID
	capability ref.CapabilityID
}

// pendingDecision coalesces concurrent requests for one (agent,
// capability) pair onto a single user prompt. Resolution closes done;
// waiters read the outcome fields afterwards.
type pendingDecision struct {
	done     chan struct{}
	waiters  int
	resolved bool

	session Session // valid when err is nil
	err     error
}

// NewManager builds a Manager. The Notifier is attached separately via
// SetNotifier because the lifecycle controller that implements it is
// constructed after the manager.
func NewManager(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		registry:       cfg.Registry,
		clk:            clk,
		logger:         logger,
		sink:           cfg.Sink,
		policy:         cfg.Policy,
		sessions:       make(map[sessionKey]Session),
		pending:        make(map[sessionKey]*pendingDecision),
		promptedNormal: make(map[sessionKey]bool),
	}
}

// SetNotifier registers the revocation callback target.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// Request obtains a session for (agent, capability). Sensitive
// capabilities always surface a consent_request event and suspend
// until Resolve or cancellation. Normal capabilities auto-grant under
// policy, or prompt on first use per agent lifetime. If an active
// session already covers the pair it is returned as is.
//
// duration bounds the requested grant; zero falls back to the policy
// default (and to revoke-only if the policy has none).
func (m *Manager) Request(ctx context.Context, agent ref.AgentID, capabilityID ref.CapabilityID, reason string, duration time.Duration) (Session, error) {
	if !m.registry.Known(capabilityID) {
		return Session{}, &Error{Agent: agent, Capability: capabilityID, Err: ErrUnknownCapability}
	}
	key := sessionKey{agent: agent, capability: capabilityID}

	m.mu.Lock()
	if session, ok := m.sessions[key]; ok && !session.Expired(m.clk.Now()) {
		m.mu.Unlock()
		return session, nil
	}

	sensitive := m.registry.RequiresPerActionConsent(capabilityID)
	if !sensitive && (m.policy.AutoGrantNormal || m.promptedNormal[key]) {
		session := m.grantLocked(key, duration)
		m.mu.Unlock()
		m.emit(agent, protocol.KindConsentGrant, protocol.ConsentGrant{
			Capability: capabilityID,
			ExpiresAt:  session.ExpiresAt,
		})
		return session, nil
	}

	decision, firstWaiter := m.pending[key], false
	if decision == nil {
		decision = &pendingDecision{done: make(chan struct{})}
		m.pending[key] = decision
		firstWaiter = true
	}
	decision.waiters++
	m.mu.Unlock()

	if firstWaiter {
		m.emit(agent, protocol.KindConsentRequest, protocol.ConsentRequest{
			Capability: capabilityID,
			Reason:     reason,
			DurationS:  uint64(duration / time.Second),
		})
	}

	select {
	case <-decision.done:
		if decision.err != nil {
			return Session{}, decision.err
		}
		return decision.session, nil
	case <-ctx.Done():
		m.mu.Lock()
		if decision.resolved {
			// Resolution won the race; honor it.
			m.mu.Unlock()
			if decision.err != nil {
				return Session{}, decision.err
			}
			return decision.session, nil
		}
		decision.waiters--
		if decision.waiters == 0 {
			delete(m.pending, key)
		}
		m.mu.Unlock()
		return Session{}, &Error{Agent: agent, Capability: capabilityID, Err: ErrCancelled}
	}
}

// Resolve delivers the user's decision for the pending request on
// (agent, capability). On grant it creates the session and returns it;
// on denial every waiter unblocks with ErrDenied. duration bounds the
// grant the same way Request's duration does.
func (m *Manager) Resolve(agent ref.AgentID, capabilityID ref.CapabilityID, granted bool, duration time.Duration) (Session, error) {
	key := sessionKey{agent: agent, capability: capabilityID}

	m.mu.Lock()
	decision, ok := m.pending[key]
	if !ok {
		m.mu.Unlock()
		return Session{}, &Error{Agent: agent, Capability: capabilityID, Err: ErrNoPendingDecision}
	}
	delete(m.pending, key)
	decision.resolved = true
	if granted {
		decision.session = m.grantLocked(key, duration)
	} else {
		decision.err = &Error{Agent: agent, Capability: capabilityID, Err: ErrDenied}
	}
	close(decision.done)
	m.mu.Unlock()

	if granted {
		m.logger.Info("consent granted",
			"agent", agent, "capability", capabilityID, "expires_at", decision.session.ExpiresAt)
		m.emit(agent, protocol.KindConsentGrant, protocol.ConsentGrant{
			Capability: capabilityID,
			ExpiresAt:  decision.session.ExpiresAt,
		})
		return decision.session, nil
	}
	m.logger.Info("consent denied", "agent", agent, "capability", capabilityID)
	m.emit(agent, protocol.KindConsentRevoke, protocol.ConsentRevoke{
		Capability: capabilityID,
		Reason:     "denied",
	})
	return Session{}, decision.err
}

// grantLocked creates and stores the active session for key. Caller
// holds m.mu.
func (m *Manager) grantLocked(key sessionKey, duration time.Duration) Session {
	now := m.clk.Now().UTC()
	if duration <= 0 {
		duration = m.policy.DefaultDuration
	}
	session := Session{
		Agent:      key.agent,
		Capability: key.capability,
		GrantedAt:  now,
		Status:     StatusActive,
	}
	if duration > 0 {
		session.ExpiresAt = now.Add(duration)
	}
	m.sessions[key] = session
	if !m.registry.RequiresPerActionConsent(key.capability) {
		m.promptedNormal[key] = true
	}
	return session
}

// Renew extends the active session for (agent, capability) to
// now+extension. A revoked or expired session cannot be renewed;
// request a fresh grant instead.
func (m *Manager) Renew(agent ref.AgentID, capabilityID ref.CapabilityID, extension time.Duration) (Session, error) {
	key := sessionKey{agent: agent, capability: capabilityID}

	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok || session.Expired(m.clk.Now()) {
		m.mu.Unlock()
		return Session{}, &Error{Agent: agent, Capability: capabilityID, Err: ErrSessionNotFound}
	}
	if extension > 0 {
		session.ExpiresAt = m.clk.Now().UTC().Add(extension)
	} else {
		session.ExpiresAt = time.Time{}
	}
	m.sessions[key] = session
	m.mu.Unlock()

	m.emit(agent, protocol.KindConsentGrant, protocol.ConsentGrant{
		Capability: capabilityID,
		ExpiresAt:  session.ExpiresAt,
	})
	return session, nil
}

// Revoke ends the active session for (agent, capability). By the time
// it returns the session fails every Granted check, the consent_revoke
// event is published, and the notifier has run.
func (m *Manager) Revoke(agent ref.AgentID, capabilityID ref.CapabilityID) error {
	key := sessionKey{agent: agent, capability: capabilityID}

	m.mu.Lock()
	if _, ok := m.sessions[key]; !ok {
		m.mu.Unlock()
		return &Error{Agent: agent, Capability: capabilityID, Err: ErrSessionNotFound}
	}
	delete(m.sessions, key)
	notifier := m.notifier
	m.mu.Unlock()

	m.logger.Info("consent revoked", "agent", agent, "capability", capabilityID)
	m.fanOutRevocation(notifier, agent, capabilityID, "revoked")
	return nil
}

// Sweep expires every session whose time bound has passed, publishing
// the same fan-out as explicit revocation with reason "expired".
// Returns the number of sessions expired.
func (m *Manager) Sweep() int {
	now := m.clk.Now()

	m.mu.Lock()
	var expired []sessionKey
	for key, session := range m.sessions {
		if session.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.sessions, key)
	}
	notifier := m.notifier
	m.mu.Unlock()

	// Deterministic fan-out order for replay and tests.
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].agent != expired[j].agent {
			return expired[i].agent < expired[j].agent
		}
		return expired[i].capability < expired[j].capability
	})
	for _, key := range expired {
		m.logger.Info("consent expired", "agent", key.agent, "capability", key.capability)
		m.fanOutRevocation(notifier, key.agent, key.capability, "expired")
	}
	return len(expired)
}

// RunSweeper drives Sweep on the policy interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.policy.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Granted is the boundary check: it reports whether an active,
// unexpired session covers (agent, capability) right now. An expired
// session the sweeper has not visited yet reads as not granted.
func (m *Manager) Granted(agent ref.AgentID, capabilityID ref.CapabilityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey{agent: agent, capability: capabilityID}]
	return ok && !session.Expired(m.clk.Now())
}

// GrantView returns the capabilities currently granted to agent,
// sorted. Instances derive their effective permission set from this.
func (m *Manager) GrantView(agent ref.AgentID) []ref.CapabilityID {
	now := m.clk.Now()

	m.mu.Lock()
	var granted []ref.CapabilityID
	for key, session := range m.sessions {
		if key.agent == agent && !session.Expired(now) {
			granted = append(granted, key.capability)
		}
	}
	m.mu.Unlock()

	sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
	return granted
}

// Release drops all of agent's consent state during instance teardown:
// pending decisions unblock with ErrCancelled and active sessions are
// discarded without revocation fan-out, since the instance the fan-out
// would target is already shutting down.
func (m *Manager) Release(agent ref.AgentID) {
	m.mu.Lock()
	for key, decision := range m.pending {
		if key.agent != agent {
			continue
		}
		delete(m.pending, key)
		decision.resolved = true
		decision.err = &Error{Agent: key.agent, Capability: key.capability, Err: ErrCancelled}
		close(decision.done)
	}
	for key := range m.sessions {
		if key.agent == agent {
			delete(m.sessions, key)
		}
	}
	for key := range m.promptedNormal {
		if key.agent == agent {
			delete(m.promptedNormal, key)
		}
	}
	m.mu.Unlock()
}

// fanOutRevocation publishes the consent_revoke event and runs the
// notifier, in that order, outside the manager lock.
func (m *Manager) fanOutRevocation(notifier Notifier, agent ref.AgentID, capabilityID ref.CapabilityID, reason string) {
	m.emit(agent, protocol.KindConsentRevoke, protocol.ConsentRevoke{
		Capability: capabilityID,
		Reason:     reason,
	})
	if notifier != nil {
		notifier.ConsentRevoked(agent, capabilityID, reason)
	}
}

func (m *Manager) emit(agent ref.AgentID, kind protocol.Kind, payload any) {
	if m.sink != nil {
		m.sink(agent, kind, payload)
	}
}
