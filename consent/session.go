// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package consent

import (
	"errors"
	"fmt"
	"time"

	"github.com/warden-foundation/warden/lib/ref"
)

// Status is the lifecycle state of a consent session.
type Status int

const (
	// StatusActive means the session currently authorizes use of its
	// capability.
	StatusActive Status = iota

	// StatusExpired means the session's expiry passed. Set by the
	// sweeper; an active session past its expiry already fails
	// Granted checks before the sweeper runs.
	StatusExpired

	// StatusRevoked means the session was ended explicitly, either by
	// the user or by instance teardown.
	StatusRevoked
)

// String returns "active", "expired", or "revoked".
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	default:
		return "revoked"
	}
}

// Session is one grant of one capability to one agent. A zero
// ExpiresAt means the grant has no time bound and lasts until
// explicitly revoked.
type Session struct {
	Agent      ref.AgentID      `json:"agent"`
	Capability ref.CapabilityID `json:"capability"`
	GrantedAt  time.Time        `json:"granted_at"`
	ExpiresAt  time.Time        `json:"expires_at,omitzero"`
	Status     Status           `json:"status"`
}

// Expired reports whether the session's time bound has passed at now.
// Revoke-only sessions never expire.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Sentinel errors, matched with errors.Is through the *Error wrapper.
var (
	// ErrDenied means the user refused a pending consent request.
	ErrDenied = errors.New("consent denied")

	// ErrCancelled means a pending consent request was cancelled
	// before the user decided, by context cancellation or instance
	// teardown.
	ErrCancelled = errors.New("consent decision cancelled")

	// ErrSessionNotFound means Renew or Revoke named a (agent,
	// capability) pair with no active session.
	ErrSessionNotFound = errors.New("consent session not found")

	// ErrNoPendingDecision means Resolve named a (agent, capability)
	// pair with no request waiting on a decision.
	ErrNoPendingDecision = errors.New("no pending consent decision")

	// ErrUnknownCapability means Request named a capability outside
	// the registry. Manifest validation should have rejected it long
	// before a request reaches the manager.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Error is a consent failure scoped to one agent and capability.
type Error struct {
	Agent      ref.AgentID
	Capability ref.CapabilityID
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("consent: agent %q capability %q: %v", e.Agent, e.Capability, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
