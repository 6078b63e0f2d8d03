// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"testing"

	"github.com/warden-foundation/warden/capability"
	"github.com/warden-foundation/warden/lib/ref"
)

// stubGrants is a GrantChecker backed by a mutable set, standing in
// for the consent manager.
type stubGrants struct {
	granted map[ref.CapabilityID]bool
}

func (s *stubGrants) Granted(agent ref.AgentID, capabilityID ref.CapabilityID) bool {
	return s.granted[capabilityID]
}

func newTestGate(t *testing.T, declared []ref.CapabilityID, grants *stubGrants, approver Approver) *Gate {
	t.Helper()
	registry, err := capability.New()
	if err != nil {
		t.Fatalf("capability.New: %v", err)
	}
	return NewGate("code-review", declared, registry, grants, approver)
}

func TestGateAuthorizeGranted(t *testing.T) {
	grants := &stubGrants{granted: map[ref.CapabilityID]bool{"files.read": true}}
	gate := newTestGate(t, []ref.CapabilityID{"files.read"}, grants, nil)

	if err := gate.Authorize("files.read"); err != nil {
		t.Fatalf("Authorize granted capability: %v", err)
	}
}

func TestGateBlocksUndeclaredCapability(t *testing.T) {
	// Granted but never declared: the manifest set is a hard outer
	// bound, grants cannot widen it.
	grants := &stubGrants{granted: map[ref.CapabilityID]bool{"network": true}}
	gate := newTestGate(t, []ref.CapabilityID{"files.read"}, grants, nil)

	err := gate.Authorize("network")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Authorize = %v, want *CapabilityError", err)
	}
	if capErr.Reason != "not declared in manifest" {
		t.Errorf("Reason = %q", capErr.Reason)
	}
}

func TestGateBlocksWithoutActiveSession(t *testing.T) {
	grants := &stubGrants{granted: map[ref.CapabilityID]bool{}}
	gate := newTestGate(t, []ref.CapabilityID{"files.write"}, grants, nil)

	err := gate.Authorize("files.write")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Authorize = %v, want *CapabilityError", err)
	}
	if capErr.Reason != "no active consent session" {
		t.Errorf("Reason = %q", capErr.Reason)
	}
}

func TestGateReflectsLiveRevocation(t *testing.T) {
	grants := &stubGrants{granted: map[ref.CapabilityID]bool{"files.write": true}}
	gate := newTestGate(t, []ref.CapabilityID{"files.write"}, grants, nil)

	if err := gate.Authorize("files.write"); err != nil {
		t.Fatalf("Authorize before revocation: %v", err)
	}
	grants.granted["files.write"] = false
	if err := gate.Authorize("files.write"); err == nil {
		t.Fatal("Authorize succeeded after revocation")
	}
}

func TestGatePerActionApprover(t *testing.T) {
	grants := &stubGrants{granted: map[ref.CapabilityID]bool{
		"files.write": true, // sensitive
		"files.read":  true, // normal
	}}
	approvals := 0
	approver := func(agent ref.AgentID, capabilityID ref.CapabilityID) bool {
		approvals++
		return approvals == 1
	}
	gate := newTestGate(t, []ref.CapabilityID{"files.write", "files.read"}, grants, approver)

	if err := gate.Authorize("files.write"); err != nil {
		t.Fatalf("first sensitive use: %v", err)
	}
	err := gate.Authorize("files.write")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) || capErr.Reason != "per-action approval refused" {
		t.Fatalf("second sensitive use = %v, want per-action refusal", err)
	}

	// Normal capabilities never consult the approver.
	if err := gate.Authorize("files.read"); err != nil {
		t.Fatalf("normal use: %v", err)
	}
	if approvals != 2 {
		t.Errorf("approver consulted %d times, want 2", approvals)
	}
}
