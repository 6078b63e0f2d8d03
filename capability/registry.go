// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"
	"sort"

	"github.com/warden-foundation/warden/lib/ref"
)

// RiskClass partitions capabilities by the ceremony required to use
// them.
type RiskClass int

const (
	// RiskNormal capabilities may be auto-granted under engine policy
	// and never require per-action prompts once a session exists.
	RiskNormal RiskClass = iota

	// RiskSensitive capabilities always require an explicit user
	// grant, and the registry reports them as needing per-action
	// consent even under an active session grant.
	RiskSensitive
)

// String returns "normal" or "sensitive".
func (r RiskClass) String() string {
	if r == RiskSensitive {
		return "sensitive"
	}
	return "normal"
}

// Classification is the answer to Classify: the risk class of a known
// capability, or ClassUnknown.
type Classification int

const (
	// ClassNormal is a known capability with RiskNormal.
	ClassNormal Classification = iota

	// ClassSensitive is a known capability with RiskSensitive.
	ClassSensitive

	// ClassUnknown means the capability is not in the registry.
	// Manifest validation rejects the owning manifest on this answer.
	ClassUnknown
)

// String returns "normal", "sensitive", or "unknown".
func (c Classification) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassSensitive:
		return "sensitive"
	default:
		return "unknown"
	}
}

// Kind describes one named permission category.
type Kind struct {
	// ID is the capability identifier ("files.read", "network").
	ID ref.CapabilityID `json:"id"`

	// Risk drives grant ceremony: sensitive capabilities always
	// round-trip through the consent UI.
	Risk RiskClass `json:"risk"`

	// Description is shown in consent prompts so the user understands
	// what they are granting.
	Description string `json:"description"`
}

// Registry is the static capability catalogue. Read-only after New;
// safe for unsynchronized concurrent reads.
type Registry struct {
	kinds map[ref.CapabilityID]Kind
}

// New builds a registry from the builtin catalogue plus any host
// additions. An addition with an id already in the catalogue overrides
// the builtin entry (a host may tighten files.read to sensitive, for
// example). Returns an error for a malformed capability id.
func New(additions ...Kind) (*Registry, error) {
	kinds := make(map[ref.CapabilityID]Kind, len(builtin)+len(additions))
	for _, kind := range builtin {
		kinds[kind.ID] = kind
	}
	for _, kind := range additions {
		if err := kind.ID.Validate(); err != nil {
			return nil, fmt.Errorf("capability: %w", err)
		}
		kinds[kind.ID] = kind
	}
	return &Registry{kinds: kinds}, nil
}

// Classify answers "is this capability known, and how risky is it".
func (r *Registry) Classify(id ref.CapabilityID) Classification {
	kind, ok := r.kinds[id]
	if !ok {
		return ClassUnknown
	}
	if kind.Risk == RiskSensitive {
		return ClassSensitive
	}
	return ClassNormal
}

// Known reports whether id is in the registry.
func (r *Registry) Known(id ref.CapabilityID) bool {
	_, ok := r.kinds[id]
	return ok
}

// RequiresPerActionConsent reports whether a capability needs a
// per-action check beyond holding an active session grant. True
// exactly for sensitive capabilities.
func (r *Registry) RequiresPerActionConsent(id ref.CapabilityID) bool {
	return r.Classify(id) == ClassSensitive
}

// Lookup returns the Kind for id, if known.
func (r *Registry) Lookup(id ref.CapabilityID) (Kind, bool) {
	kind, ok := r.kinds[id]
	return kind, ok
}

// List returns every registered kind, sorted by id. For display and
// diagnostics.
func (r *Registry) List() []Kind {
	kinds := make([]Kind, 0, len(r.kinds))
	for _, kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].ID < kinds[j].ID })
	return kinds
}
