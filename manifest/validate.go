// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"slices"

	"github.com/warden-foundation/warden/capability"
)

// ValidationReason is the machine-readable cause of a manifest
// rejection.
type ValidationReason string

const (
	// ReasonUnsupportedSchemaVersion: schema_version not in
	// SchemaVersions.
	ReasonUnsupportedSchemaVersion ValidationReason = "unsupported_schema_version"

	// ReasonMissingField: a required field is absent or empty.
	ReasonMissingField ValidationReason = "missing_field"

	// ReasonUnknownCapability: a declared capability is not in the
	// capability registry.
	ReasonUnknownCapability ValidationReason = "unknown_capability"

	// ReasonInvalidSandboxMode: sandbox (or sandbox_fallback) is not
	// "wasm" or "native".
	ReasonInvalidSandboxMode ValidationReason = "invalid_sandbox_mode"
)

// ValidationError is a manifest rejection. It identifies the reason
// and the field or value at fault, and for schema version mismatches
// names the supported range so callers can surface a structured error.
type ValidationError struct {
	Reason ValidationReason

	// Field is the manifest field at fault ("schema_version", "entry",
	// "capabilities", ...).
	Field string

	// Value is the offending value, when one exists.
	Value string
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonUnsupportedSchemaVersion:
		return fmt.Sprintf("manifest: unsupported schema version %q (supported: %v)", e.Value, SchemaVersions)
	case ReasonMissingField:
		return fmt.Sprintf("manifest: missing required field %q", e.Field)
	case ReasonUnknownCapability:
		return fmt.Sprintf("manifest: unknown capability %q", e.Value)
	case ReasonInvalidSandboxMode:
		return fmt.Sprintf("manifest: invalid sandbox mode %q in field %q", e.Value, e.Field)
	default:
		return fmt.Sprintf("manifest: invalid (%s): field %q value %q", e.Reason, e.Field, e.Value)
	}
}

// Validator checks manifests against a capability registry. The
// registry reference is how "no hidden privileges" is enforced: a
// capability the registry has never heard of can never be declared.
type Validator struct {
	registry *capability.Registry
}

// NewValidator returns a Validator using the given registry.
func NewValidator(registry *capability.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks m and returns the first rejection found, or nil.
// Pure: no side effects, no partial registration on rejection.
func (v *Validator) Validate(m *Manifest) error {
	if m.SchemaVersion == "" {
		return &ValidationError{Reason: ReasonMissingField, Field: "schema_version"}
	}
	if !slices.Contains(SchemaVersions, m.SchemaVersion) {
		return &ValidationError{Reason: ReasonUnsupportedSchemaVersion, Field: "schema_version", Value: m.SchemaVersion}
	}

	required := []struct {
		name  string
		value string
	}{
		{"name", string(m.Name)},
		{"version", m.Version},
		{"entry", m.Entry},
		{"sandbox", string(m.Sandbox)},
		{"resources.cpu", m.Resources.CPU},
		{"resources.mem", m.Resources.Mem},
	}
	for _, field := range required {
		if field.value == "" {
			return &ValidationError{Reason: ReasonMissingField, Field: field.name}
		}
	}

	if err := m.Name.Validate(); err != nil {
		return &ValidationError{Reason: ReasonMissingField, Field: "name", Value: string(m.Name)}
	}

	if m.Sandbox != SandboxWASM && m.Sandbox != SandboxNative {
		return &ValidationError{Reason: ReasonInvalidSandboxMode, Field: "sandbox", Value: string(m.Sandbox)}
	}
	if m.SandboxFallback != "" {
		if m.SandboxFallback != SandboxWASM && m.SandboxFallback != SandboxNative {
			return &ValidationError{Reason: ReasonInvalidSandboxMode, Field: "sandbox_fallback", Value: string(m.SandboxFallback)}
		}
		if m.SandboxFallback == m.Sandbox {
			return &ValidationError{Reason: ReasonInvalidSandboxMode, Field: "sandbox_fallback", Value: string(m.SandboxFallback)}
		}
	}

	for _, id := range m.Capabilities {
		if id.Validate() != nil || !v.registry.Known(id) {
			return &ValidationError{Reason: ReasonUnknownCapability, Field: "capabilities", Value: string(id)}
		}
	}

	return nil
}
