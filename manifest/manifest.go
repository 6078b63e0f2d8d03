// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/warden-foundation/warden/lib/ref"
)

// SchemaVersions is the set of manifest schema versions this engine
// accepts. Anything else is rejected outright with
// ReasonUnsupportedSchemaVersion — versions are never silently
// coerced.
var SchemaVersions = []string{"0.1"}

// SandboxMode selects the executor backend for an agent.
type SandboxMode string

const (
	// SandboxWASM runs the agent in a WASM host with deny-by-default
	// syscalls. The preferred mode.
	SandboxWASM SandboxMode = "wasm"

	// SandboxNative runs the agent as an OS-isolated native process.
	// Selecting it requires the sandbox.native capability to be
	// granted before the instance can initialize.
	SandboxNative SandboxMode = "native"
)

// Manifest is a validated agent declaration. Fields mirror the
// manifest file one-to-one; json tags double as the JSONC field names.
type Manifest struct {
	// SchemaVersion must be one of SchemaVersions.
	SchemaVersion string `json:"schema_version"`

	// Name is the agent identifier. Doubles as ref.AgentID.
	Name ref.AgentID `json:"name"`

	// Version is the agent's own version string, opaque to the engine.
	Version string `json:"version"`

	// Entry is the path of the agent's entry point, relative to the
	// agent directory (a .wasm module or a native executable).
	Entry string `json:"entry"`

	// Sandbox is the requested executor backend.
	Sandbox SandboxMode `json:"sandbox"`

	// SandboxFallback optionally names a second backend to try once
	// if starting the preferred one fails. Empty means no fallback:
	// a start failure is fatal to the instance.
	SandboxFallback SandboxMode `json:"sandbox_fallback,omitempty"`

	// Capabilities is the complete set of capabilities the agent may
	// ever request. Fixed at registration.
	Capabilities []ref.CapabilityID `json:"capabilities"`

	// OAuthScopes lists "provider:scope" pairs the agent may request
	// token handles for. The engine treats these as opaque labels.
	OAuthScopes []string `json:"oauth_scopes,omitempty"`

	// Resources declares the agent's resource ceilings.
	Resources Resources `json:"resources"`

	// UI carries rendering hints for the host shell. Opaque to the
	// engine; validated only for presence.
	UI UIHints `json:"ui"`
}

// Resources are the declared quota strings, parsed into enforceable
// limits by the executor (executor.ParseQuota).
type Resources struct {
	// CPU is a millicore string like "500m", or a whole-core count
	// like "2".
	CPU string `json:"cpu"`

	// Mem is a byte quantity like "512Mi" or "1Gi".
	Mem string `json:"mem"`
}

// UIHints are presentation hints ("streaming", "diff", "preview")
// consumed by the UI layer.
type UIHints struct {
	Hints []string `json:"hints"`
}

// Declares reports whether the manifest's capability set contains id.
func (m *Manifest) Declares(id ref.CapabilityID) bool {
	for _, capability := range m.Capabilities {
		if capability == id {
			return true
		}
	}
	return false
}

// FallbackAllowed reports whether mode is an allowed fallback from the
// manifest's preferred sandbox.
func (m *Manifest) FallbackAllowed(mode SandboxMode) bool {
	return m.SandboxFallback != "" && m.SandboxFallback == mode
}

// Load reads and parses a manifest file without validating it against
// a capability registry. Callers follow with Validator.Validate; Load
// alone only guarantees the JSONC was well-formed.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes JSONC manifest bytes. Comments and trailing commas are
// stripped before strict JSON decoding; unknown fields are rejected so
// a typo'd field name fails loudly instead of silently granting
// nothing.
func Parse(data []byte) (*Manifest, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()

	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: parsing: %w", err)
	}
	return &m, nil
}
