// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability defines the static catalogue of capability kinds
// and their risk classes. The Registry is Warden's default-deny
// anchor: a capability that is not in the registry cannot be declared
// in a manifest, let alone granted, so there is no path by which an
// agent acquires a privilege the host never named.
//
// The registry is built once at process start — the builtin catalogue
// plus any host additions from configuration — and is read-only
// afterwards. It is passed by reference into every component that
// classifies capabilities (manifest validation, consent, the executor
// gate) rather than looked up ambiently, so tests can substitute a
// restricted registry.
package capability
