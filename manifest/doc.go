// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest parses and validates agent manifests.
//
// A manifest is a JSONC document (JSON with comments — manifests are
// human-authored) declaring what an agent is and everything it will
// ever be allowed to ask for: entry point, sandbox mode, capability
// set, OAuth scopes, and resource ceilings. The capability set is
// fixed at registration; growing it requires re-registration, so
// validation here is the one gate through which every privilege an
// agent can hold must pass.
//
// Validation is pure: it allocates nothing outside the returned
// Manifest and a rejection never partially registers anything. Every
// rejection is a *ValidationError carrying a machine-readable reason
// (unsupported schema version, missing field, unknown capability,
// invalid sandbox mode) plus the offending field.
package manifest
