// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Warden's standard CBOR encoding configuration.
//
// Warden uses three serialization formats with a clear boundary:
//
//   - JSONC for agent manifests: human-authored files that benefit
//     from comments (package manifest).
//   - YAML for engine configuration (lib/config).
//   - CBOR for everything machine-to-machine: the agent event wire
//     protocol, audit ledger payloads, and on-disk state.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Determinism matters here beyond tidiness — ledger chain hashes are
// computed over encoded entry bytes, so the same logical entry must
// always produce identical bytes or chain verification would be
// meaningless.
//
// # Struct Tag Rules
//
// Types only ever serialized as CBOR (wire envelopes, ledger rows)
// carry `cbor` tags. Types that also appear in JSON output (event
// payloads included in ledger exports, manifest structures) carry
// `json` tags; fxamacker/cbor reads `json` tags as fallback, so one
// tag controls both formats. Never use both tags on one field.
package codec
