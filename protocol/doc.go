// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the event protocol between the engine
// and agent instances: the typed event model, the framed CBOR wire
// format, output chunking with reassembly, and the per-instance Bus
// that enforces ordering and backpressure.
//
// The package is organized around the event data flow:
//
//   - event.go: event kinds, payload types, encode/decode helpers
//   - frame.go: wire format (kind byte + length + CBOR envelope)
//   - chunk.go: splitting large outputs into chunks, LZ4 payload
//     compression, and in-order reassembly
//   - bus.go: per-instance ordered channel with token-bucket
//     backpressure and an observer tap for the audit ledger
//
// Ordering is the protocol's central guarantee: events for one agent
// carry strictly increasing sequence numbers, assigned by the Bus at
// publish time, and consumers verify them with [OrderChecker]. A gap
// is never papered over — it surfaces as a *ProtocolError and the
// offending instance is suspended by the lifecycle controller.
//
// Backpressure is a token bucket (golang.org/x/time/rate): when the
// bucket is exhausted the producer suspends in Publish until tokens
// replenish. No event is ever silently dropped.
package protocol
