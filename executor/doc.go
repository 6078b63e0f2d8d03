// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs agent code inside a sandbox and gates every
// capability use at the host boundary.
//
// An Executor starts one agent instance and returns a Handle: events
// flow in via Send and out via Events, a finite channel that closes
// exactly once when the instance ends. Three backends exist. The WASM
// backend instantiates the agent module in a deny-by-default host
// where only granted capabilities are wired in at all. The native
// backend runs the entry point under bubblewrap with the filesystem
// scoped to the workspace root, and requires the sandbox.native
// capability to have been granted before it will start anything. The
// loopback backend is in-memory, for tests and engine wiring.
//
// Capability enforcement never trusts the agent: host-side shims call
// Gate.Authorize on every use, and the gate consults live grant state,
// so a revocation is effective on the next attempted use regardless of
// what the agent believes it holds.
package executor
