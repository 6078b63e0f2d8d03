// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the append-only audit log.
//
// Every lifecycle transition, consent decision, and agent event
// becomes an immutable Entry in a single SQLite table. One writer
// goroutine serializes appends, so entry ids are a total order, and
// each entry carries a BLAKE3 keyed chain hash over the previous hash
// and the entry's canonical bytes — modifying or deleting any historic
// entry breaks every hash after it, which Verify detects.
//
// The ledger holds its own copy of event data at append time. Nothing
// in reconstruction depends on live instances or sessions:
// ReconstructState is a pure fold over the entry sequence, and running
// it twice over the same entries yields identical results.
//
// Export produces a redacted view for sharing — secret-shaped fields
// are stripped, optionally zstd-compressed — while the ledger itself
// always retains full detail.
package ledger
