// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides Warden's standard SQLite connection
// pool. The audit ledger is the primary consumer; the package exists
// so that any future local store opens SQLite the same way.
//
// It wraps zombiezen.com/go/sqlite with pragmas chosen for an
// append-heavy audit workload:
//
//   - journal_mode=WAL: the ledger's single writer never blocks
//     concurrent Query/Export readers.
//   - synchronous=FULL: a ledger row, once Append returns, survives OS
//     crash and power loss. The ledger is the system of record for
//     what an agent was permitted to do; losing tail entries after a
//     crash would defeat reconstruction. This trades write throughput
//     for durability, which is the right trade for consent decisions
//     that happen at human speed.
//   - busy_timeout=5000: wait for a write lock instead of surfacing
//     SQLITE_BUSY to callers.
//   - foreign_keys=OFF: the ledger is a single flat table; integrity
//     is structural (monotonic entry_id, chain hash), not relational.
//   - temp_store=MEMORY: sort/aggregate scratch space off disk.
//
// The package is intentionally thin: it applies pragmas and exposes
// the underlying zombiezen types. Consumers write SQL directly with
// sqlitex — no query builder, no ORM.
package sqlitepool
