// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects [Real]; tests inject [Fake] and drive time with Advance.
//
// Everything in Warden that reads the wall clock or schedules work —
// consent session expiry, the sweep ticker, executor shutdown grace
// periods, ledger timestamps — takes a Clock instead of calling the
// time package directly. That makes expiry behavior deterministic
// under test: grant a capability for 300 seconds, advance the fake
// clock by 301, and the sweep observably expires the session without
// any real waiting.
package clock
