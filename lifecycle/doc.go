// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle is the state machine for agent instances.
//
// An instance moves Registered → Initialized → Active ⇄ Suspended →
// Terminated, and Terminated is the only terminal state, reachable
// from everywhere. The Controller owns every transition: it validates
// manifests at registration, selects and starts the sandbox executor,
// pumps agent events onto the instance's ordered bus, reacts to
// consent revocations, and tears instances down with cleanup running
// before the terminated state becomes externally visible.
//
// Executor start failures are retried exactly once, with the
// manifest's fallback sandbox mode, and only if the manifest names
// one. A mid-session sandbox death is never silently restarted; it
// surfaces as an error event and terminates the instance, because a
// crashed sandbox restarting quietly could mask a security fault.
package lifecycle
