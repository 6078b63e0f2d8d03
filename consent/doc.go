// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package consent tracks time-bounded capability grants.
//
// A grant is a Session binding one agent to one capability, holding at
// most one active session per (agent, capability) pair. Sessions are
// created through Manager.Request, which either auto-grants under
// policy or surfaces a consent_request event and suspends the caller
// until the user decides (Manager.Resolve) or the request is
// cancelled.
//
// Revocation is synchronous: by the time Revoke returns, the session
// is gone from every boundary view, the consent_revoke event has been
// published, and the registered Notifier (the lifecycle controller)
// has run. Capability checks racing a revocation therefore observe
// either the granted state or the revoked state, never a third thing.
//
// Expiry is driven by an injected clock so tests advance time
// explicitly. An expired-but-unswept session already reads as not
// granted; the sweeper exists to publish the revocation fan-out, not
// to make expiry take effect.
package consent
