// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import "github.com/warden-foundation/warden/lib/ref"

// NativeSandbox gates selection of the native (OS-isolation) sandbox
// backend. An agent whose manifest requests native execution cannot
// reach Initialized until this capability is granted — native
// isolation is weaker than WASM's, so choosing it is itself a
// sensitive decision.
const NativeSandbox = ref.CapabilityID("sandbox.native")

// builtin is the capability catalogue every Warden host starts from.
// The split between normal and sensitive follows one rule: anything
// that can exfiltrate data or mutate state outside the agent's own
// workspace is sensitive.
var builtin = []Kind{
	{
		ID:          "files.read",
		Risk:        RiskNormal,
		Description: "read files inside the agent workspace",
	},
	{
		ID:          "files.write",
		Risk:        RiskSensitive,
		Description: "create and modify files inside the agent workspace",
	},
	{
		ID:          "network",
		Risk:        RiskSensitive,
		Description: "open outbound network connections (allowlisted hosts)",
	},
	{
		ID:          "process.exec",
		Risk:        RiskSensitive,
		Description: "spawn subprocesses inside the sandbox",
	},
	{
		ID:          "oauth",
		Risk:        RiskSensitive,
		Description: "use OAuth token handles for declared provider scopes",
	},
	{
		ID:          "state.read",
		Risk:        RiskNormal,
		Description: "read agent-scoped persistent state",
	},
	{
		ID:          "state.write",
		Risk:        RiskNormal,
		Description: "write agent-scoped persistent state",
	},
	{
		ID:          "artifacts.write",
		Risk:        RiskNormal,
		Description: "publish artifacts (diffs, logs, previews) to the workspace",
	},
	{
		ID:          NativeSandbox,
		Risk:        RiskSensitive,
		Description: "run under OS-level isolation instead of the WASM host",
	},
}
