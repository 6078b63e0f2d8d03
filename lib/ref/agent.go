// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// AgentID identifies a registered agent by its manifest name
// (e.g., "code-review", "search"). Agent names are stable across
// instances: two concurrent instantiations of the same manifest share
// an AgentID but have distinct InstanceIDs.
type AgentID string

// Validate checks that the agent id is non-empty and contains only
// lowercase letters, digits, '.', '-', and '_'. The character set is
// deliberately narrow: agent ids appear in ledger rows, log lines, and
// filesystem paths (workspace directories), so anything that needs
// quoting is rejected up front.
func (a AgentID) Validate() error {
	if a == "" {
		return fmt.Errorf("agent id is empty")
	}
	for _, r := range string(a) {
		if !isIdentRune(r) {
			return fmt.Errorf("agent id %q contains invalid character %q", string(a), r)
		}
	}
	return nil
}

// String returns the agent id as a plain string.
func (a AgentID) String() string { return string(a) }

// InstanceID identifies one running instantiation of an agent
// manifest. The format is "<agent>/<n>" where n is a per-process
// monotonic counter; the engine assigns it at registration time.
type InstanceID string

// Validate checks the "<agent>/<n>" shape. The agent part is validated
// with the same rules as AgentID.
func (i InstanceID) Validate() error {
	agent, _, ok := strings.Cut(string(i), "/")
	if !ok {
		return fmt.Errorf("instance id %q missing '/' separator", string(i))
	}
	return AgentID(agent).Validate()
}

// Agent returns the agent portion of the instance id.
func (i InstanceID) Agent() AgentID {
	agent, _, _ := strings.Cut(string(i), "/")
	return AgentID(agent)
}

// String returns the instance id as a plain string.
func (i InstanceID) String() string { return string(i) }

// isIdentRune reports whether r is allowed in agent and capability
// identifiers.
func isIdentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_':
		return true
	}
	return false
}
