// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// CapabilityID names a permission category an agent can declare and be
// granted. The format is either a bare scope ("network") or a
// scope.action pair ("files.read", "files.write"). The scope groups
// related permissions; the action narrows to one operation within the
// scope. A bare scope covers every action in that scope.
type CapabilityID string

// Validate checks the capability id format: one or two non-empty
// segments of lowercase letters, digits, '-', and '_', separated by a
// single '.'.
func (c CapabilityID) Validate() error {
	if c == "" {
		return fmt.Errorf("capability id is empty")
	}
	segments := strings.Split(string(c), ".")
	if len(segments) > 2 {
		return fmt.Errorf("capability id %q has more than two segments", string(c))
	}
	for _, segment := range segments {
		if segment == "" {
			return fmt.Errorf("capability id %q has an empty segment", string(c))
		}
		for _, r := range segment {
			if r == '.' || !isIdentRune(r) {
				return fmt.Errorf("capability id %q contains invalid character %q", string(c), r)
			}
		}
	}
	return nil
}

// Scope returns the scope segment ("files" for "files.read",
// "network" for "network").
func (c CapabilityID) Scope() string {
	scope, _, _ := strings.Cut(string(c), ".")
	return scope
}

// Action returns the action segment, or "" for a bare-scope
// capability.
func (c CapabilityID) Action() string {
	_, action, _ := strings.Cut(string(c), ".")
	return action
}

// String returns the capability id as a plain string.
func (c CapabilityID) String() string { return string(c) }
