// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"

	"github.com/warden-foundation/warden/lib/ref"
)

// ErrBusClosed is returned by Publish after the bus has been closed.
var ErrBusClosed = errors.New("protocol: bus closed")

// ProtocolError reports a malformed or out-of-order event stream. The
// lifecycle controller suspends the offending instance; other
// instances are unaffected.
type ProtocolError struct {
	AgentID ref.AgentID

	// Reason is a short description: "sequence gap", "chunk out of
	// order", "payload decode failed".
	Reason string

	// Expected and Observed are the sequence (or chunk) numbers
	// involved, when the violation is numeric.
	Expected uint64
	Observed uint64
}

func (e *ProtocolError) Error() string {
	if e.Expected != 0 || e.Observed != 0 {
		return fmt.Sprintf("protocol: agent %s: %s (expected %d, observed %d)",
			e.AgentID, e.Reason, e.Expected, e.Observed)
	}
	return fmt.Sprintf("protocol: agent %s: %s", e.AgentID, e.Reason)
}

// OrderChecker verifies the per-agent ordering guarantee on the
// consumer side: sequence numbers strictly increasing with no gaps.
// Zero value is ready to use; not safe for concurrent use (one checker
// per consumer).
type OrderChecker struct {
	started bool
	last    uint64
}

// Check validates the next event's sequence number. The first event
// may carry any sequence except zero (a consumer can attach
// mid-stream, but the bus assigns from 1); after that each event must
// carry exactly last+1.
func (c *OrderChecker) Check(event Event) error {
	if event.Sequence == 0 {
		return &ProtocolError{
			AgentID:  event.AgentID,
			Reason:   "sequence zero",
			Expected: c.last + 1,
			Observed: 0,
		}
	}
	if c.started && event.Sequence != c.last+1 {
		reason := "sequence gap"
		if event.Sequence <= c.last {
			reason = "sequence regression"
		}
		return &ProtocolError{
			AgentID:  event.AgentID,
			Reason:   reason,
			Expected: c.last + 1,
			Observed: event.Sequence,
		}
	}
	c.started = true
	c.last = event.Sequence
	return nil
}
