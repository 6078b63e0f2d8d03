// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"time"

	"github.com/warden-foundation/warden/lib/codec"
	"github.com/warden-foundation/warden/lib/ref"
)

// Kind identifies an event's payload type. The byte value doubles as
// the wire frame type, so these are protocol constants — changing them
// breaks wire compatibility.
type Kind byte

const (
	// KindInput carries user or host input to an agent.
	KindInput Kind = 0x01

	// KindOutput carries one chunk of agent output.
	KindOutput Kind = 0x02

	// KindArtifact announces a generated artifact (diff, log,
	// preview) by workspace path.
	KindArtifact Kind = 0x03

	// KindConsentRequest asks the user to grant a capability.
	KindConsentRequest Kind = 0x04

	// KindConsentGrant records that a capability was granted.
	KindConsentGrant Kind = 0x05

	// KindConsentRevoke records that a grant was revoked or expired.
	KindConsentRevoke Kind = 0x06

	// KindError carries a structured error. Error events are
	// first-class protocol messages, ledgered like any other — never
	// a side channel.
	KindError Kind = 0x07

	// KindStateUpdate records a keyed state change (including every
	// lifecycle transition, under the "lifecycle" key).
	KindStateUpdate Kind = 0x08
)

// String returns the event kind's wire-schema name.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindArtifact:
		return "artifact"
	case KindConsentRequest:
		return "consent_request"
	case KindConsentGrant:
		return "consent_grant"
	case KindConsentRevoke:
		return "consent_revoke"
	case KindError:
		return "error"
	case KindStateUpdate:
		return "state_update"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// valid reports whether k is a defined event kind.
func (k Kind) valid() bool {
	return k >= KindInput && k <= KindStateUpdate
}

// Event is one protocol message. Sequence is assigned by the Bus at
// publish time and is strictly increasing per agent with no gaps;
// consumers must not process events out of order.
type Event struct {
	Kind      Kind             `cbor:"-"`
	AgentID   ref.AgentID      `cbor:"agent_id"`
	Sequence  uint64           `cbor:"sequence"`
	Timestamp time.Time        `cbor:"timestamp"`
	Payload   codec.RawMessage `cbor:"payload,omitempty"`
}

// Input is the payload of KindInput.
type Input struct {
	Prompt      string   `json:"prompt"`
	ContextRefs []string `json:"context_refs,omitempty"`
}

// Output is the payload of KindOutput: one chunk of a logical output
// message. Chunks for one message carry consecutive ChunkIDs starting
// at zero; Complete marks the final chunk.
type Output struct {
	ChunkID     uint64 `json:"chunk_id"`
	ContentType string `json:"content_type"`

	// Encoding is "" for raw data or "lz4" for LZ4 block-compressed
	// data. RawSize is the uncompressed length, needed to size the
	// decompression buffer; zero when Encoding is "".
	Encoding string `json:"encoding,omitempty"`
	RawSize  int    `json:"raw_size,omitempty"`

	Data     []byte `json:"data"`
	Complete bool   `json:"complete"`
}

// Artifact is the payload of KindArtifact.
type Artifact struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	PreviewHint string `json:"preview_hint,omitempty"`
}

// ConsentRequest is the payload of KindConsentRequest.
type ConsentRequest struct {
	Capability ref.CapabilityID `json:"capability"`
	Reason     string           `json:"reason"`
	DurationS  uint64           `json:"duration_s,omitempty"`
}

// ConsentGrant is the payload of KindConsentGrant. A zero ExpiresAt
// means the grant lasts until explicitly revoked.
type ConsentGrant struct {
	Capability ref.CapabilityID `json:"capability"`
	ExpiresAt  time.Time        `json:"expires_at,omitzero"`
}

// ConsentRevoke is the payload of KindConsentRevoke. Reason is
// "revoked" for explicit revocation, "expired" for sweep expiry, or
// "denied" when a pending request was refused.
type ConsentRevoke struct {
	Capability ref.CapabilityID `json:"capability"`
	Reason     string           `json:"reason"`
}

// ErrorPayload is the payload of KindError. Code is one of the Code*
// constants; Hint is a human-readable recovery suggestion.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// StateUpdate is the payload of KindStateUpdate. Scope is "agent",
// "session", or "global".
type StateUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Scope string `json:"scope"`
}

// Error event codes, one per class in the engine's error taxonomy.
const (
	CodeValidation = "validation"
	CodeCapability = "capability"
	CodeConsent    = "consent"
	CodeExecutor   = "executor"
	CodeProtocol   = "protocol"
)

// EncodePayload marshals a payload value to the raw form carried in an
// Event.
func EncodePayload(payload any) (codec.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals an event's payload into T.
func DecodePayload[T any](event Event) (T, error) {
	var payload T
	if err := codec.Unmarshal(event.Payload, &payload); err != nil {
		return payload, fmt.Errorf("protocol: decoding %s payload: %w", event.Kind, err)
	}
	return payload, nil
}
