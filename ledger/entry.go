// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"time"

	"github.com/warden-foundation/warden/lib/codec"
	"github.com/warden-foundation/warden/lib/ref"
	"github.com/warden-foundation/warden/protocol"
)

// Redaction flag bits.
const (
	// FlagSensitive marks an entry whose payload contained
	// secret-shaped fields at append time. Export strips those fields
	// regardless; the flag lets auditors find such entries without
	// scanning every payload.
	FlagSensitive int64 = 1 << iota
)

// Entry is one immutable audit record. Entries are never mutated or
// deleted; entry ids are assigned by the single writer and form a
// total order.
type Entry struct {
	// ID is the monotonic entry id. Zero until appended.
	ID int64 `json:"entry_id"`

	Timestamp time.Time   `json:"timestamp"`
	AgentID   ref.AgentID `json:"agent_id"`

	// Action names what happened: an event kind ("output",
	// "consent_grant") or "lifecycle" for state transitions.
	Action string `json:"action"`

	// Outcome qualifies the action: "ok", a lifecycle state name, a
	// revocation reason, or an error code.
	Outcome string `json:"outcome"`

	// Payload is the full event payload as appended. CBOR.
	Payload codec.RawMessage `json:"payload,omitempty"`

	// RedactionFlags is a bitmask of Flag* values.
	RedactionFlags int64 `json:"redaction_flags"`

	// ChainHash is the BLAKE3 keyed hash over the previous entry's
	// chain hash and this entry's canonical bytes.
	ChainHash []byte `json:"chain_hash"`
}

// ActionLifecycle is the action recorded for lifecycle transitions.
const ActionLifecycle = "lifecycle"

// EntryFromEvent converts a bus event into the entry the ledger
// records for it. Wired as the bus observer, it sees events in
// sequence order, which the single writer preserves as entry id order.
func EntryFromEvent(event protocol.Event) Entry {
	entry := Entry{
		Timestamp: event.Timestamp,
		AgentID:   event.AgentID,
		Action:    event.Kind.String(),
		Outcome:   "ok",
		Payload:   event.Payload,
	}

	switch event.Kind {
	case protocol.KindStateUpdate:
		payload, err := protocol.DecodePayload[protocol.StateUpdate](event)
		if err == nil && payload.Key == "lifecycle" {
			entry.Action = ActionLifecycle
			if state, ok := payload.Value.(string); ok {
				entry.Outcome = state
			}
		}
	case protocol.KindConsentRevoke:
		if payload, err := protocol.DecodePayload[protocol.ConsentRevoke](event); err == nil {
			entry.Outcome = payload.Reason
		}
	case protocol.KindError:
		if payload, err := protocol.DecodePayload[protocol.ErrorPayload](event); err == nil {
			entry.Outcome = payload.Code
		}
	}

	if payloadLooksSensitive(entry.Payload) {
		entry.RedactionFlags |= FlagSensitive
	}
	return entry
}

// chainedEntry is the canonical byte layout hashed into the chain. It
// excludes the entry id (assigned after hashing) and the chain hash
// itself. Deterministic CBOR encoding makes the bytes reproducible.
type chainedEntry struct {
	Timestamp      time.Time        `cbor:"1,keyasint"`
	AgentID        ref.AgentID      `cbor:"2,keyasint"`
	Action         string           `cbor:"3,keyasint"`
	Outcome        string           `cbor:"4,keyasint"`
	Payload        codec.RawMessage `cbor:"5,keyasint,omitempty"`
	RedactionFlags int64            `cbor:"6,keyasint"`
}

// canonicalBytes normalizes the timestamp to UTC so the hash is
// stable across storage roundtrips.
func canonicalBytes(entry Entry) ([]byte, error) {
	return codec.Marshal(chainedEntry{
		Timestamp:      entry.Timestamp.UTC(),
		AgentID:        entry.AgentID,
		Action:         entry.Action,
		Outcome:        entry.Outcome,
		Payload:        entry.Payload,
		RedactionFlags: entry.RedactionFlags,
	})
}

// payloadLooksSensitive reports whether the payload carries any
// secret-shaped field, per the redaction rules in export.go.
func payloadLooksSensitive(payload codec.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var decoded any
	if err := codec.Unmarshal(payload, &decoded); err != nil {
		return false
	}
	return containsSecret(decoded)
}

func containsSecret(value any) bool {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if secretKey(key) || secretValue(nested) || containsSecret(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range v {
			if secretValue(nested) || containsSecret(nested) {
				return true
			}
		}
	}
	return false
}
