// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindInput:          "input",
		KindOutput:         "output",
		KindArtifact:       "artifact",
		KindConsentRequest: "consent_request",
		KindConsentGrant:   "consent_grant",
		KindConsentRevoke:  "consent_revoke",
		KindError:          "error",
		KindStateUpdate:    "state_update",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
	if Kind(0x7f).valid() {
		t.Error("Kind(0x7f) should not be valid")
	}
}

func TestPayloadRoundtrip(t *testing.T) {
	raw, err := EncodePayload(ConsentRequest{Capability: "network", Reason: "fetch dependencies", DurationS: 300})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	event := Event{Kind: KindConsentRequest, AgentID: "code-review", Sequence: 1, Payload: raw}

	decoded, err := DecodePayload[ConsentRequest](event)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.Capability != "network" || decoded.DurationS != 300 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestFrameRoundtrip(t *testing.T) {
	raw, err := EncodePayload(ErrorPayload{Code: CodeExecutor, Message: "sandbox crashed", Hint: "check agent logs"})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	original := Event{
		Kind:      KindError,
		AgentID:   "search",
		Sequence:  7,
		Timestamp: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Payload:   raw,
	}

	var buffer bytes.Buffer
	if err := WriteEvent(&buffer, original); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	decoded, err := ReadEvent(&buffer)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if decoded.Kind != KindError || decoded.AgentID != "search" || decoded.Sequence != 7 {
		t.Errorf("decoded envelope = %+v", decoded)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("timestamp = %v, want %v", decoded.Timestamp, original.Timestamp)
	}

	payload, err := DecodePayload[ErrorPayload](decoded)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Code != CodeExecutor || payload.Hint != "check agent logs" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestReadEventCleanEOF(t *testing.T) {
	if _, err := ReadEvent(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("ReadEvent on empty stream = %v, want io.EOF", err)
	}
}

func TestReadEventRejectsUnknownKind(t *testing.T) {
	frame := []byte{0x7f, 0, 0, 0, 0}
	if _, err := ReadEvent(bytes.NewReader(frame)); err == nil {
		t.Fatal("expected error for unknown frame kind")
	}
}

func TestWriteEventRejectsInvalidKind(t *testing.T) {
	if err := WriteEvent(io.Discard, Event{Kind: 0}); err == nil {
		t.Fatal("expected error writing event with zero kind")
	}
}

func TestOrderChecker(t *testing.T) {
	var checker OrderChecker

	// Attaching mid-stream is fine.
	if err := checker.Check(Event{AgentID: "a", Sequence: 5}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := checker.Check(Event{AgentID: "a", Sequence: 6}); err != nil {
		t.Fatalf("consecutive event: %v", err)
	}

	err := checker.Check(Event{AgentID: "a", Sequence: 8})
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("gap: expected *ProtocolError, got %v", err)
	}
	if perr.Expected != 7 || perr.Observed != 8 {
		t.Errorf("gap error = %+v", perr)
	}
}

func TestOrderCheckerRejectsSequenceZero(t *testing.T) {
	// The bus assigns sequences from 1, so zero is never legitimate.
	// Repeated zero-stamped events must each fail, not ride the
	// attach-anywhere allowance.
	var checker OrderChecker
	for i := 0; i < 5; i++ {
		err := checker.Check(Event{AgentID: "a", Sequence: 0})
		if _, ok := err.(*ProtocolError); !ok {
			t.Fatalf("event %d: expected *ProtocolError, got %v", i, err)
		}
	}

	// A zero after a valid stream is a regression, still rejected.
	checker = OrderChecker{}
	if err := checker.Check(Event{AgentID: "a", Sequence: 1}); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := checker.Check(Event{AgentID: "a", Sequence: 0}); err == nil {
		t.Fatal("sequence zero after a valid stream was accepted")
	}
}
