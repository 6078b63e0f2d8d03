// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/warden-foundation/warden/lib/codec"
)

// Wire format: each event is a 5-byte header (1 byte kind + 4 byte
// big-endian envelope length) followed by the CBOR-encoded envelope
// (agent id, sequence, timestamp, payload). The kind lives in the
// header rather than the envelope so a reader can dispatch without
// decoding.

// frameHeaderLength is the fixed header size.
const frameHeaderLength = 5

// maxEnvelopeLength caps a single event's encoded size. Output chunks
// are at most DefaultChunkSize, so 16 MB is generous headroom; a
// larger length indicates a corrupt or hostile stream.
const maxEnvelopeLength = 16 * 1024 * 1024

// WriteEvent writes one framed event to w.
func WriteEvent(w io.Writer, event Event) error {
	if !event.Kind.valid() {
		return fmt.Errorf("protocol: cannot write event with kind %s", event.Kind)
	}
	envelope, err := codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("protocol: encoding event envelope: %w", err)
	}

	var header [frameHeaderLength]byte
	header[0] = byte(event.Kind)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(envelope)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: writing frame header: %w", err)
	}
	if _, err := w.Write(envelope); err != nil {
		return fmt.Errorf("protocol: writing frame envelope: %w", err)
	}
	return nil
}

// ReadEvent reads one framed event from r. Returns io.EOF untouched
// when the stream ends cleanly at a frame boundary, so read loops can
// terminate on it.
func ReadEvent(r io.Reader) (Event, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("protocol: reading frame header: %w", err)
	}

	kind := Kind(header[0])
	if !kind.valid() {
		return Event{}, fmt.Errorf("protocol: unknown frame kind 0x%02x", header[0])
	}
	envelopeLength := binary.BigEndian.Uint32(header[1:5])
	if envelopeLength > maxEnvelopeLength {
		return Event{}, fmt.Errorf("protocol: envelope length %d exceeds maximum %d", envelopeLength, maxEnvelopeLength)
	}

	envelope := make([]byte, envelopeLength)
	if _, err := io.ReadFull(r, envelope); err != nil {
		return Event{}, fmt.Errorf("protocol: reading frame envelope: %w", err)
	}

	var event Event
	if err := codec.Unmarshal(envelope, &event); err != nil {
		return Event{}, fmt.Errorf("protocol: decoding frame envelope: %w", err)
	}
	event.Kind = kind
	return event, nil
}
