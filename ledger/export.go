// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/warden-foundation/warden/lib/codec"
	"github.com/warden-foundation/warden/lib/ref"
)

// Redacted replaces secret-shaped values in exported payloads.
const Redacted = "[REDACTED]"

// secretKeyFragments match payload field names whose values are
// stripped on export regardless of content.
var secretKeyFragments = []string{
	"token",
	"secret",
	"password",
	"passphrase",
	"api_key",
	"apikey",
	"authorization",
	"cookie",
	"private_key",
	"credential",
}

// secretValuePattern matches well-known credential shapes: bearer
// headers, GitHub tokens, API keys with vendor prefixes.
var secretValuePattern = regexp.MustCompile(
	`(?i)^bearer\s+\S+|^gh[pousr]_[A-Za-z0-9]{20,}|^sk-[A-Za-z0-9_-]{20,}|^xox[baprs]-`)

func secretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func secretValue(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return secretValuePattern.MatchString(s)
}

// redact walks a decoded payload and replaces secret-shaped values.
// Maps and slices are rewritten in place; scalars pass through.
func redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if secretKey(key) {
				v[key] = Redacted
				continue
			}
			v[key] = redact(nested)
		}
		return v
	case []any:
		for i, nested := range v {
			v[i] = redact(nested)
		}
		return v
	case string:
		if secretValue(v) {
			return Redacted
		}
		return v
	default:
		return value
	}
}

// ExportOptions controls Export output.
type ExportOptions struct {
	// Redact strips secret-shaped payload fields. Exports that leave
	// the host should always set it.
	Redact bool

	// Compress wraps the output in a zstd stream.
	Compress bool
}

// exportRecord is the JSON-lines shape of one exported entry. Payloads
// are re-encoded from CBOR to JSON so exports are readable without
// Warden tooling.
type exportRecord struct {
	ID             int64       `json:"entry_id"`
	Timestamp      time.Time   `json:"timestamp"`
	AgentID        ref.AgentID `json:"agent_id"`
	Action         string      `json:"action"`
	Outcome        string      `json:"outcome"`
	Payload        any         `json:"payload,omitempty"`
	RedactionFlags int64       `json:"redaction_flags"`
	ChainHash      string      `json:"chain_hash"`
}

// Export writes matching entries to w as JSON lines in entry id order.
func (l *Ledger) Export(ctx context.Context, w io.Writer, filter Filter, opts ExportOptions) error {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return err
	}

	out := w
	var compressor *zstd.Encoder
	if opts.Compress {
		compressor, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("ledger: export: %w", err)
		}
		out = compressor
	}

	encoder := json.NewEncoder(out)
	for _, entry := range entries {
		record, err := exportEntry(entry, opts.Redact)
		if err != nil {
			return fmt.Errorf("ledger: export entry %d: %w", entry.ID, err)
		}
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("ledger: export entry %d: %w", entry.ID, err)
		}
	}

	if compressor != nil {
		if err := compressor.Close(); err != nil {
			return fmt.Errorf("ledger: export: %w", err)
		}
	}
	return nil
}

func exportEntry(entry Entry, redactPayload bool) (exportRecord, error) {
	record := exportRecord{
		ID:             entry.ID,
		Timestamp:      entry.Timestamp,
		AgentID:        entry.AgentID,
		Action:         entry.Action,
		Outcome:        entry.Outcome,
		RedactionFlags: entry.RedactionFlags,
		ChainHash:      fmt.Sprintf("%x", entry.ChainHash),
	}
	if len(entry.Payload) > 0 {
		var payload any
		if err := codec.Unmarshal(entry.Payload, &payload); err != nil {
			return exportRecord{}, err
		}
		if redactPayload {
			payload = redact(payload)
		}
		record.Payload = payload
	}
	return record, nil
}
