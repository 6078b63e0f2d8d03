// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestChunkerSplitSmall(t *testing.T) {
	chunks := NewChunker(0).Split("text/plain", []byte("hello"))
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !chunks[0].Complete {
		t.Error("single chunk should be complete")
	}
	if chunks[0].Encoding != "" {
		t.Errorf("small chunk should not be compressed, got encoding %q", chunks[0].Encoding)
	}
}

func TestChunkerSplitEmpty(t *testing.T) {
	chunks := NewChunker(0).Split("text/plain", nil)
	if len(chunks) != 1 || !chunks[0].Complete {
		t.Fatalf("empty message should produce one complete chunk, got %+v", chunks)
	}
}

func TestChunkerCompressesRepetitiveData(t *testing.T) {
	data := []byte(strings.Repeat("the same line of output\n", 200))
	chunks := NewChunker(0).Split("text/plain", data)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Encoding != "lz4" {
		t.Fatalf("repetitive data should compress, got encoding %q", chunks[0].Encoding)
	}
	if len(chunks[0].Data) >= len(data) {
		t.Errorf("compressed size %d not smaller than raw %d", len(chunks[0].Data), len(data))
	}
	if chunks[0].RawSize != len(data) {
		t.Errorf("RawSize = %d, want %d", chunks[0].RawSize, len(data))
	}
}

func TestSplitReassembleRoundtrip(t *testing.T) {
	data := []byte(strings.Repeat("chunked output content; ", 10_000))
	chunker := NewChunker(4096)
	chunks := chunker.Split("text/markdown", data)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.ChunkID != uint64(i) {
			t.Fatalf("chunk %d has ChunkID %d", i, chunk.ChunkID)
		}
		if chunk.Complete != (i == len(chunks)-1) {
			t.Fatalf("chunk %d Complete = %v", i, chunk.Complete)
		}
	}

	reassembler := NewReassembler("code-review")
	var assembled *Assembled
	for _, chunk := range chunks {
		result, err := reassembler.Add(chunk)
		if err != nil {
			t.Fatalf("Add chunk %d: %v", chunk.ChunkID, err)
		}
		if result != nil {
			assembled = result
		}
	}
	if assembled == nil {
		t.Fatal("reassembly never completed")
	}
	if assembled.ContentType != "text/markdown" {
		t.Errorf("ContentType = %q", assembled.ContentType)
	}
	if !bytes.Equal(assembled.Data, data) {
		t.Errorf("reassembled data differs: got %d bytes, want %d", len(assembled.Data), len(data))
	}
}

func TestReassemblerRejectsOutOfOrderChunk(t *testing.T) {
	reassembler := NewReassembler("code-review")
	_, err := reassembler.Add(Output{ChunkID: 3, ContentType: "text/plain", Data: []byte("x")})
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if perr.Expected != 0 || perr.Observed != 3 {
		t.Errorf("error = %+v", perr)
	}
}

func TestReassemblerRejectsOversizedRawClaim(t *testing.T) {
	// RawSize comes from the agent. An absurd claim must surface as a
	// protocol error, never reach the allocation.
	reassembler := NewReassembler("code-review")
	_, err := reassembler.Add(Output{
		Encoding: "lz4",
		RawSize:  1 << 55,
		Data:     []byte{0x10, 0x41},
		Complete: true,
	})
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if perr.Observed != 1<<55 {
		t.Errorf("error = %+v", perr)
	}

	// At the limit the claim is still honored.
	data := bytes.Repeat([]byte("ledger entry\n"), 100)
	chunks := NewChunker(maxEnvelopeLength).Split("text/plain", data)
	assembled, err := NewReassembler("code-review").Add(chunks[0])
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !bytes.Equal(assembled.Data, data) {
		t.Error("in-bounds compressed chunk did not round-trip")
	}
}

func TestReassemblerResetsBetweenMessages(t *testing.T) {
	chunker := NewChunker(0)
	reassembler := NewReassembler("a")

	for _, text := range []string{"first message", "second message"} {
		chunks := chunker.Split("text/plain", []byte(text))
		result, err := reassembler.Add(chunks[0])
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if result == nil || string(result.Data) != text {
			t.Fatalf("got %+v, want %q", result, text)
		}
	}
}
