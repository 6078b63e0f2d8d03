// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/warden-foundation/warden/lib/ref"
)

// DefaultChunkSize is the maximum uncompressed bytes per output chunk.
// 64 KB keeps individual frames small enough that the bus's token
// bucket provides meaningful pacing for large outputs.
const DefaultChunkSize = 64 * 1024

// compressThreshold is the minimum chunk size worth compressing.
// Below this the LZ4 header overhead eats the savings.
const compressThreshold = 512

// Chunker splits a logical output message into Output payloads. Chunk
// data at or above the compression threshold is LZ4 block-compressed;
// compression is kept only when it actually shrinks the chunk, so
// already-compressed content (images, archives) ships raw.
type Chunker struct {
	chunkSize int
}

// NewChunker returns a Chunker with the given maximum chunk size, or
// DefaultChunkSize if size <= 0.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Chunker{chunkSize: size}
}

// Split produces the ordered chunk payloads for one logical message.
// ChunkIDs are consecutive from zero; the last chunk has Complete set.
// An empty message still produces one (empty, complete) chunk so
// consumers always observe a terminator.
func (c *Chunker) Split(contentType string, data []byte) []Output {
	if len(data) == 0 {
		return []Output{{ContentType: contentType, Complete: true}}
	}

	var chunks []Output
	for offset := 0; offset < len(data); offset += c.chunkSize {
		end := offset + c.chunkSize
		if end > len(data) {
			end = len(data)
		}
		raw := data[offset:end]

		chunk := Output{
			ChunkID:     uint64(len(chunks)),
			ContentType: contentType,
			Data:        raw,
			Complete:    end == len(data),
		}
		if len(raw) >= compressThreshold {
			compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
			n, err := lz4.CompressBlock(raw, compressed, nil)
			if err == nil && n > 0 && n < len(raw) {
				chunk.Data = compressed[:n]
				chunk.Encoding = "lz4"
				chunk.RawSize = len(raw)
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Assembled is one complete logical output message, reassembled from
// its chunks and decompressed.
type Assembled struct {
	ContentType string
	Data        []byte
}

// Reassembler reassembles output chunks into complete logical messages
// before they are handed to downstream consumers. Chunks must arrive
// in ChunkID order — the bus guarantees per-agent event ordering, so
// an out-of-order chunk means the stream is corrupt and surfaces as a
// *ProtocolError.
//
// Not safe for concurrent use; one Reassembler per agent stream.
type Reassembler struct {
	agentID     ref.AgentID
	next        uint64
	contentType string
	parts       [][]byte
}

// NewReassembler returns a Reassembler for one agent's output stream.
func NewReassembler(agentID ref.AgentID) *Reassembler {
	return &Reassembler{agentID: agentID}
}

// Add consumes the next output chunk. Returns a non-nil Assembled when
// the chunk completes a logical message, nil while the message is
// still accumulating.
func (r *Reassembler) Add(chunk Output) (*Assembled, error) {
	if chunk.ChunkID != r.next {
		return nil, &ProtocolError{
			AgentID:  r.agentID,
			Reason:   "chunk out of order",
			Expected: r.next,
			Observed: chunk.ChunkID,
		}
	}
	if r.next == 0 {
		r.contentType = chunk.ContentType
	}

	data := chunk.Data
	if chunk.Encoding == "lz4" {
		if chunk.RawSize <= 0 {
			return nil, &ProtocolError{AgentID: r.agentID, Reason: "lz4 chunk missing raw size"}
		}
		// RawSize is agent-supplied; sized allocations from it must be
		// bounded or a hostile claim becomes a host-side panic.
		if chunk.RawSize > maxEnvelopeLength {
			return nil, &ProtocolError{
				AgentID:  r.agentID,
				Reason:   "lz4 raw size exceeds envelope limit",
				Expected: maxEnvelopeLength,
				Observed: uint64(chunk.RawSize),
			}
		}
		decompressed := make([]byte, chunk.RawSize)
		n, err := lz4.UncompressBlock(chunk.Data, decompressed)
		if err != nil {
			return nil, &ProtocolError{AgentID: r.agentID, Reason: fmt.Sprintf("lz4 decompress: %v", err)}
		}
		data = decompressed[:n]
	} else if chunk.Encoding != "" {
		return nil, &ProtocolError{AgentID: r.agentID, Reason: fmt.Sprintf("unknown chunk encoding %q", chunk.Encoding)}
	}

	r.parts = append(r.parts, data)
	r.next++

	if !chunk.Complete {
		return nil, nil
	}

	total := 0
	for _, part := range r.parts {
		total += len(part)
	}
	assembled := &Assembled{ContentType: r.contentType, Data: make([]byte, 0, total)}
	for _, part := range r.parts {
		assembled.Data = append(assembled.Data, part...)
	}
	r.parts = nil
	r.next = 0
	r.contentType = ""
	return assembled, nil
}
