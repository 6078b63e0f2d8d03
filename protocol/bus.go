// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/ref"
)

// BusConfig configures one agent instance's event bus.
type BusConfig struct {
	// AgentID is stamped on every published event.
	AgentID ref.AgentID

	// EventsPerSecond is the token-bucket refill rate. Zero or
	// negative means unlimited.
	EventsPerSecond float64

	// Burst is the bucket capacity. Defaults to 32 when the rate is
	// limited and Burst <= 0.
	Burst int

	// Buffer is the delivery channel capacity. Zero means 64. The
	// buffer absorbs jitter; when it fills, publishers block — that
	// is the backpressure contract, never a drop.
	Buffer int

	// Observer, when set, is called synchronously with every event
	// after it is accepted for delivery and before Publish returns.
	// The engine uses this to mirror the stream into the audit
	// ledger; observer call order matches sequence order exactly.
	Observer func(Event)

	// Clock supplies event timestamps. Nil means the real clock.
	Clock clock.Clock
}

// Bus is the single logical event channel for one agent instance.
// Publish assigns sequence numbers and enforces backpressure; Events
// is the finite, non-restartable consumer side, closed when the
// instance terminates.
//
// Bus is safe for concurrent publishers. Sequence order equals
// delivery order equals observer order.
type Bus struct {
	agentID  ref.AgentID
	limiter  *rate.Limiter
	clk      clock.Clock
	observer func(Event)

	// publishMu serializes the assign-sequence/send/observe critical
	// section so that sequence order cannot diverge from channel
	// order under concurrent publishers. Close acquires it to close
	// the delivery channel only once no send is in flight.
	publishMu sync.Mutex
	sequence  uint64
	out       chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewBus creates a Bus from the given configuration.
func NewBus(cfg BusConfig) *Bus {
	limit := rate.Inf
	if cfg.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.EventsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 32
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Bus{
		agentID:  cfg.AgentID,
		limiter:  rate.NewLimiter(limit, burst),
		clk:      clk,
		observer: cfg.Observer,
		out:      make(chan Event, buffer),
		closed:   make(chan struct{}),
	}
}

// Publish encodes payload, stamps the next sequence number, and
// delivers the event. It suspends — never drops — when the token
// bucket is exhausted or the delivery buffer is full, until ctx is
// cancelled or the bus closes. The returned event carries the assigned
// sequence number.
func (b *Bus) Publish(ctx context.Context, kind Kind, payload any) (Event, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Event{}, err
	}

	// Token-bucket wait happens outside the critical section: it is
	// the slow, suspending part, and ordering is defined by sequence
	// assignment below, not by who finished waiting first.
	if err := b.limiter.Wait(ctx); err != nil {
		return Event{}, err
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	select {
	case <-b.closed:
		return Event{}, ErrBusClosed
	default:
	}

	event := Event{
		Kind:      kind,
		AgentID:   b.agentID,
		Sequence:  b.sequence + 1,
		Timestamp: b.clk.Now().UTC(),
		Payload:   raw,
	}

	select {
	case b.out <- event:
	case <-b.closed:
		return Event{}, ErrBusClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}

	// The sequence is committed only after a successful send, so a
	// cancelled publish never leaves a gap in the delivered stream.
	b.sequence++
	if b.observer != nil {
		b.observer(event)
	}
	return event, nil
}

// Events returns the delivery channel: a finite, non-restartable
// sequence that ends (the channel closes) when the instance
// terminates.
func (b *Bus) Events() <-chan Event {
	return b.out
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() uint64 {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	return b.sequence
}

// Close ends the stream. Pending publishers unblock with ErrBusClosed,
// then the delivery channel is closed so consumers observe a finite
// sequence. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		// Taking publishMu here waits out any publisher currently in
		// its send select (it exits via the closed channel), so the
		// delivery channel is never closed with a send in flight.
		b.publishMu.Lock()
		defer b.publishMu.Unlock()
		close(b.out)
	})
}
