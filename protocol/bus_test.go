// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warden-foundation/warden/lib/testutil"
)

func TestBusAssignsConsecutiveSequences(t *testing.T) {
	bus := NewBus(BusConfig{AgentID: "code-review"})
	defer bus.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		event, err := bus.Publish(ctx, KindStateUpdate, StateUpdate{Key: "k", Value: i, Scope: "agent"})
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		if event.Sequence != uint64(i) {
			t.Errorf("Publish %d assigned sequence %d", i, event.Sequence)
		}
	}

	var checker OrderChecker
	for i := 1; i <= 5; i++ {
		event := testutil.RequireReceive(t, bus.Events(), 5*time.Second, "event %d", i)
		if err := checker.Check(event); err != nil {
			t.Fatalf("ordering: %v", err)
		}
		if event.AgentID != "code-review" {
			t.Errorf("AgentID = %q", event.AgentID)
		}
	}
}

func TestBusConcurrentPublishersNoGaps(t *testing.T) {
	bus := NewBus(BusConfig{AgentID: "a", Buffer: 256})
	ctx := context.Background()

	const publishers = 8
	const perPublisher = 25
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				if _, err := bus.Publish(ctx, KindOutput, Output{Complete: true}); err != nil {
					t.Errorf("Publish: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	bus.Close()

	var checker OrderChecker
	count := 0
	for event := range bus.Events() {
		if err := checker.Check(event); err != nil {
			t.Fatalf("ordering violated: %v", err)
		}
		count++
	}
	if count != publishers*perPublisher {
		t.Errorf("received %d events, want %d", count, publishers*perPublisher)
	}
}

func TestBusBackpressureSuspendsNotDrops(t *testing.T) {
	bus := NewBus(BusConfig{AgentID: "a", Buffer: 1})
	defer bus.Close()
	ctx := context.Background()

	// Fill the buffer.
	if _, err := bus.Publish(ctx, KindInput, Input{Prompt: "one"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The next publish must suspend until the consumer drains.
	published := make(chan struct{})
	go func() {
		if _, err := bus.Publish(ctx, KindInput, Input{Prompt: "two"}); err != nil {
			t.Errorf("blocked Publish: %v", err)
		}
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish completed while buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	testutil.RequireReceive(t, bus.Events(), 5*time.Second, "draining first event")
	testutil.RequireClosed(t, published, 5*time.Second, "blocked publish completing")

	second := testutil.RequireReceive(t, bus.Events(), 5*time.Second, "second event")
	payload, err := DecodePayload[Input](second)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Prompt != "two" {
		t.Errorf("second event prompt = %q", payload.Prompt)
	}
}

func TestBusPublishCancelledLeavesNoGap(t *testing.T) {
	bus := NewBus(BusConfig{AgentID: "a", Buffer: 1})
	defer bus.Close()

	if _, err := bus.Publish(context.Background(), KindInput, Input{Prompt: "one"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	failed := make(chan error, 1)
	go func() {
		_, err := bus.Publish(ctx, KindInput, Input{Prompt: "cancelled"})
		failed <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := testutil.RequireReceive(t, failed, 5*time.Second, "cancelled publish"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled publish returned %v", err)
	}

	// The cancelled publish must not have consumed a sequence number.
	event, err := bus.Publish(context.Background(), KindInput, Input{Prompt: "three"})
	if err != nil {
		t.Fatalf("Publish after cancel: %v", err)
	}
	if event.Sequence != 2 {
		t.Errorf("sequence after cancelled publish = %d, want 2", event.Sequence)
	}
}

func TestBusCloseUnblocksPublisherAndEndsStream(t *testing.T) {
	bus := NewBus(BusConfig{AgentID: "a", Buffer: 1})
	ctx := context.Background()

	if _, err := bus.Publish(ctx, KindInput, Input{Prompt: "one"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := bus.Publish(ctx, KindInput, Input{Prompt: "blocked"})
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	bus.Close()

	if err := testutil.RequireReceive(t, result, 5*time.Second, "publisher unblocking"); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("blocked publisher returned %v, want ErrBusClosed", err)
	}

	// Buffered event is still delivered, then the channel closes.
	testutil.RequireReceive(t, bus.Events(), 5*time.Second, "buffered event")
	if _, ok := <-bus.Events(); ok {
		t.Fatal("stream did not end after Close")
	}

	if _, err := bus.Publish(ctx, KindInput, Input{Prompt: "late"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Publish after Close returned %v, want ErrBusClosed", err)
	}
}

func TestBusObserverSeesEveryEventInOrder(t *testing.T) {
	var observed []uint64
	bus := NewBus(BusConfig{
		AgentID:  "a",
		Buffer:   16,
		Observer: func(event Event) { observed = append(observed, event.Sequence) },
	})
	defer bus.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := bus.Publish(ctx, KindOutput, Output{Complete: true}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i, sequence := range observed {
		if sequence != uint64(i+1) {
			t.Fatalf("observer order: %v", observed)
		}
	}
	if len(observed) != 4 {
		t.Errorf("observer saw %d events, want 4", len(observed))
	}
}

func TestBusRateLimiterPacesPublishes(t *testing.T) {
	bus := NewBus(BusConfig{AgentID: "a", EventsPerSecond: 50, Burst: 1, Buffer: 64})
	defer bus.Close()
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(ctx, KindOutput, Output{Complete: true}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	// Burst 1 at 50/s: four of the five publishes wait ~20ms each.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("5 publishes took %v, expected rate limiting to slow them", elapsed)
	}
}
