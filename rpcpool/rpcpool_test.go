// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcpool

import (
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
)

func newTestEndpoint(id string) *endpointState {
	return &endpointState{
		id:      id,
		permits: semaphore.NewWeighted(4),
		health:  1.0,
		circuit: CircuitClosed,
		backoff: initialBreakerBackoff,
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	p := &Pool{endpoints: []*endpointState{newTestEndpoint("a")}}

	for i := 0; i < breakerFailureLimit; i++ {
		p.MarkUnhealthy("a")
	}

	st := p.find("a")
	if st.circuit != CircuitOpen {
		t.Fatalf("expected circuit open after %d failures, got %v", breakerFailureLimit, st.circuit)
	}
}

func TestCircuitBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	p := &Pool{endpoints: []*endpointState{newTestEndpoint("a")}}
	st := p.find("a")
	st.circuit = CircuitOpen
	st.openedAt = time.Now().Add(-2 * initialBreakerBackoff)
	st.backoff = initialBreakerBackoff

	p.mu.Lock()
	first := p.admissible(st)
	second := p.admissible(st)
	p.mu.Unlock()

	if !first {
		t.Fatal("expected first probe to be admitted")
	}
	if second {
		t.Fatal("expected second concurrent probe to be rejected while one is in flight")
	}
	if st.circuit != CircuitHalfOpen {
		t.Fatalf("expected half-open state, got %v", st.circuit)
	}
}

func TestCircuitBreakerClosesOnSuccessfulProbe(t *testing.T) {
	p := &Pool{endpoints: []*endpointState{newTestEndpoint("a")}}
	st := p.find("a")
	st.circuit = CircuitHalfOpen
	st.halfOpenProbeInFlight = true

	p.MarkHealthy("a")

	if st.circuit != CircuitClosed {
		t.Fatalf("expected circuit closed after successful probe, got %v", st.circuit)
	}
	if st.backoff != initialBreakerBackoff {
		t.Fatalf("expected backoff reset, got %v", st.backoff)
	}
}

func TestCircuitBreakerReopensWithBackoffOnFailedProbe(t *testing.T) {
	p := &Pool{endpoints: []*endpointState{newTestEndpoint("a")}}
	st := p.find("a")
	st.circuit = CircuitHalfOpen
	st.halfOpenProbeInFlight = true
	st.backoff = initialBreakerBackoff

	p.MarkUnhealthy("a")

	if st.circuit != CircuitOpen {
		t.Fatalf("expected circuit to re-open, got %v", st.circuit)
	}
	if st.backoff != 2*initialBreakerBackoff {
		t.Fatalf("expected doubled backoff, got %v", st.backoff)
	}
}

func TestRateLimitDecaysHealthWithoutNecessarilyOpeningCircuit(t *testing.T) {
	p := &Pool{endpoints: []*endpointState{newTestEndpoint("a")}}
	p.ReportRateLimited("a")

	st := p.find("a")
	if st.health >= 1.0 {
		t.Fatalf("expected health to decay below 1.0, got %f", st.health)
	}
	if st.circuit != CircuitClosed {
		t.Fatalf("single rate-limit event should not open the breaker, got %v", st.circuit)
	}
}
