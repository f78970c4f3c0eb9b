// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package multicall

import (
	"context"
	"testing"
	"time"
)

func TestRunEmptyCallsMakesNoRPCCalls(t *testing.T) {
	b := New(nil, [20]byte{}, 50)
	results, err := b.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error for empty call set: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results for empty call set, got %v", results)
	}
}

func TestNewDefaultsBatchSize(t *testing.T) {
	b := New(nil, [20]byte{}, 0)
	if b.batchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", b.batchSize)
	}
	b2 := New(nil, [20]byte{}, 25)
	if b2.batchSize != 25 {
		t.Fatalf("expected configured batch size 25, got %d", b2.batchSize)
	}
}

func TestWithTimeoutAndRetriesOptionsApplyWithoutMutatingBase(t *testing.T) {
	b := New(nil, [20]byte{}, 50)
	originalRetries := b.retries
	originalTimeout := b.timeout

	eff := *b
	WithRetries(7)(&eff)
	WithTimeout(3 * time.Second)(&eff)
	if eff.retries != 7 {
		t.Fatalf("expected override retries=7, got %d", eff.retries)
	}
	if eff.timeout != 3*time.Second {
		t.Fatalf("expected override timeout=3s, got %v", eff.timeout)
	}
	if b.retries != originalRetries {
		t.Fatalf("base Batcher must not be mutated by option application")
	}
	if b.timeout != originalTimeout {
		t.Fatalf("base Batcher timeout must not be mutated by option application")
	}
}
