// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package adapter defines the stable, dynamic-dispatch contract every
// DEX integration implements (spec.md §6 DEX adapter protocol) and a
// name-keyed Registry for looking one up, grounded on the teacher's
// address-range/family-page registry pattern
// (registry/registry.go) rather than a type-switch or an inheritance
// hierarchy (spec.md §9's "dynamic dispatch across DEX adapters"
// design note).
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/topology-indexer/pooltypes"
)

// ErrUnknownDex is returned when a Registry lookup misses.
var ErrUnknownDex = errors.New("adapter: unknown dex")

// PoolMeta is the minimal description an adapter's discovery step
// returns for a newly observed pool, before structural validation.
type PoolMeta struct {
	Address      common.Address
	Dex          string
	Factory      common.Address
	Token0       common.Address
	Token1       common.Address
	FeeBps       uint32
	CreatedBlock uint64
}

// Registry keys one DEX adapter implementation per name. The caller
// fills it and hands it to package indexer through Deps.Adapters; the
// orchestrator and the indexer's state fetcher reach adapters only
// through it rather than importing any individual DEX package.
type Registry struct {
	mu   sync.RWMutex
	byName map[string]DEX
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]DEX)}
}

// Register adds dex under its own Name(), overwriting any prior
// registration under that name.
func (r *Registry) Register(dex DEX) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[dex.Name()] = dex
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (DEX, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDex, name)
	}
	return d, nil
}

// All returns every registered adapter, in no particular order.
func (r *Registry) All() []DEX {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DEX, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	return out
}

// DEX is the capability set every DEX integration implements: a name,
// a discovery method (log-scan, static-registry, or hybrid), and a
// batched state fetch. Adapter-specific ABI decoding lives entirely
// behind this interface and is out of this module's scope (spec.md
// §1); only the protocol is specified here.
type DEX interface {
	// Name identifies the DEX for logging, classification, and
	// per-DEX cursor tracking.
	Name() string

	// DiscoverPools finds pool-creation candidates in [from, to],
	// chunked at chunkSize blocks with up to concurrency concurrent
	// provider queries. Adapters whose factory exposes a static
	// registry (Curve-like) may ignore chunkSize/concurrency and
	// return a full snapshot regardless of the requested range.
	DiscoverPools(ctx context.Context, from, to uint64, chunkSize, concurrency int) ([]PoolMeta, error)

	// FetchPoolState resolves current on-chain state for pools,
	// batching via Multicall where possible.
	FetchPoolState(ctx context.Context, pools []common.Address) ([]pooltypes.Pool, error)

	// UsesStaticRegistry reports whether DiscoverPools should be
	// called once per cycle with from==to==current block rather than
	// range-chunked (spec.md §4.11 step 2's Curve special case).
	UsesStaticRegistry() bool
}
