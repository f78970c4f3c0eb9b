// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package multicall aggregates many view-calls into a single RPC
// round trip against a Multicall3-style `aggregate3` contract
// (spec.md §4.2), grounded on the batching pattern in
// other_examples' Aerodrome client (fetchPoolAddressesBatched /
// BatchCallContract) but issuing one real aggregate3 call per chunk
// instead of an RPC-level JSON-RPC batch.
package multicall

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/topology-indexer/rpcpool"
)

// aggregate3ABI is the minimal Multicall3 ABI fragment this package
// needs: the aggregate3 call and its Result tuple.
const aggregate3ABI = `[{
	"inputs": [{
		"components": [
			{"name": "target", "type": "address"},
			{"name": "allowFailure", "type": "bool"},
			{"name": "callData", "type": "bytes"}
		],
		"name": "calls",
		"type": "tuple[]"
	}],
	"name": "aggregate3",
	"outputs": [{
		"components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		],
		"name": "returnData",
		"type": "tuple[]"
	}],
	"stateMutability": "view",
	"type": "function"
}]`

var parsedAggregate3ABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(aggregate3ABI))
	if err != nil {
		panic(fmt.Sprintf("multicall: invalid embedded ABI: %v", err))
	}
	return a
}()

// Call is one sub-call to batch.
type Call struct {
	Target   common.Address
	CallData []byte
}

// call3 mirrors the Solidity Call3 tuple for ABI encoding.
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// result3 mirrors the Solidity Result tuple for ABI decoding.
type result3 struct {
	Success    bool
	ReturnData []byte
}

// errPayloadTooLarge marks a chunk whose result count does not match
// its call count. runChunkWithSplit splits on it like on any other
// chunk error; once splitting is exhausted Run returns it wrapped.
var errPayloadTooLarge = errors.New("multicall: chunk exceeds provider limits")

// Batcher groups sub-calls into chunks and issues each as one
// aggregate3 call.
type Batcher struct {
	rpc       *rpcpool.Pool
	address   common.Address
	batchSize int
	timeout   time.Duration
	retries   int
}

// Option configures a per-invocation override of Batcher defaults.
type Option func(*Batcher)

// WithTimeout overrides the per-chunk call timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Batcher) { b.timeout = d }
}

// WithRetries overrides the retry count on a split chunk.
func WithRetries(n int) Option {
	return func(b *Batcher) { b.retries = n }
}

// New builds a Batcher against the Multicall3 deployment at address,
// chunking at batchSize sub-calls (typical 50-200 per spec.md §4.2).
func New(rpcPool *rpcpool.Pool, address common.Address, batchSize int) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Batcher{
		rpc:       rpcPool,
		address:   address,
		batchSize: batchSize,
		timeout:   10 * time.Second,
		retries:   2,
	}
}

// Run executes calls (optionally pinned to blockTag) and returns one
// result byte slice per call, in input order. Empty bytes at index i
// means sub-call i reverted; the batch as a whole succeeds as long as
// any sub-call succeeds (spec.md §4.2 contract: len(result)==len(calls)).
func (b *Batcher) Run(ctx context.Context, calls []Call, blockTag *big.Int, opts ...Option) ([][]byte, error) {
	eff := *b
	for _, opt := range opts {
		opt(&eff)
	}

	if len(calls) == 0 {
		return nil, nil
	}

	results := make([][]byte, len(calls))
	for start := 0; start < len(calls); start += eff.batchSize {
		end := start + eff.batchSize
		if end > len(calls) {
			end = len(calls)
		}
		chunkResults, err := eff.runChunkWithSplit(ctx, calls[start:end], blockTag, eff.retries)
		if err != nil {
			return nil, fmt.Errorf("multicall: chunk [%d:%d]: %w", start, end, err)
		}
		copy(results[start:end], chunkResults)
	}
	return results, nil
}

// runChunkWithSplit issues one chunk; on any chunk error it
// binary-splits the chunk and retries each half, per spec.md §4.2,
// until a single-call chunk fails or retriesLeft reaches zero.
func (b *Batcher) runChunkWithSplit(ctx context.Context, calls []Call, blockTag *big.Int, retriesLeft int) ([][]byte, error) {
	out, err := b.runChunk(ctx, calls, blockTag)
	if err == nil {
		return out, nil
	}
	if len(calls) <= 1 || retriesLeft <= 0 {
		return nil, err
	}

	mid := len(calls) / 2
	left, lerr := b.runChunkWithSplit(ctx, calls[:mid], blockTag, retriesLeft-1)
	if lerr != nil {
		return nil, lerr
	}
	right, rerr := b.runChunkWithSplit(ctx, calls[mid:], blockTag, retriesLeft-1)
	if rerr != nil {
		return nil, rerr
	}
	return append(left, right...), nil
}

func (b *Batcher) runChunk(ctx context.Context, calls []Call, blockTag *big.Int) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	encoded := make([]call3, len(calls))
	for i, c := range calls {
		encoded[i] = call3{Target: c.Target, AllowFailure: true, CallData: c.CallData}
	}

	data, err := parsedAggregate3ABI.Pack("aggregate3", encoded)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}

	msg := ethereum.CallMsg{To: &b.address, Data: data}
	raw, err := b.rpc.Call(ctx, msg, blockTag)
	if err != nil {
		return nil, err
	}

	unpacked, err := parsedAggregate3ABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("multicall: unexpected unpack arity %d", len(unpacked))
	}

	// abi.Unpack returns []struct{...} boxed in interface{}; re-marshal
	// through the tuple type to get typed access without reflection
	// gymnastics at every call site.
	raw3, ok := unpacked[0].([]struct {
		Success    bool
		ReturnData []byte
	})
	if !ok {
		return nil, fmt.Errorf("multicall: unexpected result type %T", unpacked[0])
	}
	if len(raw3) != len(calls) {
		return nil, fmt.Errorf("multicall: %w: got %d results for %d calls", errPayloadTooLarge, len(raw3), len(calls))
	}

	results := make([][]byte, len(calls))
	for i, r := range raw3 {
		if r.Success {
			results[i] = r.ReturnData
		} else {
			results[i] = nil
		}
	}
	return results, nil
}
