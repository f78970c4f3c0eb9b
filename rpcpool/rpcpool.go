// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcpool maintains a set of remote EVM JSON-RPC endpoints
// behind a single round-robin pool with per-endpoint health scores and
// circuit breakers (spec.md §4.1). Selection is plain round robin over
// endpoints whose breaker admits a request; the health score is
// recorded but does not weight selection.
// Every other hot-path package talks to the chain exclusively through
// a *Pool; nothing outside this package dials an endpoint directly.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Sentinel errors, mirroring the teacher's package-level Err* style
// (dex/types.go).
var (
	ErrNoEndpoints          = errors.New("rpcpool: no endpoints configured")
	ErrAllEndpointsUnhealthy = errors.New("rpcpool: all endpoints exhausted or unhealthy")
	ErrCircuitOpen          = errors.New("rpcpool: endpoint circuit breaker open")
)

// CircuitState is the per-endpoint breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// Telemetry is one record of an RPC invocation, emitted after every
// call regardless of outcome.
type Telemetry struct {
	Endpoint    string
	Method      string
	PayloadSize int
	Latency     time.Duration
	Success     bool
}

// Recorder receives Telemetry records. Metrics export is an external
// collaborator (spec.md §1); Recorder is the narrow contract core
// code depends on so a real exporter can be plugged in without this
// package knowing about it.
type Recorder interface {
	Record(Telemetry)
}

type noopRecorder struct{}

func (noopRecorder) Record(Telemetry) {}

const (
	initialBreakerBackoff = time.Second
	maxBreakerBackoff     = 60 * time.Second
	breakerFailureLimit   = 5
	healthDecayOnRateLimit = 0.75
	healthRecoveryStep     = 0.05
)

// endpointState is the mutable health/circuit state for one endpoint.
// All fields are guarded by Pool.mu.
type endpointState struct {
	id      string
	client  *ethclient.Client
	rpc     *rpc.Client
	permits *semaphore.Weighted

	health         float64 // 0..1
	consecutiveErr int
	circuit        CircuitState
	openedAt       time.Time
	backoff        time.Duration
	halfOpenProbeInFlight bool
}

// Config configures a Pool.
type Config struct {
	Endpoints []EndpointConfig
	Recorder  Recorder
	Logger    *zap.Logger
}

// EndpointConfig describes one RPC endpoint.
type EndpointConfig struct {
	ID          string
	URL         string
	Concurrency int64 // permits; 0 defaults to 8
}

// Pool is a multi-endpoint provider with health, rate-limit, and
// circuit-breaking behavior (spec.md §4.1).
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpointState
	next      int
	recorder  Recorder
	log       *zap.Logger
}

// New dials every configured endpoint and returns a ready Pool.
// Dialing is sequential and best-effort: an endpoint that fails to
// dial is kept in the pool in CircuitOpen state rather than dropped,
// so a transient DNS hiccup at startup does not permanently shrink
// capacity.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{recorder: recorder, log: log}
	for _, ec := range cfg.Endpoints {
		concurrency := ec.Concurrency
		if concurrency <= 0 {
			concurrency = 8
		}
		st := &endpointState{
			id:      ec.ID,
			permits: semaphore.NewWeighted(concurrency),
			health:  1.0,
			circuit: CircuitClosed,
			backoff: initialBreakerBackoff,
		}
		rc, err := rpc.DialContext(ctx, ec.URL)
		if err != nil {
			log.Warn("rpcpool: initial dial failed, endpoint starts unhealthy",
				zap.String("endpoint", ec.ID), zap.Error(err))
			st.circuit = CircuitOpen
			st.openedAt = time.Now()
		} else {
			st.rpc = rc
			st.client = ethclient.NewClient(rc)
		}
		p.endpoints = append(p.endpoints, st)
	}
	return p, nil
}

// permit is released on every exit path, including cancellation, by
// always deferring Release from the point it is acquired (spec.md
// §9's "ownership of RPC permits" note).
type permit struct {
	st  *endpointState
	weight int64
}

func (pm *permit) release() {
	pm.st.permits.Release(pm.weight)
}

// nextProvider returns a (client, permit, endpointID) triple chosen by
// round robin among endpoints whose circuit admits a request, then
// waits for a permit on that endpoint; an endpoint at its concurrency
// limit is not skipped. Equivalent to the spec's next_provider().
func (p *Pool) nextProvider(ctx context.Context) (*ethclient.Client, *rpc.Client, *permit, string, error) {
	p.mu.Lock()
	n := len(p.endpoints)
	if n == 0 {
		p.mu.Unlock()
		return nil, nil, nil, "", ErrNoEndpoints
	}
	start := p.next
	var candidate *endpointState
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		st := p.endpoints[idx]
		if !p.admissible(st) {
			continue
		}
		candidate = st
		p.next = (idx + 1) % n
		break
	}
	p.mu.Unlock()

	if candidate == nil {
		return nil, nil, nil, "", ErrAllEndpointsUnhealthy
	}
	if err := candidate.permits.Acquire(ctx, 1); err != nil {
		return nil, nil, nil, "", fmt.Errorf("rpcpool: acquire permit for %s: %w", candidate.id, err)
	}
	return candidate.client, candidate.rpc, &permit{st: candidate, weight: 1}, candidate.id, nil
}

// admissible reports whether st may currently serve a request. Caller
// holds p.mu.
func (p *Pool) admissible(st *endpointState) bool {
	switch st.circuit {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if st.halfOpenProbeInFlight {
			return false
		}
		st.halfOpenProbeInFlight = true
		return true
	case CircuitOpen:
		if time.Since(st.openedAt) >= st.backoff {
			st.circuit = CircuitHalfOpen
			st.halfOpenProbeInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

// ReportRateLimited decreases an endpoint's health after a 429 or
// equivalent JSON-RPC error and counts it as a failure toward opening
// the breaker. It adds no delay between later requests to the endpoint.
func (p *Pool) ReportRateLimited(endpointID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.find(endpointID)
	if st == nil {
		return
	}
	st.health *= healthDecayOnRateLimit
	st.consecutiveErr++
	p.maybeOpenLocked(st)
}

// MarkUnhealthy records a failed call against an endpoint; repeated
// failures open the circuit breaker.
func (p *Pool) MarkUnhealthy(endpointID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.find(endpointID)
	if st == nil {
		return
	}
	st.consecutiveErr++
	st.health = maxFloat(0, st.health-healthRecoveryStep*2)
	p.maybeOpenLocked(st)
}

// MarkHealthy records a successful call; on a half-open breaker this
// closes it, resets backoff, and recovers health gradually.
func (p *Pool) MarkHealthy(endpointID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.find(endpointID)
	if st == nil {
		return
	}
	st.consecutiveErr = 0
	st.health = minFloat(1, st.health+healthRecoveryStep)
	if st.circuit == CircuitHalfOpen {
		st.circuit = CircuitClosed
		st.backoff = initialBreakerBackoff
		st.halfOpenProbeInFlight = false
	}
}

func (p *Pool) maybeOpenLocked(st *endpointState) {
	if st.circuit == CircuitHalfOpen {
		// Half-open probe failed: re-open with doubled backoff.
		st.circuit = CircuitOpen
		st.openedAt = time.Now()
		st.backoff = minDuration(st.backoff*2, maxBreakerBackoff)
		st.halfOpenProbeInFlight = false
		return
	}
	if st.consecutiveErr >= breakerFailureLimit && st.circuit == CircuitClosed {
		st.circuit = CircuitOpen
		st.openedAt = time.Now()
		st.backoff = initialBreakerBackoff
	}
}

func (p *Pool) find(endpointID string) *endpointState {
	for _, st := range p.endpoints {
		if st.id == endpointID {
			return st
		}
	}
	return nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// call wraps a single RPC invocation with permit acquisition, health
// bookkeeping, and telemetry. Endpoint-level retry happens here by
// trying subsequent endpoints; callers see an error only once every
// endpoint has been tried (spec.md §4.1 failure semantics).
func (p *Pool) call(ctx context.Context, method string, fn func(*ethclient.Client, *rpc.Client) (int, error)) error {
	p.mu.Lock()
	attempts := len(p.endpoints)
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < attempts; i++ {
		client, raw, pm, endpointID, err := p.nextProvider(ctx)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrAllEndpointsUnhealthy) || errors.Is(err, ErrNoEndpoints) {
				break
			}
			continue
		}

		start := time.Now()
		size, callErr := fn(client, raw)
		latency := time.Since(start)
		pm.release()

		p.recorder.Record(Telemetry{
			Endpoint:    endpointID,
			Method:      method,
			PayloadSize: size,
			Latency:     latency,
			Success:     callErr == nil,
		})

		if callErr == nil {
			p.MarkHealthy(endpointID)
			return nil
		}

		lastErr = fmt.Errorf("rpcpool: %s via %s: %w", method, endpointID, callErr)
		if isRateLimited(callErr) {
			p.ReportRateLimited(endpointID)
		} else {
			p.MarkUnhealthy(endpointID)
		}
	}
	if lastErr == nil {
		lastErr = ErrAllEndpointsUnhealthy
	}
	return lastErr
}

func isRateLimited(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == 429 || rpcErr.ErrorCode() == -32005
	}
	return false
}

// GetBlockNumber fetches the current chain head.
func (p *Pool) GetBlockNumber(ctx context.Context) (uint64, error) {
	var result uint64
	err := p.call(ctx, "eth_blockNumber", func(c *ethclient.Client, _ *rpc.Client) (int, error) {
		n, err := c.BlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		result = n
		return 8, nil
	})
	return result, err
}

// GetCode fetches the deployed bytecode at addr.
func (p *Pool) GetCode(ctx context.Context, addr common.Address, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := p.call(ctx, "eth_getCode", func(c *ethclient.Client, _ *rpc.Client) (int, error) {
		code, err := c.CodeAt(ctx, addr, blockNumber)
		if err != nil {
			return 0, err
		}
		result = code
		return len(code), nil
	})
	return result, err
}

// GetBlockWithTxs fetches a full block including transaction bodies.
func (p *Pool) GetBlockWithTxs(ctx context.Context, number *big.Int) (*types.Block, error) {
	var result *types.Block
	err := p.call(ctx, "eth_getBlockByNumber", func(c *ethclient.Client, _ *rpc.Client) (int, error) {
		blk, err := c.BlockByNumber(ctx, number)
		if err != nil {
			return 0, err
		}
		result = blk
		return len(blk.Transactions()), nil
	})
	return result, err
}

// GetLogs fetches logs matching q.
func (p *Pool) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var result []types.Log
	err := p.call(ctx, "eth_getLogs", func(c *ethclient.Client, _ *rpc.Client) (int, error) {
		logs, err := c.FilterLogs(ctx, q)
		if err != nil {
			return 0, err
		}
		result = logs
		return len(logs), nil
	})
	return result, err
}

// Call performs an eth_call against msg at the given block.
func (p *Pool) Call(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := p.call(ctx, "eth_call", func(c *ethclient.Client, _ *rpc.Client) (int, error) {
		out, err := c.CallContract(ctx, msg, blockNumber)
		if err != nil {
			return 0, err
		}
		result = out
		return len(out), nil
	})
	return result, err
}

// BatchCall issues raw batch elements (used by the multicall batcher
// and price oracle's chainlink path to avoid N round trips).
func (p *Pool) BatchCall(ctx context.Context, elems []rpc.BatchElem) error {
	return p.call(ctx, "batch", func(_ *ethclient.Client, raw *rpc.Client) (int, error) {
		if err := raw.BatchCallContext(ctx, elems); err != nil {
			return 0, err
		}
		return len(elems), nil
	})
}

// RawClient returns the underlying *rpc.Client for an available
// endpoint, for callers (e.g. chainhead's WS subscriber) that need
// subscription support the wrapped methods above do not expose. The
// permit is held for the lifetime of the returned release func.
func (p *Pool) RawClient(ctx context.Context) (*rpc.Client, func(), error) {
	_, raw, pm, _, err := p.nextProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	return raw, pm.release, nil
}
