// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validator performs structural validation on discovered pools:
// token blacklist/zero-address/same-token checks, a factory-whitelist
// fast path, and a bytecode-hash fallback with bounded retry against
// transient RPC failures (spec.md §4.8/4.9). Grounded on
// original_source/src/validator.rs. The dual-TTL cache in
// validation_cache.go is grounded on
// original_source/src/pool_validation_cache.rs.
package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/poolevents"
)

const (
	maxRetries = 10
	retryDelay = 5 * time.Second
)

// InvalidReason explains why a pool failed structural validation.
type InvalidReason string

const (
	ReasonBlacklistedToken InvalidReason = "blacklisted_token"
	ReasonNoAnchorToken    InvalidReason = "no_anchor_token"
	ReasonZeroAddress      InvalidReason = "zero_address"
	ReasonSameTokens       InvalidReason = "same_tokens"
	ReasonNoBytecode       InvalidReason = "no_bytecode"
	ReasonBytecodeMismatch InvalidReason = "bytecode_mismatch"
)

// Result is the outcome of structural validation: either Valid, or
// Invalid with a Reason set.
type Result struct {
	Valid  bool
	Reason InvalidReason
}

func valid() Result                       { return Result{Valid: true} }
func invalid(reason InvalidReason) Result { return Result{Valid: false, Reason: reason} }

// bytecodeFetcher is the subset of rpcpool.Pool the validator needs;
// narrowed to an interface so tests can stub it.
type bytecodeFetcher interface {
	GetCode(ctx context.Context, addr common.Address, blockNumber *big.Int) ([]byte, error)
}

// Settings configures validation behavior.
type Settings struct {
	WhitelistedFactories      []common.Address
	WhitelistedBytecodeHashes [][32]byte
	AnchorTokens              []common.Address
	BlacklistedTokens         []common.Address
	RequireAnchorToken        bool
}

// Validator checks whether a discovered pool is a legitimate,
// well-formed contract worth carrying into the topology graph.
type Validator struct {
	rpc bytecodeFetcher
	log *zap.Logger

	whitelistedFactories map[common.Address]struct{}
	whitelistedBytecode  map[[32]byte]struct{}
	anchorTokens         map[common.Address]struct{}
	blacklistedTokens    map[common.Address]struct{}
	requireAnchorToken   bool
	retryDelay           time.Duration
}

// New builds a Validator from settings.
func New(rpc bytecodeFetcher, settings Settings, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	v := &Validator{
		rpc:                  rpc,
		log:                  log,
		whitelistedFactories: toSet(settings.WhitelistedFactories),
		whitelistedBytecode:  make(map[[32]byte]struct{}, len(settings.WhitelistedBytecodeHashes)),
		anchorTokens:         toSet(settings.AnchorTokens),
		blacklistedTokens:    toSet(settings.BlacklistedTokens),
		requireAnchorToken:   settings.RequireAnchorToken,
		retryDelay:           retryDelay,
	}
	for _, h := range settings.WhitelistedBytecodeHashes {
		v.whitelistedBytecode[h] = struct{}{}
	}
	return v
}

// retryDelayForTest overrides the delay between bytecode-fetch retries,
// so tests can exercise the retry loop without real sleeps.
func (v *Validator) retryDelayForTest(d time.Duration) {
	v.retryDelay = d
}

func toSet(addrs []common.Address) map[common.Address]struct{} {
	set := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

// StructuralValidation runs the full check cascade against candidate:
// blacklist, anchor-token requirement, zero-address, same-token,
// factory whitelist (fast path), then bytecode-hash verification with
// bounded retry. Returns an error only when RPC lookups exhaust their
// retries; any other rejection is reported through Result.Reason.
func (v *Validator) StructuralValidation(ctx context.Context, candidate poolevents.Candidate) (Result, error) {
	if _, blacklisted := v.blacklistedTokens[candidate.Token0]; blacklisted {
		return invalid(ReasonBlacklistedToken), nil
	}
	if _, blacklisted := v.blacklistedTokens[candidate.Token1]; blacklisted {
		return invalid(ReasonBlacklistedToken), nil
	}

	if v.requireAnchorToken {
		_, anchor0 := v.anchorTokens[candidate.Token0]
		_, anchor1 := v.anchorTokens[candidate.Token1]
		if !anchor0 && !anchor1 {
			return invalid(ReasonNoAnchorToken), nil
		}
	}

	var zero common.Address
	if candidate.Token0 == zero || candidate.Token1 == zero {
		return invalid(ReasonZeroAddress), nil
	}
	if candidate.Token0 == candidate.Token1 {
		return invalid(ReasonSameTokens), nil
	}

	// Fast path: a pool deployed by a trusted factory needs no
	// bytecode check.
	if candidate.Factory != zero {
		if _, whitelisted := v.whitelistedFactories[candidate.Factory]; whitelisted {
			return valid(), nil
		}
	}

	return v.validateByBytecode(ctx, candidate.Address)
}

// validateByBytecode falls back to hashing the pool's deployed
// bytecode against the whitelist, retrying transient RPC failures up
// to maxRetries times with a fixed retryDelay between attempts.
func (v *Validator) validateByBytecode(ctx context.Context, pool common.Address) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		code, err := v.rpc.GetCode(ctx, pool, nil)
		if err == nil {
			if len(code) == 0 {
				return invalid(ReasonNoBytecode), nil
			}
			if _, ok := v.whitelistedBytecode[hashBytecode(code)]; !ok {
				return invalid(ReasonBytecodeMismatch), nil
			}
			return valid(), nil
		}

		lastErr = err
		v.log.Warn("validator: bytecode fetch failed, retrying",
			zap.String("pool", pool.Hex()), zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(v.retryDelay):
		}
	}
	return Result{}, fmt.Errorf("validator: bytecode validation failed for %s after %d attempts: %w", pool.Hex(), maxRetries, lastErr)
}

// hashBytecode mirrors the teacher's makeStorageKey pattern of hashing
// raw bytes with blake3 rather than crypto/sha256.
func hashBytecode(code []byte) [32]byte {
	h := blake3.New()
	h.Write(code)
	var out [32]byte
	h.Digest().Read(out[:])
	return out
}

// ValidateAll runs StructuralValidation over every candidate in
// sequence, treating an RPC exhaustion error as Invalid rather than
// aborting the batch.
func (v *Validator) ValidateAll(ctx context.Context, candidates []poolevents.Candidate) map[common.Address]Result {
	out := make(map[common.Address]Result, len(candidates))
	for _, c := range candidates {
		res, err := v.StructuralValidation(ctx, c)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return out
			}
			res = invalid(ReasonNoBytecode)
		}
		out[c.Address] = res
	}
	return out
}
