// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chainhead

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/rpcpool"
)

// rawDialer is the subset of *rpcpool.Pool the subscriber needs: a raw
// *rpc.Client capable of eth_subscribe, plus its release func.
type rawDialer interface {
	RawClient(ctx context.Context) (*rpc.Client, func(), error)
}

// Subscriber keeps Cache fresh by subscribing to newHeads over a raw
// *rpc.Client, falling back to active polling when the subscription
// goes quiet for more than staleThreshold (spec.md §4.3(b)). Grounded
// on original_source/src/block_number_websocket.rs.
type Subscriber struct {
	pool  rawDialer
	cache *Cache
	log   *zap.Logger

	pollInterval   time.Duration
	staleThreshold time.Duration

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubscriber builds a Subscriber over pool, keeping cache updated.
func NewSubscriber(pool *rpcpool.Pool, cache *Cache, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		pool:           pool,
		cache:          cache,
		log:            log,
		pollInterval:   time.Second,
		staleThreshold: 5 * time.Second,
		initialBackoff: time.Second,
		maxBackoff:     60 * time.Second,
	}
}

// Run subscribes to newHeads and blocks until ctx is canceled,
// reconnecting with exponential backoff (capped at maxBackoff) on any
// subscription failure.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connectedAt := time.Now()
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lasted long enough to be useful resets the
		// backoff; a connection that dies immediately keeps backing off.
		if time.Since(connectedAt) > s.staleThreshold {
			backoff = s.initialBackoff
		}

		s.log.Warn("chainhead: newHeads subscription ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// connectOnce dials one raw client, subscribes to newHeads, and serves
// headers and the polling-fallback ticker until the subscription
// errors or ctx is canceled.
func (s *Subscriber) connectOnce(ctx context.Context) error {
	raw, release, err := s.pool.RawClient(ctx)
	if err != nil {
		return err
	}
	defer release()

	ec := ethclient.NewClient(raw)
	headers := make(chan *types.Header, 16)
	sub, err := ec.SubscribeNewHead(ctx, headers)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case h := <-headers:
			s.cache.UpdateFromExternal(h.Number.Uint64())
		case <-ticker.C:
			s.pollIfStale(ctx)
		}
	}
}

// pollIfStale activates the polling fallback once the cache has gone
// longer than staleThreshold without any update (subscription or
// otherwise). It deactivates itself implicitly: once headers resume
// flowing, StaleSince drops back under the threshold and this becomes
// a no-op again.
func (s *Subscriber) pollIfStale(ctx context.Context) {
	if s.cache.StaleSince() < s.staleThreshold {
		return
	}
	n, err := s.cache.fetcher.GetBlockNumber(ctx)
	if err != nil {
		s.log.Debug("chainhead: polling fallback fetch failed", zap.Error(err))
		return
	}
	s.cache.UpdateFromExternal(n)
}
