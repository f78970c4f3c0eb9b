// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rediscoord implements the optional cross-process Redis
// keyspace named in spec.md §6: per-pool state cache, triangular
// route payloads and their sorted-set index, an MVP allowed-pairs
// set, and block-number pub/sub for multi-process coordination.
// Grounded on original_source/src/redis_manager.rs; JSON replaces the
// source's bincode serialization since there is no Go ecosystem
// equivalent in this pack's dependency set and JSON keeps the payload
// debuggable from redis-cli, matching spec.md §6's own "JSON
// PrecomputedTriangularRoute" wording for the route keys.
package rediscoord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default TTLs, grounded on RedisConfig's defaults in redis_manager.rs
// (pool_state_ttl=10s, route_cache_ttl=60s).
const (
	DefaultPoolStateTTL  = 10 * time.Second
	DefaultRouteCacheTTL = 60 * time.Second

	// pipelineBatchCap bounds how many commands ride in one pipeline,
	// matching spec.md §5's "batch size caps (100) to avoid
	// pipeline-size errors".
	pipelineBatchCap = 100

	keyPoolStatePrefix    = "pool:state:"
	keyRouteTriangularFmt = "route:triangular:%s"
	keyRoutesTopLatest    = "routes:top:latest"
	keyRoutesTopMetadata  = "routes:top:metadata"
	keyMVPAllowedPairs    = "mvp:allowed_pairs"
)

// CachedPoolState mirrors redis_manager.rs's CachedPoolState: enough
// of a pool's state to serve a downstream read without an RPC call.
type CachedPoolState struct {
	Address      string  `json:"address"`
	Reserve0     string  `json:"reserve0,omitempty"`
	Reserve1     string  `json:"reserve1,omitempty"`
	SqrtPriceX96 string  `json:"sqrt_price_x96,omitempty"`
	Tick         *int32  `json:"tick,omitempty"`
	Liquidity    string  `json:"liquidity,omitempty"`
	BlockNumber  uint64  `json:"block_number"`
	Timestamp    int64   `json:"timestamp"`
}

// RoutesTopMetadata is the JSON summary published alongside
// routes:top:latest (spec.md §6).
type RoutesTopMetadata struct {
	TotalPoolsProcessed  int    `json:"total_pools_processed"`
	TotalRoutesComputed  int    `json:"total_routes_computed"`
	TopNRoutesSelected   int    `json:"top_n_routes_selected"`
	ComputedAtBlock      uint64 `json:"computed_at_block"`
	ComputedAt           int64  `json:"computed_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

// Coordinator wraps a single go-redis client with pipelining and the
// keyspace conventions above.
type Coordinator struct {
	client        *redis.Client
	poolStateTTL  time.Duration
	routeCacheTTL time.Duration
	log           *zap.Logger
}

// Config configures a Coordinator.
type Config struct {
	URL           string
	PoolStateTTL  time.Duration
	RouteCacheTTL time.Duration
	Logger        *zap.Logger
}

// New parses cfg.URL and builds a Coordinator. The connection is
// lazy (go-redis dials on first use); callers that want to fail fast
// should follow New with a Ping.
func New(cfg Config) (*Coordinator, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rediscoord: parse redis url: %w", err)
	}
	poolTTL := cfg.PoolStateTTL
	if poolTTL <= 0 {
		poolTTL = DefaultPoolStateTTL
	}
	routeTTL := cfg.RouteCacheTTL
	if routeTTL <= 0 {
		routeTTL = DefaultRouteCacheTTL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		client:        redis.NewClient(opts),
		poolStateTTL:  poolTTL,
		routeCacheTTL: routeTTL,
		log:           log,
	}, nil
}

// Ping verifies connectivity.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

// CachePoolState writes one pool's state under pool:state:<addr> with
// the configured TTL.
func (c *Coordinator) CachePoolState(ctx context.Context, state CachedPoolState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("rediscoord: marshal pool state: %w", err)
	}
	key := keyPoolStatePrefix + state.Address
	if err := c.client.Set(ctx, key, data, c.poolStateTTL).Err(); err != nil {
		return fmt.Errorf("rediscoord: cache pool state for %s: %w", state.Address, err)
	}
	return nil
}

// GetPoolState reads back a pool's cached state; ok is false on a
// cache miss.
func (c *Coordinator) GetPoolState(ctx context.Context, address string) (CachedPoolState, bool, error) {
	var out CachedPoolState
	raw, err := c.client.Get(ctx, keyPoolStatePrefix+address).Bytes()
	if err == redis.Nil {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("rediscoord: get pool state for %s: %w", address, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("rediscoord: unmarshal pool state for %s: %w", address, err)
	}
	return out, true, nil
}

// BatchCachePoolStates writes many pool states in pipelines capped at
// pipelineBatchCap commands each (spec.md §5).
func (c *Coordinator) BatchCachePoolStates(ctx context.Context, states []CachedPoolState) error {
	for start := 0; start < len(states); start += pipelineBatchCap {
		end := start + pipelineBatchCap
		if end > len(states) {
			end = len(states)
		}
		pipe := c.client.Pipeline()
		for _, state := range states[start:end] {
			data, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("rediscoord: marshal pool state for %s: %w", state.Address, err)
			}
			pipe.Set(ctx, keyPoolStatePrefix+state.Address, data, c.poolStateTTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rediscoord: batch cache pool states [%d:%d]: %w", start, end, err)
		}
	}
	c.log.Debug("rediscoord: batch cached pool states", zap.Int("count", len(states)))
	return nil
}

// CacheRoute writes one triangular route's JSON payload under
// route:triangular:<routeID>, its score into routes:top:latest, and
// refreshes the TTL on both so that they expire together.
func (c *Coordinator) CacheRoute(ctx context.Context, routeID string, payloadJSON []byte, score float64) error {
	key := fmt.Sprintf(keyRouteTriangularFmt, routeID)
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, payloadJSON, c.routeCacheTTL)
	pipe.ZAdd(ctx, keyRoutesTopLatest, redis.Z{Score: score, Member: routeID})
	pipe.Expire(ctx, keyRoutesTopLatest, c.routeCacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediscoord: cache route %s: %w", routeID, err)
	}
	return nil
}

// ReplaceTopRoutes clears routes:top:latest, then repopulates it and
// writes every payload in pipelines capped at pipelineBatchCap, then
// writes the metadata summary. The steps do not run in one
// transaction: a reader in between can see an empty or partly filled
// set, or the new set next to the previous metadata.
func (c *Coordinator) ReplaceTopRoutes(ctx context.Context, routes map[string][]byte, scores map[string]float64, meta RoutesTopMetadata) error {
	if err := c.client.Del(ctx, keyRoutesTopLatest).Err(); err != nil {
		return fmt.Errorf("rediscoord: clear routes:top:latest: %w", err)
	}

	ids := make([]string, 0, len(routes))
	for id := range routes {
		ids = append(ids, id)
	}
	for start := 0; start < len(ids); start += pipelineBatchCap {
		end := start + pipelineBatchCap
		if end > len(ids) {
			end = len(ids)
		}
		pipe := c.client.Pipeline()
		for _, id := range ids[start:end] {
			key := fmt.Sprintf(keyRouteTriangularFmt, id)
			pipe.Set(ctx, key, routes[id], c.routeCacheTTL)
			pipe.ZAdd(ctx, keyRoutesTopLatest, redis.Z{Score: scores[id], Member: id})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rediscoord: publish top routes [%d:%d]: %w", start, end, err)
		}
	}
	if err := c.client.Expire(ctx, keyRoutesTopLatest, c.routeCacheTTL).Err(); err != nil {
		return fmt.Errorf("rediscoord: expire routes:top:latest: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("rediscoord: marshal routes metadata: %w", err)
	}
	if err := c.client.Set(ctx, keyRoutesTopMetadata, metaJSON, c.routeCacheTTL).Err(); err != nil {
		return fmt.Errorf("rediscoord: set routes metadata: %w", err)
	}
	return nil
}

// TopRouteIDs returns up to limit route ids from routes:top:latest,
// highest score first.
func (c *Coordinator) TopRouteIDs(ctx context.Context, limit int64) ([]string, error) {
	ids, err := c.client.ZRevRange(ctx, keyRoutesTopLatest, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("rediscoord: read routes:top:latest: %w", err)
	}
	return ids, nil
}

// GetRoutePayloads batched multi-gets every route:triangular:<id> for
// ids, pruning dangling sorted-set members (an id present in
// routes:top:latest with no matching payload) as it reads, matching
// spec.md §4.14's "dangling ids ... are pruned on read".
func (c *Coordinator) GetRoutePayloads(ctx context.Context, ids []string) (map[string][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(keyRouteTriangularFmt, id)
	}
	raw, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("rediscoord: batched route mget: %w", err)
	}

	out := make(map[string][]byte, len(ids))
	var dangling []string
	for i, v := range raw {
		if v == nil {
			dangling = append(dangling, ids[i])
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[ids[i]] = []byte(s)
	}
	if len(dangling) > 0 {
		members := make([]any, len(dangling))
		for i, id := range dangling {
			members[i] = id
		}
		if err := c.client.ZRem(ctx, keyRoutesTopLatest, members...).Err(); err != nil {
			c.log.Warn("rediscoord: failed to prune dangling route ids", zap.Error(err))
		}
	}
	return out, nil
}

// SetMVPAllowedPairs overwrites the optional mvp:allowed_pairs set
// with "token0:token1" members, TTL'd at ttl.
func (c *Coordinator) SetMVPAllowedPairs(ctx context.Context, pairs [][2]string, ttl time.Duration) error {
	if err := c.client.Del(ctx, keyMVPAllowedPairs).Err(); err != nil {
		return fmt.Errorf("rediscoord: clear mvp allowed pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil
	}
	members := make([]any, len(pairs))
	for i, p := range pairs {
		members[i] = p[0] + ":" + p[1]
	}
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, keyMVPAllowedPairs, members...)
	pipe.Expire(ctx, keyMVPAllowedPairs, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediscoord: set mvp allowed pairs: %w", err)
	}
	return nil
}

// GetMVPAllowedPairs returns the current set of allowed pairs.
func (c *Coordinator) GetMVPAllowedPairs(ctx context.Context) ([][2]string, error) {
	members, err := c.client.SMembers(ctx, keyMVPAllowedPairs).Result()
	if err != nil {
		return nil, fmt.Errorf("rediscoord: read mvp allowed pairs: %w", err)
	}
	out := make([][2]string, 0, len(members))
	for _, m := range members {
		for i := 0; i < len(m); i++ {
			if m[i] == ':' {
				out = append(out, [2]string{m[:i], m[i+1:]})
				break
			}
		}
	}
	return out, nil
}

// blockNumberChannel is the pub/sub channel blockstream.Stream
// publishes lean block-number notifications to, when a Coordinator is
// attached as its ExternalPublisher.
const blockNumberChannel = "topology:block_number"

type blockNumberMessage struct {
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"`
}

// PublishBlockNumber implements blockstream.ExternalPublisher.
func (c *Coordinator) PublishBlockNumber(blockNumber uint64) error {
	msg, err := json.Marshal(blockNumberMessage{BlockNumber: blockNumber, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("rediscoord: marshal block number message: %w", err)
	}
	return c.client.Publish(context.Background(), blockNumberChannel, msg).Err()
}

// SubscribeBlockNumbers returns a subscription to the block-number
// pub/sub channel for other processes to coordinate against.
func (c *Coordinator) SubscribeBlockNumbers(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, blockNumberChannel)
}
