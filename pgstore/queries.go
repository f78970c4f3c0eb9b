// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pgstore

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luxfi/topology-indexer/pooltypes"
)

// Store wraps a pgx connection pool with the query surface the rest
// of the indexer needs. It holds no business logic of its own; the
// async writer (package writer) is the only caller that mutates
// through it on the hot path, everyone else only reads.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Connecting and pool-size
// configuration (spec.md §5: 5 max connections) is the caller's
// concern; this package only issues statements.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgxpool.Pool for callers (the writer)
// that need to build and send their own pgx.Batch.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func u256String(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// UpsertPool inserts p or, on conflict, updates the mutable columns
// spec.md §4.15 names (dex, pool_type is implicit in token/fee
// columns, fee, tokens, factory, updated_at) while leaving
// created_block untouched, per the idempotent-upsert invariant
// (spec.md §8).
func (s *Store) UpsertPool(ctx context.Context, p *pooltypes.Pool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.pools
			(address, dex, origin_dex, factory, token0, token1, fee_bps, created_block,
			 is_valid, is_active, last_seen_block, bytecode_hash, init_code_hash, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
		ON CONFLICT (address) DO UPDATE SET
			dex = EXCLUDED.dex,
			origin_dex = EXCLUDED.origin_dex,
			factory = EXCLUDED.factory,
			token0 = EXCLUDED.token0,
			token1 = EXCLUDED.token1,
			fee_bps = EXCLUDED.fee_bps,
			updated_at = now()`,
		p.Address.Hex(), p.DexName, p.OriginDex, p.Factory.Hex(), p.Token0.Hex(), p.Token1.Hex(),
		p.FeeBps, p.CreatedBlock, p.IsValid, p.IsActive, p.LastSeenBlock,
		hashString(p.BytecodeHash), hashString(p.InitCodeHash))
	if err != nil {
		return fmt.Errorf("pgstore: upsert pool %s: %w", p.Address, err)
	}
	return nil
}

// BatchUpsertPools upserts pools in chunks of 1000 rows per statement
// through a single pgx.Batch per chunk, matching spec.md §203's
// grouped-transaction-per-op-type requirement the same way
// BatchUpsertGraphWeights and BatchSetPoolActivity already do.
func (s *Store) BatchUpsertPools(ctx context.Context, pools []*pooltypes.Pool) error {
	const chunkSize = 1000
	for start := 0; start < len(pools); start += chunkSize {
		end := start + chunkSize
		if end > len(pools) {
			end = len(pools)
		}
		batch := &pgx.Batch{}
		for _, p := range pools[start:end] {
			batch.Queue(`
				INSERT INTO `+Schema+`.pools
					(address, dex, origin_dex, factory, token0, token1, fee_bps, created_block,
					 is_valid, is_active, last_seen_block, bytecode_hash, init_code_hash, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
				ON CONFLICT (address) DO UPDATE SET
					dex = EXCLUDED.dex,
					origin_dex = EXCLUDED.origin_dex,
					factory = EXCLUDED.factory,
					token0 = EXCLUDED.token0,
					token1 = EXCLUDED.token1,
					fee_bps = EXCLUDED.fee_bps,
					updated_at = now()`,
				p.Address.Hex(), p.DexName, p.OriginDex, p.Factory.Hex(), p.Token0.Hex(), p.Token1.Hex(),
				p.FeeBps, p.CreatedBlock, p.IsValid, p.IsActive, p.LastSeenBlock,
				hashString(p.BytecodeHash), hashString(p.InitCodeHash))
		}
		br := s.pool.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("pgstore: batch pool upsert [%d:%d]: %w", start, end, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("pgstore: close pool upsert batch: %w", err)
		}
	}
	return nil
}

// InsertPoolSnapshot appends one append-only history row.
func (s *Store) InsertPoolSnapshot(ctx context.Context, snap pooltypes.PoolStateSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.pool_state_snapshots
			(pool_address, block_number, reserve0, reserve1, liquidity, ts)
		VALUES ($1,$2,$3,$4,$5, now())`,
		snap.PoolAddress.Hex(), snap.BlockNumber, u256String(snap.Reserve0), u256String(snap.Reserve1),
		u256String(snap.Liquidity))
	if err != nil {
		return fmt.Errorf("pgstore: insert pool snapshot for %s: %w", snap.PoolAddress, err)
	}
	return nil
}

// BatchInsertPoolSnapshots appends snapshots in chunks of 1000 rows per
// statement through a single pgx.Batch per chunk, matching spec.md
// §203's grouped-transaction-per-op-type requirement.
func (s *Store) BatchInsertPoolSnapshots(ctx context.Context, snaps []pooltypes.PoolStateSnapshot) error {
	const chunkSize = 1000
	for start := 0; start < len(snaps); start += chunkSize {
		end := start + chunkSize
		if end > len(snaps) {
			end = len(snaps)
		}
		batch := &pgx.Batch{}
		for _, snap := range snaps[start:end] {
			batch.Queue(`
				INSERT INTO `+Schema+`.pool_state_snapshots
					(pool_address, block_number, reserve0, reserve1, liquidity, ts)
				VALUES ($1,$2,$3,$4,$5, now())`,
				snap.PoolAddress.Hex(), snap.BlockNumber, u256String(snap.Reserve0), u256String(snap.Reserve1),
				u256String(snap.Liquidity))
		}
		br := s.pool.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("pgstore: batch pool snapshot insert [%d:%d]: %w", start, end, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("pgstore: close pool snapshot batch: %w", err)
		}
	}
	return nil
}

// UpsertGraphWeight records one pool's freshly computed USD weight.
func (s *Store) UpsertGraphWeight(ctx context.Context, w pooltypes.GraphWeight) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.graph_weights (pool_address, weight, last_computed_block, updated_at)
		VALUES ($1,$2,$3, now())
		ON CONFLICT (pool_address) DO UPDATE SET
			weight = EXCLUDED.weight,
			last_computed_block = EXCLUDED.last_computed_block,
			updated_at = now()`,
		w.PoolAddress.Hex(), w.WeightUSD, w.LastComputedBlock)
	if err != nil {
		return fmt.Errorf("pgstore: upsert graph weight for %s: %w", w.PoolAddress, err)
	}
	return nil
}

// BatchUpsertGraphWeights upserts weights in chunks of 1000 rows per
// statement, matching spec.md §4.13 step 4's chunking requirement.
func (s *Store) BatchUpsertGraphWeights(ctx context.Context, weights []pooltypes.GraphWeight) error {
	const chunkSize = 1000
	for start := 0; start < len(weights); start += chunkSize {
		end := start + chunkSize
		if end > len(weights) {
			end = len(weights)
		}
		batch := &pgx.Batch{}
		for _, w := range weights[start:end] {
			batch.Queue(`
				INSERT INTO `+Schema+`.graph_weights (pool_address, weight, last_computed_block, updated_at)
				VALUES ($1,$2,$3, now())
				ON CONFLICT (pool_address) DO UPDATE SET
					weight = EXCLUDED.weight,
					last_computed_block = EXCLUDED.last_computed_block,
					updated_at = now()`,
				w.PoolAddress.Hex(), w.WeightUSD, w.LastComputedBlock)
		}
		br := s.pool.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("pgstore: batch graph weight upsert [%d:%d]: %w", start, end, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("pgstore: close graph weight batch: %w", err)
		}
	}
	return nil
}

// GetDexState returns the cursor for dex, or CursorForward at block 0
// if no row exists yet (a fresh DEX, per spec.md §4.11 step 1).
func (s *Store) GetDexState(ctx context.Context, dex string) (pooltypes.DexCursor, error) {
	var cursor pooltypes.DexCursor
	cursor.Dex = dex
	var mode string
	err := s.pool.QueryRow(ctx, `
		SELECT last_processed_block, mode FROM `+Schema+`.dex_state WHERE dex = $1`, dex).
		Scan(&cursor.LastProcessedBlock, &mode)
	if err == pgx.ErrNoRows {
		cursor.Mode = pooltypes.CursorForward
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("pgstore: get dex state for %s: %w", dex, err)
	}
	cursor.Mode = pooltypes.CursorMode(mode)
	return cursor, nil
}

// SetDexState upserts the full cursor row.
func (s *Store) SetDexState(ctx context.Context, cursor pooltypes.DexCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.dex_state (dex, last_processed_block, mode, updated_at)
		VALUES ($1,$2,$3, now())
		ON CONFLICT (dex) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			mode = EXCLUDED.mode,
			updated_at = now()`,
		cursor.Dex, cursor.LastProcessedBlock, string(cursor.Mode))
	if err != nil {
		return fmt.Errorf("pgstore: set dex state for %s: %w", cursor.Dex, err)
	}
	return nil
}

// BatchSetDexState upserts cursors through a single pgx.Batch, matching
// spec.md §203's grouped-transaction-per-op-type requirement for the
// cursor-update op group.
func (s *Store) BatchSetDexState(ctx context.Context, cursors []pooltypes.DexCursor) error {
	if len(cursors) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range cursors {
		batch.Queue(`
			INSERT INTO `+Schema+`.dex_state (dex, last_processed_block, mode, updated_at)
			VALUES ($1,$2,$3, now())
			ON CONFLICT (dex) DO UPDATE SET
				last_processed_block = EXCLUDED.last_processed_block,
				mode = EXCLUDED.mode,
				updated_at = now()`,
			c.Dex, c.LastProcessedBlock, string(c.Mode))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgstore: batch set dex state: %w", err)
		}
	}
	return nil
}

// CheckpointDexState advances only last_processed_block, leaving mode
// untouched; emitted every 100 blocks in its own transaction so a
// failed pool-upsert flush never leaves the cursor ahead of persisted
// pools (spec.md §4.17).
func (s *Store) CheckpointDexState(ctx context.Context, dex string, blockNumber uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.dex_state (dex, last_processed_block, mode, updated_at)
		VALUES ($1, $2, 'forward', now())
		ON CONFLICT (dex) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			updated_at = now()`,
		dex, blockNumber)
	if err != nil {
		return fmt.Errorf("pgstore: checkpoint dex state for %s: %w", dex, err)
	}
	return nil
}

// SetPoolActivity flips is_active for one pool.
func (s *Store) SetPoolActivity(ctx context.Context, addr common.Address, isActive bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+Schema+`.pools SET is_active = $2, updated_at = now() WHERE address = $1`,
		addr.Hex(), isActive)
	if err != nil {
		return fmt.Errorf("pgstore: set pool activity for %s: %w", addr, err)
	}
	return nil
}

// BatchSetPoolActivity applies SetPoolActivity for many pools in one
// transaction-backed batch.
func (s *Store) BatchSetPoolActivity(ctx context.Context, updates map[common.Address]bool) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for addr, active := range updates {
		batch.Queue(`UPDATE `+Schema+`.pools SET is_active = $2, updated_at = now() WHERE address = $1`,
			addr.Hex(), active)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("pgstore: batch pool activity update: %w", err)
		}
	}
	return nil
}

// InsertEventIndexEntry records one decoded factory event for later
// gap detection; a duplicate tuple is silently ignored.
func (s *Store) InsertEventIndexEntry(ctx context.Context, e pooltypes.EventIndexEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.event_index (dex, block_number, event_type, pool_address)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (dex, block_number, event_type, pool_address) DO NOTHING`,
		e.Dex, e.BlockNumber, e.EventType, e.PoolAddress.Hex())
	if err != nil {
		return fmt.Errorf("pgstore: insert event index entry: %w", err)
	}
	return nil
}

// LoadByLiquidityRange implements bgvalidator.PoolStore: returns valid
// pools whose most recent graph weight falls in [minUSD, maxUSD):
// the lower bound is inclusive, the upper bound exclusive.
func (s *Store) LoadByLiquidityRange(ctx context.Context, minUSD, maxUSD float64) ([]*pooltypes.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.address, p.dex, p.factory, p.token0, p.token1, p.fee_bps, p.created_block,
		       p.is_valid, p.is_active, p.last_seen_block
		FROM `+Schema+`.pools p
		JOIN `+Schema+`.graph_weights g ON g.pool_address = p.address
		WHERE p.is_valid AND g.weight >= $1 AND g.weight < $2`, minUSD, maxUSD)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load pools by liquidity range: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

// LoadActivePools returns every pool currently flagged is_active AND
// is_valid, the candidate set topology.Graph and route.Precomputer
// both work from.
func (s *Store) LoadActivePools(ctx context.Context) ([]*pooltypes.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, dex, factory, token0, token1, fee_bps, created_block, is_valid, is_active, last_seen_block
		FROM `+Schema+`.pools WHERE is_valid AND is_active`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load active pools: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

// LoadRecentlyDiscovered returns valid pools created at or after
// sinceBlock, the incremental-update target set spec.md §4.13 step 1
// names as an alternative to a full active-pool scan.
func (s *Store) LoadRecentlyDiscovered(ctx context.Context, sinceBlock uint64) ([]*pooltypes.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, dex, factory, token0, token1, fee_bps, created_block, is_valid, is_active, last_seen_block
		FROM `+Schema+`.pools WHERE is_valid AND created_block >= $1`, sinceBlock)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load recently discovered pools: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

// LoadInactiveValidSample returns up to limit valid-but-inactive pools
// for the orchestrator's reactivation probe (spec.md §4.11 step 5).
func (s *Store) LoadInactiveValidSample(ctx context.Context, limit int) ([]*pooltypes.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, dex, factory, token0, token1, fee_bps, created_block, is_valid, is_active, last_seen_block
		FROM `+Schema+`.pools WHERE is_valid AND NOT is_active LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load inactive pool sample: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

func scanPools(rows pgx.Rows) ([]*pooltypes.Pool, error) {
	var out []*pooltypes.Pool
	for rows.Next() {
		var (
			addr, dex, factory, token0, token1 string
			feeBps                             *uint32
			createdBlock                       uint64
			isValid, isActive                  bool
			lastSeenBlock                      *uint64
		)
		if err := rows.Scan(&addr, &dex, &factory, &token0, &token1, &feeBps, &createdBlock, &isValid, &isActive, &lastSeenBlock); err != nil {
			return nil, fmt.Errorf("pgstore: scan pool row: %w", err)
		}
		p := &pooltypes.Pool{
			Address:      common.HexToAddress(addr),
			DexName:      dex,
			Factory:      common.HexToAddress(factory),
			Token0:       common.HexToAddress(token0),
			Token1:       common.HexToAddress(token1),
			CreatedBlock: createdBlock,
			IsValid:      isValid,
			IsActive:     isActive,
		}
		if feeBps != nil {
			p.FeeBps = *feeBps
			p.Kind = pooltypes.PoolKindConcentrated
		} else {
			p.Kind = pooltypes.PoolKindConstantProduct
		}
		if lastSeenBlock != nil {
			p.LastSeenBlock = *lastSeenBlock
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertTokenRelation records or refreshes a base/wrapped token link.
func (s *Store) UpsertTokenRelation(ctx context.Context, rel pooltypes.TokenRelation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.token_relations (base_token, wrapped_token, relation_type, priority_source, confidence_score)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (base_token, wrapped_token, relation_type) DO UPDATE SET
			priority_source = EXCLUDED.priority_source,
			confidence_score = EXCLUDED.confidence_score`,
		rel.BaseToken.Hex(), rel.WrappedToken.Hex(), string(rel.RelationType), rel.PrioritySource, rel.Confidence)
	if err != nil {
		return fmt.Errorf("pgstore: upsert token relation: %w", err)
	}
	return nil
}

// UpsertToken inserts a newly sighted token or refreshes its
// enrichment fields.
func (s *Store) UpsertToken(ctx context.Context, t pooltypes.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+Schema+`.tokens (address, symbol, decimals, token_type, confidence_score, created_at)
		VALUES ($1,$2,$3,$4,$5, now())
		ON CONFLICT (address) DO UPDATE SET
			symbol = COALESCE(EXCLUDED.symbol, `+Schema+`.tokens.symbol),
			decimals = COALESCE(EXCLUDED.decimals, `+Schema+`.tokens.decimals),
			token_type = EXCLUDED.token_type,
			confidence_score = EXCLUDED.confidence_score`,
		t.Address.Hex(), nullIfEmpty(t.Symbol), t.Decimals, string(t.Type), t.ConfidenceScore)
	if err != nil {
		return fmt.Errorf("pgstore: upsert token %s: %w", t.Address, err)
	}
	return nil
}

// TokensNeedingEnrichment returns up to limit token addresses missing
// a symbol, the work queue package tokenenrich drains.
func (s *Store) TokensNeedingEnrichment(ctx context.Context, limit int) ([]common.Address, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address FROM `+Schema+`.tokens WHERE symbol IS NULL LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load tokens needing enrichment: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("pgstore: scan token address: %w", err)
		}
		out = append(out, common.HexToAddress(addr))
	}
	return out, rows.Err()
}

// DetectGaps scans event_index for dex and returns, for every gap in
// otherwise-contiguous coverage, the last block number before the gap,
// supporting orchestrator.DetectGaps's reverse_sync trigger.
func (s *Store) DetectGaps(ctx context.Context, dex string) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT block_number FROM `+Schema+`.event_index WHERE dex = $1 ORDER BY block_number`, dex)
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan event index for %s: %w", dex, err)
	}
	defer rows.Close()

	var blocks []uint64
	for rows.Next() {
		var b uint64
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("pgstore: scan event index block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return computeGapsAfter(blocks), nil
}

// computeGapsAfter returns, for each non-contiguous jump in a sorted
// block list, the block immediately before the jump. Split out as a
// pure function so the gap-detection logic is testable without a
// database.
func computeGapsAfter(blocks []uint64) []uint64 {
	var gapsAfter []uint64
	for i := 1; i < len(blocks); i++ {
		if blocks[i] > blocks[i-1]+1 {
			gapsAfter = append(gapsAfter, blocks[i-1])
		}
	}
	return gapsAfter
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
