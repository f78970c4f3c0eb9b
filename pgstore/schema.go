// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pgstore holds the Postgres schema (spec.md §6) and the
// query surface the async writer, background validator, topology
// graph, and route precomputer read and write through. Grounded on
// original_source/src/database.rs; table and column names follow
// spec.md §6 verbatim rather than the Rust source's historical
// column set, since spec.md is the authoritative logical schema for
// this expansion.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the Postgres schema every table lives under.
const Schema = "topology"

// bootstrapLockID is the pg_advisory_xact_lock key guarding concurrent
// schema bootstrap across processes, mirroring database.rs's
// MIGRATION_LOCK_ID constant pattern (a fixed, arbitrary int64).
const bootstrapLockID int64 = 0x544f504f4c4f4759 // "TOPOLOGY" packed loosely into hex

var createStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS ` + Schema,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.tokens (
		address VARCHAR(42) PRIMARY KEY,
		symbol VARCHAR(32),
		decimals SMALLINT,
		token_type VARCHAR(20),
		oracle_source VARCHAR(30),
		confidence_score DOUBLE PRECISION,
		last_verified_block BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.pools (
		address VARCHAR(42) PRIMARY KEY,
		dex VARCHAR(50) NOT NULL,
		origin_dex VARCHAR(50),
		factory VARCHAR(42),
		token0 VARCHAR(42) NOT NULL,
		token1 VARCHAR(42) NOT NULL,
		fee_bps INTEGER,
		created_block BIGINT NOT NULL,
		is_valid BOOLEAN NOT NULL DEFAULT true,
		is_active BOOLEAN NOT NULL DEFAULT true,
		last_seen_block BIGINT,
		last_viable_at TIMESTAMPTZ,
		last_viable_block BIGINT,
		bytecode_hash VARCHAR(66),
		init_code_hash VARCHAR(66),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pools_dex ON ` + Schema + `.pools(dex)`,
	`CREATE INDEX IF NOT EXISTS idx_pools_active ON ` + Schema + `.pools(is_active) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.pool_state_snapshots (
		pool_address VARCHAR(42) NOT NULL,
		block_number BIGINT NOT NULL,
		reserve0 VARCHAR(100),
		reserve1 VARCHAR(100),
		liquidity VARCHAR(100),
		slot0_block BIGINT,
		liquidity_block BIGINT,
		reserves_block BIGINT,
		ts TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pool_state_snapshots_pool_block
		ON ` + Schema + `.pool_state_snapshots(pool_address, block_number DESC)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.graph_weights (
		pool_address VARCHAR(42) PRIMARY KEY,
		weight DOUBLE PRECISION NOT NULL,
		last_computed_block BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_weights_weight ON ` + Schema + `.graph_weights(weight DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_graph_weights_pool_weight ON ` + Schema + `.graph_weights(pool_address, weight DESC)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.pool_statistics (
		pool_address VARCHAR(42) PRIMARY KEY,
		tvl_usd DOUBLE PRECISION,
		volatility_bps DOUBLE PRECISION,
		volatility_sample_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.dex_statistics (
		dex VARCHAR(50) PRIMARY KEY,
		total_pools BIGINT NOT NULL DEFAULT 0,
		active_pools BIGINT NOT NULL DEFAULT 0,
		valid_pools BIGINT NOT NULL DEFAULT 0,
		unique_factories BIGINT NOT NULL DEFAULT 0,
		unique_init_code_hashes BIGINT NOT NULL DEFAULT 0,
		unique_bytecode_hashes BIGINT NOT NULL DEFAULT 0,
		last_refreshed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.dex_state (
		dex VARCHAR(50) PRIMARY KEY,
		last_processed_block BIGINT NOT NULL DEFAULT 0,
		mode VARCHAR(20) NOT NULL DEFAULT 'forward',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.event_index (
		dex VARCHAR(50) NOT NULL,
		block_number BIGINT NOT NULL,
		event_type VARCHAR(30) NOT NULL,
		pool_address VARCHAR(42) NOT NULL,
		UNIQUE(dex, block_number, event_type, pool_address)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_index_dex_block ON ` + Schema + `.event_index(dex, block_number)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.token_relations (
		base_token VARCHAR(42) NOT NULL,
		wrapped_token VARCHAR(42) NOT NULL,
		relation_type VARCHAR(20) NOT NULL,
		priority_source VARCHAR(30),
		confidence_score DOUBLE PRECISION,
		UNIQUE(base_token, wrapped_token, relation_type)
	)`,

	`CREATE TABLE IF NOT EXISTS ` + Schema + `.configurations (
		key VARCHAR(100) PRIMARY KEY,
		value TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`INSERT INTO ` + Schema + `.configurations (key, value) VALUES ('db_initialized', 'true')
		ON CONFLICT (key) DO NOTHING`,
}

// Bootstrap idempotently creates every table in createStatements,
// guarded by a Postgres advisory transaction lock so multiple
// processes racing to bootstrap the same database never conflict
// (spec.md §6's "Schema initialization is idempotent, guarded by a
// PostgreSQL advisory lock").
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: acquire connection for bootstrap: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin bootstrap transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", bootstrapLockID); err != nil {
		return fmt.Errorf("pgstore: acquire bootstrap lock: %w", err)
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: bootstrap statement failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit bootstrap transaction: %w", err)
	}
	return nil
}
