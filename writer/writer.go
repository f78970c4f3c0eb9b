// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package writer is the indexer's sole write path to Postgres: every
// other subsystem enqueues a variant-typed Operation and returns
// immediately; one background goroutine drains the queue in batches
// (100 ops or 100ms, whichever comes first), groups by operation type,
// and issues one transaction per group (spec.md §4.17). Grounded on
// original_source/src/postgres_async_writer.rs; the Rust source's
// tokio mpsc::unbounded_channel + tokio::select! loop becomes a
// mutex-guarded unbounded slice with a one-slot wake channel, since Go
// has no unbounded-channel primitive and this is the idiomatic
// substitute when "senders never block" is a hard requirement.
package writer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/topology-indexer/pgstore"
	"github.com/luxfi/topology-indexer/pooltypes"
)

// Operation is one pending write. Exactly one of its fields is
// non-zero; callers use the New* constructors rather than building
// one directly.
type Operation struct {
	kind string

	UpsertPool           *pooltypes.Pool
	PoolSnapshot         *pooltypes.PoolStateSnapshot
	GraphWeight          *pooltypes.GraphWeight
	SetDexState          *pooltypes.DexCursor
	CheckpointDex        *checkpointOp
	BatchPoolSnapshots   []pooltypes.PoolStateSnapshot
	SetPoolActivity      *activityOp
	BatchSetPoolActivity []activityOp
	BatchGraphWeights    []pooltypes.GraphWeight
}

type checkpointOp struct {
	Dex         string
	BlockNumber uint64
}

type activityOp struct {
	Address  common.Address
	IsActive bool
}

const (
	kindUpsertPool           = "upsert_pool"
	kindPoolSnapshot         = "pool_snapshot"
	kindGraphWeight          = "graph_weight"
	kindSetDexState          = "set_dex_state"
	kindCheckpointDex        = "checkpoint_dex"
	kindBatchPoolSnapshots   = "batch_pool_snapshots"
	kindSetPoolActivity      = "set_pool_activity"
	kindBatchSetPoolActivity = "batch_set_pool_activity"
	kindBatchGraphWeights    = "batch_graph_weights"
)

// NewUpsertPool builds an UpsertPool operation.
func NewUpsertPool(p *pooltypes.Pool) Operation {
	return Operation{kind: kindUpsertPool, UpsertPool: p}
}

// NewPoolSnapshot builds an UpdatePoolState/append-snapshot operation.
func NewPoolSnapshot(s pooltypes.PoolStateSnapshot) Operation {
	return Operation{kind: kindPoolSnapshot, PoolSnapshot: &s}
}

// NewGraphWeight builds an UpsertGraphWeight operation.
func NewGraphWeight(w pooltypes.GraphWeight) Operation {
	return Operation{kind: kindGraphWeight, GraphWeight: &w}
}

// NewSetDexState builds a SetDexState operation.
func NewSetDexState(c pooltypes.DexCursor) Operation {
	return Operation{kind: kindSetDexState, SetDexState: &c}
}

// NewCheckpointDexState builds a CheckpointDexState operation, meant
// to be sent every 100 blocks per spec.md §4.17.
func NewCheckpointDexState(dex string, blockNumber uint64) Operation {
	return Operation{kind: kindCheckpointDex, CheckpointDex: &checkpointOp{Dex: dex, BlockNumber: blockNumber}}
}

// NewBatchPoolSnapshots builds a BatchPoolSnapshot operation.
func NewBatchPoolSnapshots(snaps []pooltypes.PoolStateSnapshot) Operation {
	return Operation{kind: kindBatchPoolSnapshots, BatchPoolSnapshots: snaps}
}

// NewBatchGraphWeights builds a BatchGraphWeights operation, also used
// internally to re-enqueue a weight group that failed to flush.
func NewBatchGraphWeights(weights []pooltypes.GraphWeight) Operation {
	return Operation{kind: kindBatchGraphWeights, BatchGraphWeights: weights}
}

// NewSetPoolActivity builds a SetPoolActivity operation.
func NewSetPoolActivity(addr common.Address, isActive bool) Operation {
	return Operation{kind: kindSetPoolActivity, SetPoolActivity: &activityOp{Address: addr, IsActive: isActive}}
}

// ActivityUpdate is one pool's activity flag, the element type
// NewBatchSetPoolActivity takes.
type ActivityUpdate struct {
	Address  common.Address
	IsActive bool
}

// NewBatchSetPoolActivity builds a BatchSetPoolActivity operation.
func NewBatchSetPoolActivity(updates []ActivityUpdate) Operation {
	ops := make([]activityOp, len(updates))
	for i, u := range updates {
		ops[i] = activityOp{Address: u.Address, IsActive: u.IsActive}
	}
	return Operation{kind: kindBatchSetPoolActivity, BatchSetPoolActivity: ops}
}

const (
	// DefaultBatchSize flushes once this many operations have queued,
	// per spec.md §4.17's "default 100 ops".
	DefaultBatchSize = 100
	// DefaultFlushInterval flushes on this cadence even if the batch
	// never fills, per spec.md §4.17's "100 ms".
	DefaultFlushInterval = 100 * time.Millisecond
)

// Writer is the single write path into Postgres. Build one with New
// and call Run in its own goroutine; Enqueue from any number of
// producer goroutines.
type Writer struct {
	store         *pgstore.Store
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger

	mu      sync.Mutex
	queue   []Operation
	closed  bool
	wake    chan struct{}
	drained chan struct{}
}

// New builds a Writer bound to store. Call Run to start its
// background flush loop.
func New(store *pgstore.Store, batchSize int, flushInterval time.Duration, log *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log,
		wake:          make(chan struct{}, 1),
		drained:       make(chan struct{}),
	}
}

func (w *Writer) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// requeue prepends ops to the pending queue so a failed group is
// retried on the writer's next flush (spec.md §302).
func (w *Writer) requeue(ops ...Operation) {
	w.mu.Lock()
	w.queue = append(ops, w.queue...)
	w.mu.Unlock()
}

// Enqueue appends op to the unbounded queue and never blocks. Enqueue
// after Close is a no-op; a process shutting down should stop
// enqueuing before calling Close, but a late enqueue from a racing
// goroutine must not panic or deadlock.
func (w *Writer) Enqueue(op Operation) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, op)
	full := len(w.queue) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.nudge()
	}
}

// Close stops accepting new operations, wakes the run loop for a
// final drain, and blocks until that drain completes.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.nudge()
	<-w.drained
}

// Run is the background flush loop; it returns once Close has been
// called and the final batch has been flushed. Callers should launch
// it with `go w.Run(ctx)`.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.drained)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushAll(context.Background())
			return
		case <-w.wake:
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if closed {
				w.flushAll(ctx)
				return
			}
			w.flushOnce(ctx)
			if w.isClosedAndEmpty() {
				return
			}
		case <-ticker.C:
			w.flushOnce(ctx)
			if w.isClosedAndEmpty() {
				return
			}
		}
	}
}

func (w *Writer) isClosedAndEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed && len(w.queue) == 0
}

// flushOnce drains whatever is currently queued (up to everything
// present, not just one batchSize chunk — a slow flush should not
// leave work stranded across many ticks) and flushes it.
func (w *Writer) flushOnce(ctx context.Context) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	w.flushBatch(ctx, batch, false)
}

// flushAll repeatedly flushes until the queue is empty, used on
// shutdown so nothing enqueued right before Close is lost. A group
// that fails here is not requeued — unlike flushOnce, there is no
// future flush to retry it on, and looping forever against a
// persistently unreachable database would hang shutdown.
func (w *Writer) flushAll(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		w.flushBatch(ctx, batch, true)
	}
}

// flushBatch groups batch by operation kind and issues one call per
// group, matching spec.md §4.17's "groups by op-type and issues
// grouped statements in one transaction per group". Checkpoints are
// issued individually, each in CheckpointDexState's own transaction
// (via pgstore), and are written whether or not the other groups in
// the same batch succeeded. A group that fails stays in the writer's
// internal batch and is retried on the next flush (spec.md §302),
// unless finalDrain is set — shutdown has no next flush to retry on.
func (w *Writer) flushBatch(ctx context.Context, batch []Operation, finalDrain bool) {
	start := time.Now()

	var (
		pools       []*pooltypes.Pool
		snapshots   []pooltypes.PoolStateSnapshot
		weights     []pooltypes.GraphWeight
		dexStates   []pooltypes.DexCursor
		checkpoints []checkpointOp
		activity    = map[common.Address]bool{}
	)

	for _, op := range batch {
		switch op.kind {
		case kindUpsertPool:
			pools = append(pools, op.UpsertPool)
		case kindPoolSnapshot:
			snapshots = append(snapshots, *op.PoolSnapshot)
		case kindBatchPoolSnapshots:
			snapshots = append(snapshots, op.BatchPoolSnapshots...)
		case kindGraphWeight:
			weights = append(weights, *op.GraphWeight)
		case kindBatchGraphWeights:
			weights = append(weights, op.BatchGraphWeights...)
		case kindSetDexState:
			dexStates = append(dexStates, *op.SetDexState)
		case kindCheckpointDex:
			checkpoints = append(checkpoints, *op.CheckpointDex)
		case kindSetPoolActivity:
			activity[op.SetPoolActivity.Address] = op.SetPoolActivity.IsActive
		case kindBatchSetPoolActivity:
			for _, a := range op.BatchSetPoolActivity {
				activity[a.Address] = a.IsActive
			}
		}
	}

	completed := 0
	var retry []Operation

	if len(pools) > 0 {
		if err := w.store.BatchUpsertPools(ctx, pools); err != nil {
			w.log.Error("writer: batch upsert pools failed", zap.Error(err), zap.Int("count", len(pools)))
			for _, p := range pools {
				retry = append(retry, NewUpsertPool(p))
			}
		} else {
			completed += len(pools)
		}
	}

	if len(snapshots) > 0 {
		if err := w.store.BatchInsertPoolSnapshots(ctx, snapshots); err != nil {
			w.log.Error("writer: batch insert pool snapshots failed", zap.Error(err), zap.Int("count", len(snapshots)))
			retry = append(retry, NewBatchPoolSnapshots(snapshots))
		} else {
			completed += len(snapshots)
		}
	}

	if len(weights) > 0 {
		if err := w.store.BatchUpsertGraphWeights(ctx, weights); err != nil {
			w.log.Error("writer: batch upsert graph weights failed", zap.Error(err), zap.Int("count", len(weights)))
			retry = append(retry, NewBatchGraphWeights(weights))
		} else {
			completed += len(weights)
		}
	}

	if len(dexStates) > 0 {
		if err := w.store.BatchSetDexState(ctx, dexStates); err != nil {
			w.log.Error("writer: batch set dex state failed", zap.Error(err), zap.Int("count", len(dexStates)))
			for _, c := range dexStates {
				retry = append(retry, NewSetDexState(c))
			}
		} else {
			completed += len(dexStates)
		}
	}

	// Checkpoints go through their own transaction per call, per
	// spec.md §4.17; they are not chunked together even when several
	// arrive in the same flush. A failed checkpoint is retried like
	// every other group rather than advancing silently skipped.
	for _, c := range checkpoints {
		if err := w.store.CheckpointDexState(ctx, c.Dex, c.BlockNumber); err != nil {
			w.log.Error("writer: checkpoint dex state failed", zap.Error(err),
				zap.String("dex", c.Dex), zap.Uint64("block", c.BlockNumber))
			retry = append(retry, NewCheckpointDexState(c.Dex, c.BlockNumber))
			continue
		}
		completed++
	}

	if len(activity) > 0 {
		if err := w.store.BatchSetPoolActivity(ctx, activity); err != nil {
			w.log.Error("writer: batch set pool activity failed", zap.Error(err), zap.Int("count", len(activity)))
			updates := make([]ActivityUpdate, 0, len(activity))
			for addr, active := range activity {
				updates = append(updates, ActivityUpdate{Address: addr, IsActive: active})
			}
			retry = append(retry, NewBatchSetPoolActivity(updates))
		} else {
			completed += len(activity)
		}
	}

	if len(retry) > 0 {
		if finalDrain {
			w.log.Error("writer: dropping failed groups on final drain", zap.Int("groups", len(retry)))
		} else {
			w.requeue(retry...)
		}
	}

	d := time.Since(start)
	w.log.Debug("writer: flushed batch",
		zap.Int("queued", len(batch)), zap.Int("completed", completed), zap.Duration("elapsed", d))
}
