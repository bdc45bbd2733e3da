package storage

import (
	"context"
	"time"

	"liquiditySync/internal/model"
)

// SnapshotStore persists one snapshot per pool. Put replaces the pool's
// snapshot atomically; readers never observe a partially updated snapshot.
// Stores manage CreatedAt, UpdatedAt and UpdateCount themselves.
type SnapshotStore interface {
	Put(ctx context.Context, snap *model.Snapshot) error
	Get(ctx context.Context, id model.PoolID) (*model.Snapshot, bool, error)
	Delete(ctx context.Context, id model.PoolID) (bool, error)
	// All streams snapshots with reference block > afterBlock (0 for all),
	// ordered by pool id. A non-nil error from fn stops the iteration.
	All(ctx context.Context, afterBlock uint64, fn func(*model.Snapshot) error) error
	Stats(ctx context.Context) (SnapshotStats, error)
	// StalePools lists pools whose snapshot has not been written for longer
	// than olderThan.
	StalePools(ctx context.Context, olderThan time.Duration) ([]model.PoolID, error)
}

// EventLedger persists the ordered liquidity events of every pool. Events are
// immutable once stored; the ordering key (pool, block, tx index, log index)
// is unique.
type EventLedger interface {
	// Append stores one event. Re-appending an already stored ordering key is
	// a no-op returning false, which makes at-least-once delivery safe.
	Append(ctx context.Context, ev *model.LiquidityEvent) (bool, error)
	// AppendBatch appends many events in one round trip and returns how many
	// were newly stored.
	AppendBatch(ctx context.Context, evs []*model.LiquidityEvent) (int, error)
	// EventsSince streams the pool's events with block > afterBlock in
	// ascending key order. The iteration is finite and restartable; a non-nil
	// error from fn stops it.
	EventsSince(ctx context.Context, id model.PoolID, afterBlock uint64, fn func(*model.LiquidityEvent) error) error
	// Get returns the stored event at an exact ordering key.
	Get(ctx context.Context, id model.PoolID, key model.EventKey) (*model.LiquidityEvent, bool, error)
	// DeleteFrom removes the pool's events with block >= fromBlock (reorg
	// invalidation) and returns how many were removed.
	DeleteFrom(ctx context.Context, id model.PoolID, fromBlock uint64) (int64, error)
	// PruneBefore removes the pool's events with block < block (compaction
	// after a fresh snapshot) and returns how many were removed.
	PruneBefore(ctx context.Context, id model.PoolID, block uint64) (int64, error)
	Stats(ctx context.Context) (LedgerStats, error)
}

// SnapshotStats summarizes the snapshot table.
type SnapshotStats struct {
	Count                int64            `json:"count"`
	ByProtocol           map[string]int64 `json:"by_protocol"`
	AvgTickCount         float64          `json:"avg_tick_count"`
	OldestReferenceBlock uint64           `json:"oldest_reference_block"`
	NewestReferenceBlock uint64           `json:"newest_reference_block"`
	OldestAge            time.Duration    `json:"oldest_age_ns"`
	NewestAge            time.Duration    `json:"newest_age_ns"`
}

// LedgerStats summarizes the event ledger.
type LedgerStats struct {
	Count     int64            `json:"count"`
	PoolCount int64            `json:"pool_count"`
	ByKind    map[string]int64 `json:"by_kind"`
	MinBlock  uint64           `json:"min_block"`
	MaxBlock  uint64           `json:"max_block"`
	NewestAge time.Duration    `json:"newest_age_ns"`
}
