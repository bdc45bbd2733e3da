package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
)

// SnapshotStore persists pool snapshots in Postgres, one row per pool. The
// upsert replaces the whole row in a single statement, so readers always see
// a complete snapshot.
type SnapshotStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewSnapshotStore(pool *pgxpool.Pool, cfg TableConfig) (*SnapshotStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: pool, table: cfg.SnapshotsTable()}, nil
}

// EnsureSchema creates the snapshot table and its indexes if missing.
func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			pool_id            TEXT PRIMARY KEY,
			protocol           TEXT NOT NULL,
			token0             TEXT NOT NULL DEFAULT '',
			token1             TEXT NOT NULL DEFAULT '',
			fee                INTEGER NOT NULL DEFAULT 0,
			tick_spacing       INTEGER NOT NULL DEFAULT 0,
			factory            TEXT NOT NULL DEFAULT '',
			reference_block    BIGINT NOT NULL,
			tick_bitmap        JSONB NOT NULL DEFAULT '{}'::jsonb,
			tick_data          JSONB NOT NULL DEFAULT '{}'::jsonb,
			current_tick       INTEGER NOT NULL DEFAULT 0,
			sqrt_price_x96     NUMERIC(78,0) NOT NULL DEFAULT 0,
			liquidity          NUMERIC(78,0) NOT NULL DEFAULT 0,
			reserve0           NUMERIC(78,0),
			reserve1           NUMERIC(78,0),
			last_event_block   BIGINT NOT NULL DEFAULT 0,
			total_ticks        INTEGER NOT NULL DEFAULT 0,
			total_bitmap_words INTEGER NOT NULL DEFAULT 0,
			update_count       BIGINT NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_reference_block_idx ON %[1]s (reference_block);
		CREATE INDEX IF NOT EXISTS %[1]s_protocol_idx ON %[1]s (protocol);
		CREATE INDEX IF NOT EXISTS %[1]s_updated_at_idx ON %[1]s (updated_at);
	`, s.table))
	if err != nil {
		return fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Put(ctx context.Context, snap *model.Snapshot) error {
	bitmap, err := json.Marshal(snap.TickBitmap)
	if err != nil {
		return fmt.Errorf("marshal tick bitmap: %w", err)
	}
	ticks, err := json.Marshal(snap.Ticks)
	if err != nil {
		return fmt.Errorf("marshal tick data: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (
			pool_id, protocol, token0, token1, fee, tick_spacing, factory,
			reference_block, tick_bitmap, tick_data, current_tick,
			sqrt_price_x96, liquidity, reserve0, reserve1, last_event_block,
			total_ticks, total_bitmap_words, update_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,0,now(),now())
		ON CONFLICT (pool_id) DO UPDATE SET
			protocol = EXCLUDED.protocol,
			token0 = EXCLUDED.token0,
			token1 = EXCLUDED.token1,
			fee = EXCLUDED.fee,
			tick_spacing = EXCLUDED.tick_spacing,
			factory = EXCLUDED.factory,
			reference_block = EXCLUDED.reference_block,
			tick_bitmap = EXCLUDED.tick_bitmap,
			tick_data = EXCLUDED.tick_data,
			current_tick = EXCLUDED.current_tick,
			sqrt_price_x96 = EXCLUDED.sqrt_price_x96,
			liquidity = EXCLUDED.liquidity,
			reserve0 = EXCLUDED.reserve0,
			reserve1 = EXCLUDED.reserve1,
			last_event_block = EXCLUDED.last_event_block,
			total_ticks = EXCLUDED.total_ticks,
			total_bitmap_words = EXCLUDED.total_bitmap_words,
			update_count = %[1]s.update_count + 1,
			updated_at = now()
	`, s.table),
		string(snap.PoolID),
		snap.Protocol.String(),
		snap.Token0,
		snap.Token1,
		snap.Fee,
		snap.TickSpacing,
		snap.Factory,
		int64(snap.ReferenceBlock),
		bitmap,
		ticks,
		snap.CurrentTick,
		numericArg(snap.SqrtPriceX96),
		numericArg(snap.Liquidity),
		numericArg(snap.Reserve0),
		numericArg(snap.Reserve1),
		int64(snap.LastEventBlock),
		snap.TickCount(),
		snap.WordCount(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.PoolID, err)
	}
	return nil
}

const snapshotColumns = `
	pool_id, protocol, token0, token1, fee, tick_spacing, factory,
	reference_block, tick_bitmap, tick_data, current_tick,
	sqrt_price_x96::text, liquidity::text, reserve0::text, reserve1::text,
	last_event_block, update_count, created_at, updated_at`

func (s *SnapshotStore) Get(ctx context.Context, id model.PoolID) (*model.Snapshot, bool, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE pool_id = $1`, snapshotColumns, s.table),
		string(id))
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return snap, true, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, id model.PoolID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE pool_id = $1`, s.table), string(id))
	if err != nil {
		return false, fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *SnapshotStore) All(ctx context.Context, afterBlock uint64, fn func(*model.Snapshot) error) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE $1::bigint = 0 OR reference_block > $1
		ORDER BY pool_id
	`, snapshotColumns, s.table), int64(afterBlock))
	if err != nil {
		return fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return fmt.Errorf("scan snapshot: %w", err)
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SnapshotStore) Stats(ctx context.Context) (storage.SnapshotStats, error) {
	stats := storage.SnapshotStats{ByProtocol: make(map[string]int64)}

	var avgTicks float64
	var oldestRef, newestRef int64
	var oldestAge, newestAge float64
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COALESCE(AVG(total_ticks), 0),
		       COALESCE(MIN(reference_block), 0),
		       COALESCE(MAX(reference_block), 0),
		       COALESCE(EXTRACT(EPOCH FROM now() - MIN(updated_at)), 0),
		       COALESCE(EXTRACT(EPOCH FROM now() - MAX(updated_at)), 0)
		FROM %s
	`, s.table))
	if err := row.Scan(&stats.Count, &avgTicks, &oldestRef, &newestRef, &oldestAge, &newestAge); err != nil {
		return stats, fmt.Errorf("snapshot stats: %w", err)
	}
	stats.AvgTickCount = avgTicks
	stats.OldestReferenceBlock = uint64(oldestRef)
	stats.NewestReferenceBlock = uint64(newestRef)
	stats.OldestAge = time.Duration(oldestAge * float64(time.Second))
	stats.NewestAge = time.Duration(newestAge * float64(time.Second))

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT protocol, COUNT(*) FROM %s GROUP BY protocol`, s.table))
	if err != nil {
		return stats, fmt.Errorf("snapshot protocol stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var protocol string
		var count int64
		if err := rows.Scan(&protocol, &count); err != nil {
			return stats, fmt.Errorf("scan protocol stats: %w", err)
		}
		stats.ByProtocol[protocol] = count
	}
	return stats, rows.Err()
}

func (s *SnapshotStore) StalePools(ctx context.Context, olderThan time.Duration) ([]model.PoolID, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT pool_id FROM %s
		WHERE updated_at < now() - make_interval(secs => $1)
		ORDER BY pool_id
	`, s.table), olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query stale pools: %w", err)
	}
	defer rows.Close()

	var stale []model.PoolID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale pool: %w", err)
		}
		stale = append(stale, model.PoolID(id))
	}
	return stale, rows.Err()
}

func scanSnapshot(row pgx.Row) (*model.Snapshot, error) {
	var (
		snap        model.Snapshot
		poolID      string
		protocol    string
		refBlock    int64
		bitmapRaw   []byte
		ticksRaw    []byte
		sqrtPrice   *string
		liquidity   *string
		reserve0    *string
		reserve1    *string
		lastEvent   int64
		updateCount int64
	)
	err := row.Scan(&poolID, &protocol, &snap.Token0, &snap.Token1, &snap.Fee,
		&snap.TickSpacing, &snap.Factory, &refBlock, &bitmapRaw, &ticksRaw,
		&snap.CurrentTick, &sqrtPrice, &liquidity, &reserve0, &reserve1,
		&lastEvent, &updateCount, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return nil, err
	}

	snap.PoolID = model.PoolID(poolID)
	snap.Protocol, err = model.ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	snap.ReferenceBlock = uint64(refBlock)
	snap.LastEventBlock = uint64(lastEvent)
	snap.UpdateCount = uint64(updateCount)

	if err := json.Unmarshal(bitmapRaw, &snap.TickBitmap); err != nil {
		return nil, fmt.Errorf("decode tick bitmap: %w", err)
	}
	if err := json.Unmarshal(ticksRaw, &snap.Ticks); err != nil {
		return nil, fmt.Errorf("decode tick data: %w", err)
	}
	if snap.SqrtPriceX96, err = parseNumeric("sqrt_price_x96", sqrtPrice); err != nil {
		return nil, err
	}
	if snap.Liquidity, err = parseNumeric("liquidity", liquidity); err != nil {
		return nil, err
	}
	if snap.Reserve0, err = parseNumeric("reserve0", reserve0); err != nil {
		return nil, err
	}
	if snap.Reserve1, err = parseNumeric("reserve1", reserve1); err != nil {
		return nil, err
	}
	return &snap, nil
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)
