package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
)

// EventLedger persists liquidity events in Postgres keyed by
// (pool_id, block_number, transaction_index, log_index). Appends are
// idempotent through ON CONFLICT DO NOTHING.
type EventLedger struct {
	pool  *pgxpool.Pool
	table string
}

func NewEventLedger(pool *pgxpool.Pool, cfg TableConfig) (*EventLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &EventLedger{pool: pool, table: cfg.EventsTable()}, nil
}

// EnsureSchema creates the event table and its indexes if missing.
func (l *EventLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			pool_id           TEXT NOT NULL,
			block_number      BIGINT NOT NULL,
			transaction_index INTEGER NOT NULL,
			log_index         INTEGER NOT NULL,
			kind              TEXT NOT NULL,
			tick_lower        INTEGER,
			tick_upper        INTEGER,
			liquidity_delta   NUMERIC(78,0),
			amount0           NUMERIC(78,0),
			amount1           NUMERIC(78,0),
			sqrt_price_x96    NUMERIC(78,0),
			tick              INTEGER,
			liquidity         NUMERIC(78,0),
			tx_hash           TEXT NOT NULL DEFAULT '',
			sender            TEXT NOT NULL DEFAULT '',
			reverted          BOOLEAN NOT NULL DEFAULT FALSE,
			block_timestamp   BIGINT NOT NULL DEFAULT 0,
			inserted_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (pool_id, block_number, transaction_index, log_index)
		);
		CREATE INDEX IF NOT EXISTS %[1]s_block_idx ON %[1]s (block_number);
	`, l.table))
	if err != nil {
		return fmt.Errorf("ensure event schema: %w", err)
	}
	return nil
}

const eventInsertColumns = `
	pool_id, block_number, transaction_index, log_index, kind,
	tick_lower, tick_upper, liquidity_delta, amount0, amount1,
	sqrt_price_x96, tick, liquidity, tx_hash, sender, reverted, block_timestamp`

func eventInsertArgs(ev *model.LiquidityEvent) []interface{} {
	var tickLower, tickUpper, tick *int32
	switch ev.Kind {
	case model.KindMint, model.KindBurn, model.KindModifyLiquidity:
		tickLower, tickUpper = &ev.TickLower, &ev.TickUpper
	case model.KindSwap:
		tick = &ev.Tick
	}
	return []interface{}{
		string(ev.PoolID),
		int64(ev.Block),
		int32(ev.TxIndex),
		int32(ev.LogIndex),
		ev.Kind.String(),
		tickLower,
		tickUpper,
		numericArg(ev.LiquidityDelta),
		numericArg(ev.Amount0),
		numericArg(ev.Amount1),
		numericArg(ev.SqrtPriceX96),
		tick,
		numericArg(ev.Liquidity),
		ev.TxHash,
		ev.Sender,
		ev.Reverted,
		int64(ev.Timestamp),
	}
}

func (l *EventLedger) insertSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (pool_id, block_number, transaction_index, log_index) DO NOTHING
	`, l.table, eventInsertColumns)
}

// Append stores one event. It reports true when the event was new and
// false when the ledger already held an event under the same key.
func (l *EventLedger) Append(ctx context.Context, ev *model.LiquidityEvent) (bool, error) {
	tag, err := l.pool.Exec(ctx, l.insertSQL(), eventInsertArgs(ev)...)
	if err != nil {
		return false, fmt.Errorf("append event %s %s: %w", ev.PoolID, ev.EventKey, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendBatch stores events in one round trip and reports how many were new.
func (l *EventLedger) AppendBatch(ctx context.Context, events []*model.LiquidityEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	sql := l.insertSQL()
	for _, ev := range events {
		batch.Queue(sql, eventInsertArgs(ev)...)
	}
	results := l.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i, ev := range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("append event %d of %d (%s %s): %w",
				i+1, len(events), ev.PoolID, ev.EventKey, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

const eventSelectColumns = `
	pool_id, block_number, transaction_index, log_index, kind,
	tick_lower, tick_upper, liquidity_delta::text, amount0::text, amount1::text,
	sqrt_price_x96::text, tick, liquidity::text, tx_hash, sender, reverted, block_timestamp`

// EventsSince streams events for a pool strictly after afterBlock in
// (block, tx index, log index) order. A non-nil error from fn stops the
// scan and is returned unchanged.
func (l *EventLedger) EventsSince(ctx context.Context, id model.PoolID, afterBlock uint64, fn func(*model.LiquidityEvent) error) error {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE pool_id = $1 AND block_number > $2
		ORDER BY block_number, transaction_index, log_index
	`, eventSelectColumns, l.table), string(id), int64(afterBlock))
	if err != nil {
		return fmt.Errorf("query events for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *EventLedger) Get(ctx context.Context, id model.PoolID, key model.EventKey) (*model.LiquidityEvent, bool, error) {
	row := l.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE pool_id = $1 AND block_number = $2 AND transaction_index = $3 AND log_index = $4
	`, eventSelectColumns, l.table),
		string(id), int64(key.Block), int32(key.TxIndex), int32(key.LogIndex))
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load event %s %s: %w", id, key, err)
	}
	return ev, true, nil
}

// DeleteFrom removes every event for the pool at or above fromBlock and
// reports how many rows were removed.
func (l *EventLedger) DeleteFrom(ctx context.Context, id model.PoolID, fromBlock uint64) (int64, error) {
	tag, err := l.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE pool_id = $1 AND block_number >= $2
	`, l.table), string(id), int64(fromBlock))
	if err != nil {
		return 0, fmt.Errorf("delete events for %s from block %d: %w", id, fromBlock, err)
	}
	return tag.RowsAffected(), nil
}

// PruneBefore removes every event for the pool strictly below block.
func (l *EventLedger) PruneBefore(ctx context.Context, id model.PoolID, block uint64) (int64, error) {
	tag, err := l.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE pool_id = $1 AND block_number < $2
	`, l.table), string(id), int64(block))
	if err != nil {
		return 0, fmt.Errorf("prune events for %s before block %d: %w", id, block, err)
	}
	return tag.RowsAffected(), nil
}

func (l *EventLedger) Stats(ctx context.Context) (storage.LedgerStats, error) {
	stats := storage.LedgerStats{ByKind: make(map[string]int64)}

	var minBlock, maxBlock int64
	var newestAge float64
	row := l.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(DISTINCT pool_id),
		       COALESCE(MIN(block_number), 0),
		       COALESCE(MAX(block_number), 0),
		       COALESCE(EXTRACT(EPOCH FROM now() - MAX(inserted_at)), 0)
		FROM %s
	`, l.table))
	if err := row.Scan(&stats.Count, &stats.PoolCount, &minBlock, &maxBlock, &newestAge); err != nil {
		return stats, fmt.Errorf("ledger stats: %w", err)
	}
	stats.MinBlock = uint64(minBlock)
	stats.MaxBlock = uint64(maxBlock)
	stats.NewestAge = time.Duration(newestAge * float64(time.Second))

	rows, err := l.pool.Query(ctx,
		fmt.Sprintf(`SELECT kind, COUNT(*) FROM %s GROUP BY kind`, l.table))
	if err != nil {
		return stats, fmt.Errorf("ledger kind stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, fmt.Errorf("scan kind stats: %w", err)
		}
		stats.ByKind[kind] = count
	}
	return stats, rows.Err()
}

func scanEvent(row pgx.Row) (*model.LiquidityEvent, error) {
	var (
		ev        model.LiquidityEvent
		poolID    string
		block     int64
		txIndex   int32
		logIndex  int32
		kind      string
		tickLower *int32
		tickUpper *int32
		delta     *string
		amount0   *string
		amount1   *string
		sqrtPrice *string
		tick      *int32
		liquidity *string
		timestamp int64
	)
	err := row.Scan(&poolID, &block, &txIndex, &logIndex, &kind,
		&tickLower, &tickUpper, &delta, &amount0, &amount1,
		&sqrtPrice, &tick, &liquidity, &ev.TxHash, &ev.Sender,
		&ev.Reverted, &timestamp)
	if err != nil {
		return nil, err
	}

	ev.PoolID = model.PoolID(poolID)
	ev.Block = uint64(block)
	ev.TxIndex = uint32(txIndex)
	ev.LogIndex = uint32(logIndex)
	ev.Kind, err = model.ParseEventKind(kind)
	if err != nil {
		return nil, err
	}
	if tickLower != nil {
		ev.TickLower = *tickLower
	}
	if tickUpper != nil {
		ev.TickUpper = *tickUpper
	}
	if tick != nil {
		ev.Tick = *tick
	}
	ev.Timestamp = uint64(timestamp)

	if ev.LiquidityDelta, err = parseNumeric("liquidity_delta", delta); err != nil {
		return nil, err
	}
	if ev.Amount0, err = parseNumeric("amount0", amount0); err != nil {
		return nil, err
	}
	if ev.Amount1, err = parseNumeric("amount1", amount1); err != nil {
		return nil, err
	}
	if ev.SqrtPriceX96, err = parseNumeric("sqrt_price_x96", sqrtPrice); err != nil {
		return nil, err
	}
	if ev.Liquidity, err = parseNumeric("liquidity", liquidity); err != nil {
		return nil, err
	}
	return &ev, nil
}

var _ storage.EventLedger = (*EventLedger)(nil)
