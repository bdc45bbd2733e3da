package storage

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"liquiditySync/internal/model"
)

const (
	poolA = model.PoolID("0x8ad599c3a0ff1de082011efddc58f1908eb6e6d8")
	poolB = model.PoolID("0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc")
)

func testEvent(pool model.PoolID, block uint64, logIndex uint32, delta int64) *model.LiquidityEvent {
	kind := model.KindMint
	if delta < 0 {
		kind = model.KindBurn
	}
	return &model.LiquidityEvent{
		PoolID:         pool,
		EventKey:       model.EventKey{Block: block, TxIndex: 0, LogIndex: logIndex},
		Kind:           kind,
		TickLower:      -100,
		TickUpper:      100,
		LiquidityDelta: big.NewInt(delta),
	}
}

func testSnapshot(pool model.PoolID, refBlock uint64) *model.Snapshot {
	return &model.Snapshot{
		PoolID:         pool,
		Protocol:       model.ProtocolConcentratedV3,
		TickSpacing:    10,
		ReferenceBlock: refBlock,
		TickBitmap:     map[int16]*model.TickBitmapWord{},
		Ticks: map[int32]*model.TickRecord{
			-100: {LiquidityNet: big.NewInt(5), LiquidityGross: big.NewInt(5), Block: refBlock},
		},
		SqrtPriceX96: big.NewInt(1),
		Liquidity:    big.NewInt(0),
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	ev := testEvent(poolA, 101, 0, 500)
	stored, err := ledger.Append(ctx, ev)
	if err != nil || !stored {
		t.Fatalf("first append: stored=%v err=%v", stored, err)
	}
	stored, err = ledger.Append(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if stored {
		t.Fatalf("duplicate append must be a no-op")
	}

	var count int
	if err := ledger.EventsSince(ctx, poolA, 0, func(*model.LiquidityEvent) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("events since: %v", err)
	}
	if count != 1 {
		t.Fatalf("stored events = %d, want 1", count)
	}
}

func TestEventsSinceOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	// Appended deliberately out of order; iteration must sort by key.
	input := []*model.LiquidityEvent{
		testEvent(poolA, 102, 1, 10),
		testEvent(poolA, 100, 0, 20),
		testEvent(poolA, 102, 0, 30),
		testEvent(poolA, 101, 0, 40),
		testEvent(poolB, 103, 0, 50),
	}
	if n, err := ledger.AppendBatch(ctx, input); err != nil || n != 5 {
		t.Fatalf("append batch: n=%d err=%v", n, err)
	}

	var keys []model.EventKey
	if err := ledger.EventsSince(ctx, poolA, 100, func(ev *model.LiquidityEvent) error {
		keys = append(keys, ev.EventKey)
		return nil
	}); err != nil {
		t.Fatalf("events since: %v", err)
	}

	want := []model.EventKey{
		{Block: 101, TxIndex: 0, LogIndex: 0},
		{Block: 102, TxIndex: 0, LogIndex: 0},
		{Block: 102, TxIndex: 0, LogIndex: 1},
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d events, want %d (%v)", len(keys), len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, keys[i], want[i])
		}
	}
}

func TestEventsSinceStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	for i := uint32(0); i < 5; i++ {
		if _, err := ledger.Append(ctx, testEvent(poolA, 101, i, 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	boom := errors.New("boom")
	seen := 0
	err := ledger.EventsSince(ctx, poolA, 0, func(*model.LiquidityEvent) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want callback error", err)
	}
	if seen != 2 {
		t.Fatalf("callback ran %d times, want 2", seen)
	}
}

func TestGetExactKey(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	ev := testEvent(poolA, 101, 3, 500)
	if _, err := ledger.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok, err := ledger.Get(ctx, poolA, ev.EventKey)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.Equal(ev) {
		t.Fatalf("stored event differs: %+v", got)
	}
	if _, ok, _ := ledger.Get(ctx, poolA, model.EventKey{Block: 101, TxIndex: 0, LogIndex: 4}); ok {
		t.Fatalf("missing key should not be found")
	}
}

func TestDeleteFromAndPruneBefore(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	for block := uint64(100); block <= 105; block++ {
		if _, err := ledger.Append(ctx, testEvent(poolA, block, 0, 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := ledger.Append(ctx, testEvent(poolB, 99, 0, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := ledger.DeleteFrom(ctx, poolA, 104)
	if err != nil || removed != 2 {
		t.Fatalf("delete from: removed=%d err=%v, want 2", removed, err)
	}

	removed, err = ledger.PruneBefore(ctx, poolA, 101)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("pruned %d, want 1", removed)
	}

	// Pruning one pool leaves the other untouched.
	var poolBBlocks int
	if err := ledger.EventsSince(ctx, poolB, 0, func(*model.LiquidityEvent) error {
		poolBBlocks++
		return nil
	}); err != nil {
		t.Fatalf("events since: %v", err)
	}
	if poolBBlocks != 1 {
		t.Fatalf("poolB events = %d, want 1", poolBBlocks)
	}

	var blocks []uint64
	if err := ledger.EventsSince(ctx, poolA, 0, func(ev *model.LiquidityEvent) error {
		blocks = append(blocks, ev.Block)
		return nil
	}); err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(blocks) != 3 || blocks[0] != 101 || blocks[2] != 103 {
		t.Fatalf("surviving blocks = %v, want [101 102 103]", blocks)
	}
}

func TestSnapshotPutReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshots()

	first := testSnapshot(poolA, 100)
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get(ctx, poolA)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ReferenceBlock != 100 || got.UpdateCount != 0 {
		t.Fatalf("first snapshot: ref=%d updates=%d", got.ReferenceBlock, got.UpdateCount)
	}

	// Mutating the returned snapshot must not touch the stored one.
	got.Ticks[-100].LiquidityGross.SetInt64(999)
	again, _, _ := store.Get(ctx, poolA)
	if again.Ticks[-100].LiquidityGross.Int64() != 5 {
		t.Fatalf("store leaked internal state to callers")
	}

	second := testSnapshot(poolA, 200)
	if err := store.Put(ctx, second); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _, _ = store.Get(ctx, poolA)
	if got.ReferenceBlock != 200 {
		t.Fatalf("replace did not take: ref=%d", got.ReferenceBlock)
	}
	if got.UpdateCount != 1 {
		t.Fatalf("update count = %d, want 1", got.UpdateCount)
	}

	ok, err = store.Delete(ctx, poolA)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := store.Get(ctx, poolA); ok {
		t.Fatalf("snapshot should be gone after delete")
	}
}

func TestAllFiltersByReferenceBlock(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshots()
	if err := store.Put(ctx, testSnapshot(poolA, 100)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, testSnapshot(poolB, 200)); err != nil {
		t.Fatalf("put: %v", err)
	}

	var all []model.PoolID
	if err := store.All(ctx, 0, func(s *model.Snapshot) error {
		all = append(all, s.PoolID)
		return nil
	}); err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0] != poolA || all[1] != poolB {
		t.Fatalf("all(0) = %v, want both pools in id order", all)
	}

	var filtered []model.PoolID
	if err := store.All(ctx, 150, func(s *model.Snapshot) error {
		filtered = append(filtered, s.PoolID)
		return nil
	}); err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(filtered) != 1 || filtered[0] != poolB {
		t.Fatalf("all(150) = %v, want only %s", filtered, poolB)
	}
}

func TestSnapshotStatsAndStalePools(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySnapshots()

	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	if err := store.Put(ctx, testSnapshot(poolA, 100)); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	v2 := testSnapshot(poolB, 200)
	v2.Protocol = model.ProtocolConstantProduct
	v2.Ticks = nil
	if err := store.Put(ctx, v2); err != nil {
		t.Fatalf("put: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 {
		t.Fatalf("count = %d, want 2", stats.Count)
	}
	if stats.ByProtocol["v3"] != 1 || stats.ByProtocol["v2"] != 1 {
		t.Fatalf("by protocol = %v", stats.ByProtocol)
	}
	if stats.AvgTickCount != 0.5 {
		t.Fatalf("avg tick count = %v, want 0.5", stats.AvgTickCount)
	}
	if stats.OldestReferenceBlock != 100 || stats.NewestReferenceBlock != 200 {
		t.Fatalf("reference block range = %d..%d", stats.OldestReferenceBlock, stats.NewestReferenceBlock)
	}
	if stats.OldestAge != 2*time.Hour {
		t.Fatalf("oldest age = %v, want 2h", stats.OldestAge)
	}
	if stats.NewestAge != 0 {
		t.Fatalf("newest age = %v, want 0", stats.NewestAge)
	}

	stale, err := store.StalePools(ctx, time.Hour)
	if err != nil {
		t.Fatalf("stale pools: %v", err)
	}
	if len(stale) != 1 || stale[0] != poolA {
		t.Fatalf("stale pools = %v, want [%s]", stale, poolA)
	}
}

func TestLedgerStats(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	events := []*model.LiquidityEvent{
		testEvent(poolA, 100, 0, 10),
		testEvent(poolA, 105, 0, -10),
		testEvent(poolB, 103, 0, 20),
	}
	if _, err := ledger.AppendBatch(ctx, events); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 3 || stats.PoolCount != 2 {
		t.Fatalf("count=%d pools=%d, want 3/2", stats.Count, stats.PoolCount)
	}
	if stats.ByKind["mint"] != 2 || stats.ByKind["burn"] != 1 {
		t.Fatalf("by kind = %v", stats.ByKind)
	}
	if stats.MinBlock != 100 || stats.MaxBlock != 105 {
		t.Fatalf("block range = %d..%d, want 100..105", stats.MinBlock, stats.MaxBlock)
	}
}
