package feed

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"liquiditySync/internal/model"
	"liquiditySync/internal/storage"
)

const (
	trackedPool  = model.PoolID("0x8ad599c3a0ff1de082011efddc58f1908eb6e6d8")
	strangerPool = model.PoolID("0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc")
)

func TestProcessAppendsAndAdvancesHead(t *testing.T) {
	ctx := context.Background()
	consumer, ledger, engine := newTestConsumer(t)

	env := &BlockEnvelope{
		ChainID: 1,
		Block:   101,
		Events: []*model.LiquidityEvent{
			feedEvent(trackedPool, 101, 0),
			feedEvent(trackedPool, 101, 1),
		},
	}
	if err := consumer.Process(ctx, env); err != nil {
		t.Fatalf("process: %v", err)
	}
	if engine.head != 101 {
		t.Fatalf("feed head = %d, want 101", engine.head)
	}
	if got := countEvents(t, ledger, trackedPool); got != 2 {
		t.Fatalf("stored events = %d, want 2", got)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	consumer, ledger, _ := newTestConsumer(t)

	env := &BlockEnvelope{
		ChainID: 1,
		Block:   101,
		Events:  []*model.LiquidityEvent{feedEvent(trackedPool, 101, 0)},
	}
	for i := 0; i < 2; i++ {
		if err := consumer.Process(ctx, env); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if got := countEvents(t, ledger, trackedPool); got != 1 {
		t.Fatalf("stored events = %d, want 1", got)
	}
}

func TestProcessSkipsUntrackedPools(t *testing.T) {
	ctx := context.Background()
	consumer, ledger, engine := newTestConsumer(t)

	env := &BlockEnvelope{
		ChainID: 1,
		Block:   101,
		Events: []*model.LiquidityEvent{
			feedEvent(strangerPool, 101, 0),
			feedEvent(trackedPool, 101, 1),
		},
	}
	if err := consumer.Process(ctx, env); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := countEvents(t, ledger, strangerPool); got != 0 {
		t.Fatalf("stored stranger events = %d, want 0", got)
	}
	if got := countEvents(t, ledger, trackedPool); got != 1 {
		t.Fatalf("stored tracked events = %d, want 1", got)
	}
	if engine.head != 101 {
		t.Fatalf("feed head = %d, want 101", engine.head)
	}
}

func TestProcessRoutesReverts(t *testing.T) {
	ctx := context.Background()
	consumer, ledger, engine := newTestConsumer(t)

	env := &BlockEnvelope{
		ChainID:  1,
		Block:    102,
		Reverted: true,
		Events: []*model.LiquidityEvent{
			feedEvent(trackedPool, 102, 0),
			feedEvent(trackedPool, 102, 1),
			feedEvent(strangerPool, 102, 2),
		},
	}
	if err := consumer.Process(ctx, env); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(engine.reverts) != 1 {
		t.Fatalf("reverts = %d, want 1 (distinct tracked pool)", len(engine.reverts))
	}
	if engine.reverts[0].pool != trackedPool || engine.reverts[0].block != 102 {
		t.Fatalf("revert = %+v, want %s at 102", engine.reverts[0], trackedPool)
	}
	// A revert never advances the head or stores events.
	if engine.head != 0 {
		t.Fatalf("feed head = %d, want 0", engine.head)
	}
	if got := countEvents(t, ledger, trackedPool); got != 0 {
		t.Fatalf("stored events = %d, want 0", got)
	}
}

func TestProcessRejectsChainMismatch(t *testing.T) {
	ctx := context.Background()
	consumer, _, _ := newTestConsumer(t)

	env := &BlockEnvelope{
		ChainID: 56,
		Block:   101,
		Events:  []*model.LiquidityEvent{feedEvent(trackedPool, 101, 0)},
	}
	err := consumer.Process(ctx, env)
	if err == nil || !strings.Contains(err.Error(), "chain") {
		t.Fatalf("process error = %v, want chain mismatch", err)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name string
		env  BlockEnvelope
	}{
		{"no chain id", BlockEnvelope{Block: 1, Events: []*model.LiquidityEvent{feedEvent(trackedPool, 1, 0)}}},
		{"no block", BlockEnvelope{ChainID: 1, Events: []*model.LiquidityEvent{feedEvent(trackedPool, 1, 0)}}},
		{"no events", BlockEnvelope{ChainID: 1, Block: 1}},
		{"block mismatch", BlockEnvelope{ChainID: 1, Block: 1, Events: []*model.LiquidityEvent{feedEvent(trackedPool, 2, 0)}}},
		{"bad pool id", BlockEnvelope{ChainID: 1, Block: 1, Events: []*model.LiquidityEvent{feedEvent("not-a-pool", 1, 0)}}},
		{"mint with negative delta", BlockEnvelope{ChainID: 1, Block: 1, Events: []*model.LiquidityEvent{kindedEvent(model.KindMint, big.NewInt(-500))}}},
		{"burn with positive delta", BlockEnvelope{ChainID: 1, Block: 1, Events: []*model.LiquidityEvent{kindedEvent(model.KindBurn, big.NewInt(500))}}},
	}
	for _, tc := range cases {
		if err := tc.env.Validate(); err == nil {
			t.Fatalf("%s: validate accepted an invalid envelope", tc.name)
		}
	}

	good := []BlockEnvelope{
		{ChainID: 1, Block: 7, Events: []*model.LiquidityEvent{feedEvent(trackedPool, 7, 0)}},
		// Burns carry non-positive deltas; reserve-pair pools publish mints
		// with amounts and no delta at all.
		{ChainID: 1, Block: 1, Events: []*model.LiquidityEvent{
			kindedEvent(model.KindBurn, big.NewInt(-500)),
			kindedEvent(model.KindMint, nil),
		}},
	}
	for _, env := range good {
		if err := env.Validate(); err != nil {
			t.Fatalf("validate rejected a valid envelope: %v", err)
		}
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(56); got != "liquidity.events.56" {
		t.Fatalf("subject = %q", got)
	}
}

type revertCall struct {
	pool  model.PoolID
	block uint64
}

type fakeEngine struct {
	registered map[model.PoolID]bool
	head       uint64
	reverts    []revertCall
}

func (e *fakeEngine) IsRegistered(id model.PoolID) bool { return e.registered[id] }

func (e *fakeEngine) SetFeedHead(block uint64) {
	if block > e.head {
		e.head = block
	}
}

func (e *fakeEngine) HandleRevert(_ context.Context, id model.PoolID, fromBlock uint64) error {
	e.reverts = append(e.reverts, revertCall{pool: id, block: fromBlock})
	return nil
}

func newTestConsumer(t *testing.T) (*Consumer, *storage.MemoryLedger, *fakeEngine) {
	t.Helper()
	ledger := storage.NewMemoryLedger()
	engine := &fakeEngine{registered: map[model.PoolID]bool{trackedPool: true}}
	consumer, err := NewConsumer(ConsumerConfig{ChainID: 1}, ledger, engine, nil)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return consumer, ledger, engine
}

func feedEvent(pool model.PoolID, block uint64, logIndex uint32) *model.LiquidityEvent {
	return &model.LiquidityEvent{
		PoolID:         pool,
		EventKey:       model.EventKey{Block: block, LogIndex: logIndex},
		Kind:           model.KindMint,
		TickLower:      -100,
		TickUpper:      100,
		LiquidityDelta: big.NewInt(500),
	}
}

func kindedEvent(kind model.EventKind, delta *big.Int) *model.LiquidityEvent {
	ev := feedEvent(trackedPool, 1, 0)
	ev.Kind = kind
	ev.LiquidityDelta = delta
	return ev
}

func countEvents(t *testing.T, ledger *storage.MemoryLedger, pool model.PoolID) int {
	t.Helper()
	var count int
	if err := ledger.EventsSince(context.Background(), pool, 0, func(*model.LiquidityEvent) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("events since: %v", err)
	}
	return count
}
