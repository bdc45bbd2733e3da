package tickmap

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"

	"liquiditySync/internal/model"
)

const testPool = model.PoolID("0x8ad599c3a0ff1de082011efddc58f1908eb6e6d8")

func v3Snapshot(refBlock uint64) *model.Snapshot {
	return &model.Snapshot{
		PoolID:         testPool,
		Protocol:       model.ProtocolConcentratedV3,
		TickSpacing:    10,
		ReferenceBlock: refBlock,
		TickBitmap:     map[int16]*model.TickBitmapWord{},
		Ticks:          map[int32]*model.TickRecord{},
		SqrtPriceX96:   big.NewInt(1 << 40),
		Liquidity:      big.NewInt(0),
	}
}

func mintEvent(block uint64, logIndex uint32, lower, upper int32, delta int64) *model.LiquidityEvent {
	return &model.LiquidityEvent{
		PoolID:         testPool,
		EventKey:       model.EventKey{Block: block, TxIndex: 0, LogIndex: logIndex},
		Kind:           model.KindMint,
		TickLower:      lower,
		TickUpper:      upper,
		LiquidityDelta: big.NewInt(delta),
	}
}

func burnEvent(block uint64, logIndex uint32, lower, upper int32, delta int64) *model.LiquidityEvent {
	ev := mintEvent(block, logIndex, lower, upper, -delta)
	ev.Kind = model.KindBurn
	return ev
}

func wordFor(spacing, tick int32) (int16, uint) {
	s := &State{TickSpacing: spacing}
	return s.position(tick)
}

func TestMintCreatesTickRecordsAndBits(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	if err := state.Apply(mintEvent(101, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply mint: %v", err)
	}

	lower := state.Ticks[-100]
	if lower == nil || lower.LiquidityNet.Int64() != 500 || lower.LiquidityGross.Int64() != 500 {
		t.Fatalf("tick -100 = %+v, want net 500 gross 500", lower)
	}
	upper := state.Ticks[100]
	if upper == nil || upper.LiquidityNet.Int64() != -500 || upper.LiquidityGross.Int64() != 500 {
		t.Fatalf("tick 100 = %+v, want net -500 gross 500", upper)
	}
	if lower.Block != 101 || upper.Block != 101 {
		t.Fatalf("tick blocks = %d/%d, want 101", lower.Block, upper.Block)
	}

	for _, tick := range []int32{-100, 100} {
		word, bit := wordFor(10, tick)
		w := state.Bitmap[word]
		if w == nil {
			t.Fatalf("bitmap word %d for tick %d missing", word, tick)
		}
		mask := new(uint256.Int).Lsh(uint256.NewInt(1), bit)
		if new(uint256.Int).And(w.Bitmap, mask).IsZero() {
			t.Fatalf("bit %d in word %d not set for tick %d", bit, word, tick)
		}
		if w.Block != 101 {
			t.Fatalf("word %d block = %d, want 101", word, w.Block)
		}
	}
}

func TestInverseBurnRestoresEmptyMaps(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if err := state.Apply(mintEvent(101, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply mint: %v", err)
	}
	if err := state.Apply(burnEvent(102, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply burn: %v", err)
	}

	if len(state.Ticks) != 0 {
		t.Fatalf("tick records should be removed, have %d", len(state.Ticks))
	}
	if len(state.Bitmap) != 0 {
		t.Fatalf("bitmap words should be removed, have %d", len(state.Bitmap))
	}
}

func TestRoundTripPreservesUnrelatedTicks(t *testing.T) {
	snap := v3Snapshot(100)
	snap.Ticks[-200] = &model.TickRecord{LiquidityNet: big.NewInt(7), LiquidityGross: big.NewInt(7), Block: 90}
	word, bit := wordFor(10, -200)
	snap.TickBitmap[word] = &model.TickBitmapWord{
		Bitmap: new(uint256.Int).Lsh(uint256.NewInt(1), bit),
		Block:  90,
	}

	state, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if err := state.Apply(mintEvent(101, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply mint: %v", err)
	}
	if err := state.Apply(burnEvent(102, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply burn: %v", err)
	}

	if len(state.Ticks) != 1 {
		t.Fatalf("want only the pre-existing tick, have %d", len(state.Ticks))
	}
	rec := state.Ticks[-200]
	if rec == nil || rec.LiquidityNet.Int64() != 7 || rec.LiquidityGross.Int64() != 7 || rec.Block != 90 {
		t.Fatalf("pre-existing tick changed: %+v", rec)
	}
	w := state.Bitmap[word]
	if w == nil {
		t.Fatalf("pre-existing word %d missing", word)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), bit)
	if !w.Bitmap.Eq(want) {
		t.Fatalf("word %d bits = %s, want %s", word, w.Bitmap.Hex(), want.Hex())
	}
}

func TestSwapTouchesOnlyPoolLevelState(t *testing.T) {
	snap := v3Snapshot(100)
	snap.Ticks[-100] = &model.TickRecord{LiquidityNet: big.NewInt(500), LiquidityGross: big.NewInt(500), Block: 100}
	word, bit := wordFor(10, -100)
	snap.TickBitmap[word] = &model.TickBitmapWord{Bitmap: new(uint256.Int).Lsh(uint256.NewInt(1), bit), Block: 100}

	state, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	swap := &model.LiquidityEvent{
		PoolID:       testPool,
		EventKey:     model.EventKey{Block: 101, TxIndex: 1, LogIndex: 0},
		Kind:         model.KindSwap,
		SqrtPriceX96: big.NewInt(1 << 41),
		Tick:         -30,
		Liquidity:    big.NewInt(900),
	}
	if err := state.Apply(swap); err != nil {
		t.Fatalf("apply swap: %v", err)
	}

	if state.Tick != -30 {
		t.Fatalf("tick = %d, want -30", state.Tick)
	}
	if state.SqrtPriceX96.Cmp(big.NewInt(1<<41)) != 0 {
		t.Fatalf("sqrt price = %s, want %d", state.SqrtPriceX96, int64(1)<<41)
	}
	if state.Liquidity.Int64() != 900 {
		t.Fatalf("liquidity = %s, want 900", state.Liquidity)
	}
	if len(state.Ticks) != 1 || state.Ticks[-100].Block != 100 {
		t.Fatalf("swap must not touch tick records")
	}
	if state.Bitmap[word].Block != 100 {
		t.Fatalf("swap must not touch bitmap words")
	}
	if state.LastBlock != 101 {
		t.Fatalf("last block = %d, want 101", state.LastBlock)
	}
}

func TestGrossUnderflowIsInvariantViolation(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	err = state.Apply(burnEvent(101, 0, -100, 100, 500))
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("burn on empty tick: got %v, want InvariantError", err)
	}
	if inv.Field != "liquidity_gross" {
		t.Fatalf("violated field = %q, want liquidity_gross", inv.Field)
	}
}

func TestNetOverflowIsInvariantViolation(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	huge := new(big.Int).Set(maxInt128)
	ev := &model.LiquidityEvent{
		PoolID:         testPool,
		EventKey:       model.EventKey{Block: 101, TxIndex: 0, LogIndex: 0},
		Kind:           model.KindMint,
		TickLower:      -100,
		TickUpper:      100,
		LiquidityDelta: huge,
	}
	if err := state.Apply(ev); err != nil {
		t.Fatalf("first mint at int128 max: %v", err)
	}

	err = state.Apply(mintEvent(102, 0, -100, 100, 1))
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("net past int128: got %v, want InvariantError", err)
	}
	if inv.Field != "liquidity_net" {
		t.Fatalf("violated field = %q, want liquidity_net", inv.Field)
	}
}

func TestStaleAndRevertedEventsRejected(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	// At or below the reference block.
	if err := state.Apply(mintEvent(100, 0, -100, 100, 500)); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("event at reference block: got %v, want ErrStaleEvent", err)
	}

	ev := mintEvent(101, 3, -100, 100, 500)
	if err := state.Apply(ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := state.Apply(ev); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("duplicate apply: got %v, want ErrStaleEvent", err)
	}
	if err := state.Apply(mintEvent(101, 2, -100, 100, 500)); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("earlier log index: got %v, want ErrStaleEvent", err)
	}

	reverted := mintEvent(102, 0, -100, 100, 500)
	reverted.Reverted = true
	if err := state.Apply(reverted); !errors.Is(err, ErrRevertedEvent) {
		t.Fatalf("reverted event: got %v, want ErrRevertedEvent", err)
	}
}

func TestKindsOutsideProtocolRejected(t *testing.T) {
	cases := []struct {
		name     string
		protocol model.Protocol
		kind     model.EventKind
	}{
		{"v3 modify_liquidity", model.ProtocolConcentratedV3, model.KindModifyLiquidity},
		{"v4 mint", model.ProtocolConcentratedV4, model.KindMint},
		{"v4 burn", model.ProtocolConcentratedV4, model.KindBurn},
		{"v2 modify_liquidity", model.ProtocolConstantProduct, model.KindModifyLiquidity},
	}
	for _, tc := range cases {
		snap := v3Snapshot(100)
		snap.Protocol = tc.protocol
		state, err := FromSnapshot(snap)
		if err != nil {
			t.Fatalf("%s: from snapshot: %v", tc.name, err)
		}
		ev := &model.LiquidityEvent{
			PoolID:         testPool,
			EventKey:       model.EventKey{Block: 101, TxIndex: 0, LogIndex: 0},
			Kind:           tc.kind,
			TickLower:      -100,
			TickUpper:      100,
			LiquidityDelta: big.NewInt(5),
			Amount0:        big.NewInt(1),
			Amount1:        big.NewInt(1),
		}
		if tc.kind == model.KindBurn {
			ev.LiquidityDelta = big.NewInt(-5)
		}
		err = state.Apply(ev)
		var unsupported *UnsupportedKindError
		if !errors.As(err, &unsupported) {
			t.Fatalf("%s: got %v, want UnsupportedKindError", tc.name, err)
		}
	}
}

func TestModifyLiquidityOnV4(t *testing.T) {
	snap := v3Snapshot(100)
	snap.Protocol = model.ProtocolConcentratedV4
	snap.PoolID = model.PoolID("0x21c67e77068de97969ba93d4aab21826d33ca12bb9f565d8496e8fda8a82ca27")
	state, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	add := &model.LiquidityEvent{
		PoolID:         snap.PoolID,
		EventKey:       model.EventKey{Block: 101, TxIndex: 0, LogIndex: 0},
		Kind:           model.KindModifyLiquidity,
		TickLower:      -100,
		TickUpper:      100,
		LiquidityDelta: big.NewInt(500),
	}
	if err := state.Apply(add); err != nil {
		t.Fatalf("apply positive modify: %v", err)
	}
	if state.Ticks[-100].LiquidityNet.Int64() != 500 {
		t.Fatalf("positive modify should behave like mint")
	}

	remove := &model.LiquidityEvent{
		PoolID:         snap.PoolID,
		EventKey:       model.EventKey{Block: 102, TxIndex: 0, LogIndex: 0},
		Kind:           model.KindModifyLiquidity,
		TickLower:      -100,
		TickUpper:      100,
		LiquidityDelta: big.NewInt(-500),
	}
	if err := state.Apply(remove); err != nil {
		t.Fatalf("apply negative modify: %v", err)
	}
	if len(state.Ticks) != 0 || len(state.Bitmap) != 0 {
		t.Fatalf("negative modify should clear the tick maps")
	}
}

func TestMisalignedTickRejected(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if err := state.Apply(mintEvent(101, 0, -105, 100, 500)); err == nil {
		t.Fatalf("tick -105 with spacing 10 should be rejected")
	}
}

func TestInRangeLiquidityAdjustment(t *testing.T) {
	snap := v3Snapshot(100)
	snap.CurrentTick = 0
	snap.Liquidity = big.NewInt(1000)
	state, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	// Range straddles the current tick.
	if err := state.Apply(mintEvent(101, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply in-range mint: %v", err)
	}
	if state.Liquidity.Int64() != 1500 {
		t.Fatalf("active liquidity = %s, want 1500", state.Liquidity)
	}

	// Entirely above the current tick.
	if err := state.Apply(mintEvent(102, 0, 200, 300, 500)); err != nil {
		t.Fatalf("apply out-of-range mint: %v", err)
	}
	if state.Liquidity.Int64() != 1500 {
		t.Fatalf("out-of-range mint must not move active liquidity, got %s", state.Liquidity)
	}

	// Upper bound is exclusive.
	if err := state.Apply(mintEvent(103, 0, -100, 0, 500)); err != nil {
		t.Fatalf("apply boundary mint: %v", err)
	}
	if state.Liquidity.Int64() != 1500 {
		t.Fatalf("tick at exclusive upper bound must not move active liquidity, got %s", state.Liquidity)
	}
}

func TestConstantProductFlow(t *testing.T) {
	snap := &model.Snapshot{
		PoolID:         model.PoolID("0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc"),
		Protocol:       model.ProtocolConstantProduct,
		ReferenceBlock: 100,
		Reserve0:       big.NewInt(100),
		Reserve1:       big.NewInt(400),
	}
	state, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	mint := &model.LiquidityEvent{
		PoolID:   snap.PoolID,
		EventKey: model.EventKey{Block: 101, TxIndex: 0, LogIndex: 0},
		Kind:     model.KindMint,
		Amount0:  big.NewInt(100),
		Amount1:  big.NewInt(400),
	}
	if err := state.Apply(mint); err != nil {
		t.Fatalf("apply mint: %v", err)
	}
	if state.Reserve0.Int64() != 200 || state.Reserve1.Int64() != 800 {
		t.Fatalf("reserves = %s/%s, want 200/800", state.Reserve0, state.Reserve1)
	}
	if state.Liquidity.Int64() != 400 {
		t.Fatalf("derived liquidity = %s, want sqrt(200*800) = 400", state.Liquidity)
	}

	swap := &model.LiquidityEvent{
		PoolID:   snap.PoolID,
		EventKey: model.EventKey{Block: 102, TxIndex: 0, LogIndex: 0},
		Kind:     model.KindSwap,
		Amount0:  big.NewInt(50),
		Amount1:  big.NewInt(-160),
	}
	if err := state.Apply(swap); err != nil {
		t.Fatalf("apply swap: %v", err)
	}
	if state.Reserve0.Int64() != 250 || state.Reserve1.Int64() != 640 {
		t.Fatalf("reserves after swap = %s/%s, want 250/640", state.Reserve0, state.Reserve1)
	}

	over := &model.LiquidityEvent{
		PoolID:   snap.PoolID,
		EventKey: model.EventKey{Block: 103, TxIndex: 0, LogIndex: 0},
		Kind:     model.KindBurn,
		Amount0:  big.NewInt(1000),
		Amount1:  big.NewInt(1),
	}
	err = state.Apply(over)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("over-burn: got %v, want InvariantError", err)
	}
	if inv.Field != "reserve0" {
		t.Fatalf("violated field = %q, want reserve0", inv.Field)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	snap := v3Snapshot(100)
	events := []*model.LiquidityEvent{
		mintEvent(101, 0, -100, 100, 500),
		mintEvent(101, 1, -200, 200, 300),
		{
			PoolID:       testPool,
			EventKey:     model.EventKey{Block: 102, TxIndex: 0, LogIndex: 0},
			Kind:         model.KindSwap,
			SqrtPriceX96: big.NewInt(1 << 42),
			Tick:         15,
			Liquidity:    big.NewInt(800),
		},
		burnEvent(103, 0, -100, 100, 200),
	}

	run := func() []byte {
		state, err := FromSnapshot(snap)
		if err != nil {
			t.Fatalf("from snapshot: %v", err)
		}
		for _, ev := range events {
			if err := state.Apply(ev); err != nil {
				t.Fatalf("apply %s: %v", ev.EventKey, err)
			}
		}
		out, err := json.Marshal(state.Materialize(model.Pool{ID: testPool, Protocol: model.ProtocolConcentratedV3, TickSpacing: 10}))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return out
	}

	first := run()
	second := run()
	if string(first) != string(second) {
		t.Fatalf("replay is not idempotent:\nfirst  %s\nsecond %s", first, second)
	}
}

func TestApplyDoesNotMutateSourceSnapshot(t *testing.T) {
	snap := v3Snapshot(100)
	snap.Ticks[-100] = &model.TickRecord{LiquidityNet: big.NewInt(1), LiquidityGross: big.NewInt(1), Block: 99}
	state, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if err := state.Apply(mintEvent(101, 0, -100, 100, 500)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap.Ticks[-100].LiquidityGross.Int64() != 1 {
		t.Fatalf("applying events mutated the source snapshot")
	}
	if len(snap.Ticks) != 1 {
		t.Fatalf("applying events grew the source snapshot tick map")
	}
}

func TestGrossZeroMatchesBitClear(t *testing.T) {
	state, err := FromSnapshot(v3Snapshot(100))
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}

	// Two ticks in the same word keep the word alive when one empties.
	if err := state.Apply(mintEvent(101, 0, 0, 100, 500)); err != nil {
		t.Fatalf("mint a: %v", err)
	}
	if err := state.Apply(mintEvent(101, 1, 0, 200, 300)); err != nil {
		t.Fatalf("mint b: %v", err)
	}
	if err := state.Apply(burnEvent(102, 0, 0, 100, 500)); err != nil {
		t.Fatalf("burn a: %v", err)
	}

	if _, ok := state.Ticks[100]; ok {
		t.Fatalf("tick 100 should be removed once gross is zero")
	}
	word100, bit100 := wordFor(10, 100)
	word200, bit200 := wordFor(10, 200)
	if word100 != word200 {
		t.Fatalf("test assumes ticks 100 and 200 share a word")
	}
	w := state.Bitmap[word100]
	if w == nil {
		t.Fatalf("shared word should survive while one tick remains")
	}
	if bit := new(uint256.Int).And(w.Bitmap, new(uint256.Int).Lsh(uint256.NewInt(1), bit100)); !bit.IsZero() {
		t.Fatalf("bit for emptied tick 100 still set")
	}
	if bit := new(uint256.Int).And(w.Bitmap, new(uint256.Int).Lsh(uint256.NewInt(1), bit200)); bit.IsZero() {
		t.Fatalf("bit for live tick 200 cleared")
	}

	// Tick 0 lives in the zero word with tick 200's range start; burn the rest.
	if err := state.Apply(burnEvent(103, 0, 0, 200, 300)); err != nil {
		t.Fatalf("burn b: %v", err)
	}
	if len(state.Bitmap) != 0 {
		t.Fatalf("all words should be gone once every tick empties, have %d", len(state.Bitmap))
	}
}
