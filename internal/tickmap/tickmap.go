package tickmap

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"liquiditySync/internal/model"
)

var (
	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxInt128  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// State is one pool's materialized liquidity state: the tick bitmap, the tick
// records, and the pool-level price fields. Events are applied strictly in
// ordering-key order; State tracks the last applied key and rejects anything
// at or below it.
type State struct {
	PoolID      model.PoolID
	Protocol    model.Protocol
	TickSpacing int32

	Bitmap map[int16]*model.TickBitmapWord
	Ticks  map[int32]*model.TickRecord

	Tick         int32
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int

	// LastBlock is the block of the last applied event, or the snapshot
	// reference block before any event is applied.
	LastBlock uint64
	lastKey   model.EventKey
}

// FromSnapshot materializes a state from a stored snapshot. The snapshot is
// deep-copied: applying events never mutates it.
func FromSnapshot(snap *model.Snapshot) (*State, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if snap.Protocol.Concentrated() && snap.TickSpacing <= 0 {
		return nil, fmt.Errorf("snapshot %s: tick spacing must be positive, got %d", snap.PoolID, snap.TickSpacing)
	}
	c := snap.Clone()
	s := &State{
		PoolID:       c.PoolID,
		Protocol:     c.Protocol,
		TickSpacing:  c.TickSpacing,
		Bitmap:       c.TickBitmap,
		Ticks:        c.Ticks,
		Tick:         c.CurrentTick,
		SqrtPriceX96: c.SqrtPriceX96,
		Liquidity:    c.Liquidity,
		Reserve0:     c.Reserve0,
		Reserve1:     c.Reserve1,
		LastBlock:    c.ReferenceBlock,
	}
	if s.Bitmap == nil {
		s.Bitmap = make(map[int16]*model.TickBitmapWord)
	}
	if s.Ticks == nil {
		s.Ticks = make(map[int32]*model.TickRecord)
	}
	if s.SqrtPriceX96 == nil {
		s.SqrtPriceX96 = new(big.Int)
	}
	if s.Liquidity == nil {
		s.Liquidity = new(big.Int)
	}
	// Everything at or below the reference block is already reflected in the
	// snapshot, so ordering starts just past the reference block.
	s.lastKey = model.EventKey{Block: c.ReferenceBlock, TxIndex: ^uint32(0), LogIndex: ^uint32(0)}
	return s, nil
}

// LastKey is the ordering key of the last applied event.
func (s *State) LastKey() model.EventKey { return s.lastKey }

// Apply transitions the state by exactly one event. On any error the event is
// not recorded as applied; InvariantError additionally means the in-memory
// state may be partially advanced and must be discarded.
func (s *State) Apply(ev *model.LiquidityEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	if ev.PoolID != s.PoolID {
		return fmt.Errorf("event for pool %s applied to pool %s", ev.PoolID, s.PoolID)
	}
	if ev.Reverted {
		return fmt.Errorf("event %s: %w", ev.EventKey, ErrRevertedEvent)
	}
	if !ev.EventKey.After(s.lastKey) {
		return fmt.Errorf("event %s vs last applied %s: %w", ev.EventKey, s.lastKey, ErrStaleEvent)
	}

	var err error
	switch s.Protocol {
	case model.ProtocolConstantProduct:
		err = s.applyConstantProduct(ev)
	case model.ProtocolConcentratedV3, model.ProtocolConcentratedV4:
		err = s.applyConcentrated(ev)
	default:
		err = fmt.Errorf("pool %s: unknown protocol %s", s.PoolID, s.Protocol)
	}
	if err != nil {
		return err
	}

	s.lastKey = ev.EventKey
	s.LastBlock = ev.Block
	return nil
}

func (s *State) applyConcentrated(ev *model.LiquidityEvent) error {
	switch ev.Kind {
	case model.KindMint:
		if s.Protocol == model.ProtocolConcentratedV4 {
			return &UnsupportedKindError{Protocol: s.Protocol, Kind: ev.Kind}
		}
		if ev.LiquidityDelta == nil || ev.LiquidityDelta.Sign() < 0 {
			return fmt.Errorf("event %s: mint requires a non-negative liquidity delta", ev.EventKey)
		}
		return s.applyLiquidityChange(ev, ev.LiquidityDelta)
	case model.KindBurn:
		if s.Protocol == model.ProtocolConcentratedV4 {
			return &UnsupportedKindError{Protocol: s.Protocol, Kind: ev.Kind}
		}
		if ev.LiquidityDelta == nil || ev.LiquidityDelta.Sign() > 0 {
			return fmt.Errorf("event %s: burn requires a non-positive liquidity delta", ev.EventKey)
		}
		return s.applyLiquidityChange(ev, ev.LiquidityDelta)
	case model.KindModifyLiquidity:
		if s.Protocol != model.ProtocolConcentratedV4 {
			return &UnsupportedKindError{Protocol: s.Protocol, Kind: ev.Kind}
		}
		if ev.LiquidityDelta == nil {
			return fmt.Errorf("event %s: modify_liquidity requires a liquidity delta", ev.EventKey)
		}
		return s.applyLiquidityChange(ev, ev.LiquidityDelta)
	case model.KindSwap:
		return s.applySwap(ev)
	default:
		return fmt.Errorf("event %s: unknown kind %s", ev.EventKey, ev.Kind)
	}
}

// applyLiquidityChange moves delta liquidity in [TickLower, TickUpper): the
// lower tick gains delta net, the upper tick loses it, both gain delta gross.
// Burns arrive with delta negative, which reverses every effect.
func (s *State) applyLiquidityChange(ev *model.LiquidityEvent, delta *big.Int) error {
	if ev.TickLower >= ev.TickUpper {
		return fmt.Errorf("event %s: invalid tick range [%d, %d)", ev.EventKey, ev.TickLower, ev.TickUpper)
	}
	if delta.Sign() == 0 {
		return nil
	}
	if err := s.updateTick(ev, ev.TickLower, delta, false); err != nil {
		return err
	}
	if err := s.updateTick(ev, ev.TickUpper, delta, true); err != nil {
		return err
	}
	// Liquidity in range moves the pool's active liquidity too.
	if s.Tick >= ev.TickLower && s.Tick < ev.TickUpper {
		active := new(big.Int).Add(s.Liquidity, delta)
		if active.Sign() < 0 || active.Cmp(maxUint128) > 0 {
			return &InvariantError{Pool: s.PoolID, Key: ev.EventKey, Tick: s.Tick, Field: "liquidity", Value: active}
		}
		s.Liquidity = active
	}
	return nil
}

// updateTick applies delta to one tick's records and recomputes its bitmap
// bit: set iff the resulting gross is nonzero. Upper ticks take the negated
// delta on the net side.
func (s *State) updateTick(ev *model.LiquidityEvent, tick int32, delta *big.Int, upper bool) error {
	if tick%s.TickSpacing != 0 {
		return fmt.Errorf("event %s: tick %d not aligned to spacing %d", ev.EventKey, tick, s.TickSpacing)
	}

	var net, gross *big.Int
	if rec := s.Ticks[tick]; rec != nil {
		net, gross = rec.LiquidityNet, rec.LiquidityGross
	} else {
		net, gross = new(big.Int), new(big.Int)
	}

	if upper {
		net = new(big.Int).Sub(net, delta)
	} else {
		net = new(big.Int).Add(net, delta)
	}
	gross = new(big.Int).Add(gross, delta)

	if gross.Sign() < 0 || gross.Cmp(maxUint128) > 0 {
		return &InvariantError{Pool: s.PoolID, Key: ev.EventKey, Tick: tick, Field: "liquidity_gross", Value: gross}
	}
	if net.Cmp(minInt128) < 0 || net.Cmp(maxInt128) > 0 {
		return &InvariantError{Pool: s.PoolID, Key: ev.EventKey, Tick: tick, Field: "liquidity_net", Value: net}
	}

	if gross.Sign() == 0 {
		delete(s.Ticks, tick)
		s.clearBit(tick, ev.Block)
		return nil
	}
	s.Ticks[tick] = &model.TickRecord{LiquidityNet: net, LiquidityGross: gross, Block: ev.Block}
	s.setBit(tick, ev.Block)
	return nil
}

// applySwap updates the pool-level price fields; tick maps are untouched.
func (s *State) applySwap(ev *model.LiquidityEvent) error {
	if ev.SqrtPriceX96 == nil || ev.Liquidity == nil {
		return fmt.Errorf("event %s: swap requires post-swap price and liquidity", ev.EventKey)
	}
	if ev.Liquidity.Sign() < 0 || ev.Liquidity.Cmp(maxUint128) > 0 {
		return &InvariantError{Pool: s.PoolID, Key: ev.EventKey, Tick: ev.Tick, Field: "liquidity", Value: ev.Liquidity}
	}
	s.Tick = ev.Tick
	s.SqrtPriceX96 = new(big.Int).Set(ev.SqrtPriceX96)
	s.Liquidity = new(big.Int).Set(ev.Liquidity)
	return nil
}

func (s *State) applyConstantProduct(ev *model.LiquidityEvent) error {
	if s.Reserve0 == nil {
		s.Reserve0 = new(big.Int)
	}
	if s.Reserve1 == nil {
		s.Reserve1 = new(big.Int)
	}
	var r0, r1 *big.Int
	switch ev.Kind {
	case model.KindMint:
		a0, a1, err := requireAmounts(ev, false)
		if err != nil {
			return err
		}
		r0 = new(big.Int).Add(s.Reserve0, a0)
		r1 = new(big.Int).Add(s.Reserve1, a1)
	case model.KindBurn:
		a0, a1, err := requireAmounts(ev, false)
		if err != nil {
			return err
		}
		r0 = new(big.Int).Sub(s.Reserve0, a0)
		r1 = new(big.Int).Sub(s.Reserve1, a1)
	case model.KindSwap:
		a0, a1, err := requireAmounts(ev, true)
		if err != nil {
			return err
		}
		r0 = new(big.Int).Add(s.Reserve0, a0)
		r1 = new(big.Int).Add(s.Reserve1, a1)
	case model.KindModifyLiquidity:
		return &UnsupportedKindError{Protocol: s.Protocol, Kind: ev.Kind}
	default:
		return fmt.Errorf("event %s: unknown kind %s", ev.EventKey, ev.Kind)
	}
	if r0.Sign() < 0 {
		return &InvariantError{Pool: s.PoolID, Key: ev.EventKey, Field: "reserve0", Value: r0}
	}
	if r1.Sign() < 0 {
		return &InvariantError{Pool: s.PoolID, Key: ev.EventKey, Field: "reserve1", Value: r1}
	}
	s.Reserve0, s.Reserve1 = r0, r1
	s.SqrtPriceX96, s.Liquidity = constantProductPrice(r0, r1)
	return nil
}

// requireAmounts validates the amount pair. Mint and burn amounts are
// magnitudes; swap amounts are signed reserve deltas.
func requireAmounts(ev *model.LiquidityEvent, signed bool) (*big.Int, *big.Int, error) {
	if ev.Amount0 == nil || ev.Amount1 == nil {
		return nil, nil, fmt.Errorf("event %s: %s requires amount0 and amount1", ev.EventKey, ev.Kind)
	}
	if !signed && (ev.Amount0.Sign() < 0 || ev.Amount1.Sign() < 0) {
		return nil, nil, fmt.Errorf("event %s: %s amounts must be non-negative", ev.EventKey, ev.Kind)
	}
	return ev.Amount0, ev.Amount1, nil
}

// position maps a tick to its bitmap word and bit using the compressed-tick
// convention: compressed = floor(tick / spacing), word = compressed >> 8,
// bit = low byte of compressed.
func (s *State) position(tick int32) (int16, uint) {
	compressed := floorDiv(tick, s.TickSpacing)
	return int16(compressed >> 8), uint(compressed & 0xff)
}

func floorDiv(x, y int32) int32 {
	q := x / y
	if x%y != 0 && (x < 0) != (y < 0) {
		q--
	}
	return q
}

func (s *State) setBit(tick int32, block uint64) {
	word, bit := s.position(tick)
	w := s.Bitmap[word]
	if w == nil {
		w = &model.TickBitmapWord{Bitmap: new(uint256.Int)}
		s.Bitmap[word] = w
	}
	w.Bitmap.Or(w.Bitmap, new(uint256.Int).Lsh(uint256.NewInt(1), bit))
	w.Block = block
}

func (s *State) clearBit(tick int32, block uint64) {
	word, bit := s.position(tick)
	w := s.Bitmap[word]
	if w == nil {
		return
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bit)
	w.Bitmap.And(w.Bitmap, mask.Not(mask))
	if w.Bitmap.IsZero() {
		delete(s.Bitmap, word)
		return
	}
	w.Block = block
}

// View projects the state for the query path. Maps are deep-copied so the
// view stays stable while later events apply.
func (s *State) View() *model.PoolStateView {
	view := &model.PoolStateView{
		PoolID:       s.PoolID,
		Protocol:     s.Protocol,
		AsOfBlock:    s.LastBlock,
		Tick:         s.Tick,
		SqrtPriceX96: s.SqrtPriceX96.String(),
		Liquidity:    s.Liquidity.String(),
		TickBitmap:   make(map[int16]*model.TickBitmapWord, len(s.Bitmap)),
		Ticks:        make(map[int32]*model.TickRecord, len(s.Ticks)),
		TickCount:    len(s.Ticks),
	}
	for word, w := range s.Bitmap {
		view.TickBitmap[word] = w.Clone()
	}
	for tick, record := range s.Ticks {
		view.Ticks[tick] = record.Clone()
	}
	if s.Reserve0 != nil {
		view.Reserve0 = s.Reserve0.String()
	}
	if s.Reserve1 != nil {
		view.Reserve1 = s.Reserve1.String()
	}
	return view
}

// Materialize exports the state as a storable snapshot whose reference block
// is the last applied block. Maps are deep-copied.
func (s *State) Materialize(pool model.Pool) *model.Snapshot {
	snap := &model.Snapshot{
		PoolID:         s.PoolID,
		Protocol:       s.Protocol,
		Token0:         pool.Token0,
		Token1:         pool.Token1,
		Fee:            pool.Fee,
		TickSpacing:    s.TickSpacing,
		Factory:        pool.Factory,
		ReferenceBlock: s.LastBlock,
		TickBitmap:     make(map[int16]*model.TickBitmapWord, len(s.Bitmap)),
		Ticks:          make(map[int32]*model.TickRecord, len(s.Ticks)),
		CurrentTick:    s.Tick,
		SqrtPriceX96:   new(big.Int).Set(s.SqrtPriceX96),
		Liquidity:      new(big.Int).Set(s.Liquidity),
		LastEventBlock: s.LastBlock,
	}
	for word, w := range s.Bitmap {
		snap.TickBitmap[word] = w.Clone()
	}
	for tick, r := range s.Ticks {
		snap.Ticks[tick] = r.Clone()
	}
	if s.Reserve0 != nil {
		snap.Reserve0 = new(big.Int).Set(s.Reserve0)
	}
	if s.Reserve1 != nil {
		snap.Reserve1 = new(big.Int).Set(s.Reserve1)
	}
	return snap
}
