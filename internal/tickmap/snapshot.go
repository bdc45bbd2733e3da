package tickmap

import (
	"fmt"
	"math/big"

	"liquiditySync/internal/model"
)

// BuildSnapshot converts a raw bulk read into a storable snapshot pinned at
// referenceBlock. The tick bitmap is derived from the tick records, so the
// bit-set-iff-gross-nonzero invariant holds by construction.
func BuildSnapshot(pool model.Pool, raw *model.RawPoolState, referenceBlock uint64) (*model.Snapshot, error) {
	if raw == nil {
		return nil, fmt.Errorf("pool %s: nil raw state", pool.ID)
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		PoolID:         pool.ID,
		Protocol:       pool.Protocol,
		Token0:         pool.Token0,
		Token1:         pool.Token1,
		Fee:            pool.Fee,
		TickSpacing:    pool.TickSpacing,
		Factory:        pool.Factory,
		ReferenceBlock: referenceBlock,
		TickBitmap:     make(map[int16]*model.TickBitmapWord),
		Ticks:          make(map[int32]*model.TickRecord),
		CurrentTick:    raw.Tick,
		SqrtPriceX96:   cloneOrZero(raw.SqrtPriceX96),
		Liquidity:      cloneOrZero(raw.Liquidity),
		LastEventBlock: referenceBlock,
	}

	if pool.Protocol == model.ProtocolConstantProduct {
		if raw.Reserve0 == nil || raw.Reserve1 == nil {
			return nil, fmt.Errorf("pool %s: constant-product read missing reserves", pool.ID)
		}
		if raw.Reserve0.Sign() < 0 || raw.Reserve1.Sign() < 0 {
			return nil, fmt.Errorf("pool %s: negative reserves %s/%s", pool.ID, raw.Reserve0, raw.Reserve1)
		}
		snap.Reserve0 = new(big.Int).Set(raw.Reserve0)
		snap.Reserve1 = new(big.Int).Set(raw.Reserve1)
		snap.SqrtPriceX96, snap.Liquidity = constantProductPrice(snap.Reserve0, snap.Reserve1)
		return snap, nil
	}

	builder := &State{
		PoolID:      pool.ID,
		Protocol:    pool.Protocol,
		TickSpacing: pool.TickSpacing,
		Bitmap:      snap.TickBitmap,
		Ticks:       snap.Ticks,
	}
	for tick, rec := range raw.Ticks {
		if rec == nil || rec.LiquidityGross == nil {
			return nil, fmt.Errorf("pool %s: tick %d missing gross liquidity", pool.ID, tick)
		}
		if rec.LiquidityGross.Sign() < 0 || rec.LiquidityGross.Cmp(maxUint128) > 0 {
			return nil, fmt.Errorf("pool %s: tick %d gross liquidity %s out of range", pool.ID, tick, rec.LiquidityGross)
		}
		net := rec.LiquidityNet
		if net == nil {
			net = new(big.Int)
		}
		if net.Cmp(minInt128) < 0 || net.Cmp(maxInt128) > 0 {
			return nil, fmt.Errorf("pool %s: tick %d net liquidity %s out of range", pool.ID, tick, net)
		}
		if tick%pool.TickSpacing != 0 {
			return nil, fmt.Errorf("pool %s: tick %d not aligned to spacing %d", pool.ID, tick, pool.TickSpacing)
		}
		if rec.LiquidityGross.Sign() == 0 {
			continue
		}
		snap.Ticks[tick] = &model.TickRecord{
			LiquidityNet:   new(big.Int).Set(net),
			LiquidityGross: new(big.Int).Set(rec.LiquidityGross),
			Block:          referenceBlock,
		}
		builder.setBit(tick, referenceBlock)
	}
	return snap, nil
}

// constantProductPrice derives the uniform price fields from reserves:
// sqrtPriceX96 = sqrt(reserve1 << 192 / reserve0), liquidity =
// sqrt(reserve0 * reserve1).
func constantProductPrice(r0, r1 *big.Int) (*big.Int, *big.Int) {
	liquidity := new(big.Int).Sqrt(new(big.Int).Mul(r0, r1))
	if r0.Sign() == 0 {
		return new(big.Int), liquidity
	}
	ratio := new(big.Int).Lsh(r1, 192)
	ratio.Quo(ratio, r0)
	return ratio.Sqrt(ratio), liquidity
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
