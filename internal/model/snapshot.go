package model

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// TickRecord is the liquidity bookkeeping for one initialized tick.
// LiquidityNet is bounded to int128, LiquidityGross to uint128; Block is the
// block of the last event that touched the tick.
type TickRecord struct {
	LiquidityNet   *big.Int `json:"liquidity_net"`
	LiquidityGross *big.Int `json:"liquidity_gross"`
	Block          uint64   `json:"block_number"`
}

// Clone returns a deep copy.
func (r *TickRecord) Clone() *TickRecord {
	if r == nil {
		return nil
	}
	return &TickRecord{
		LiquidityNet:   cloneBig(r.LiquidityNet),
		LiquidityGross: cloneBig(r.LiquidityGross),
		Block:          r.Block,
	}
}

// TickBitmapWord is one 256-bit initialized-tick bitmap word. A set bit marks
// a tick whose liquidityGross is nonzero; Block is the block of the last
// event that touched the word.
type TickBitmapWord struct {
	Bitmap *uint256.Int `json:"bitmap"`
	Block  uint64       `json:"block_number"`
}

// Clone returns a deep copy.
func (w *TickBitmapWord) Clone() *TickBitmapWord {
	if w == nil {
		return nil
	}
	out := &TickBitmapWord{Block: w.Block}
	if w.Bitmap != nil {
		out.Bitmap = new(uint256.Int).Set(w.Bitmap)
	}
	return out
}

// Snapshot is the persisted materialized state of one pool. ReferenceBlock is
// the chain height the state is valid at: replaying all ledger events with
// block > ReferenceBlock on top of it reproduces the live pool state.
type Snapshot struct {
	PoolID         PoolID                    `json:"pool_id"`
	Protocol       Protocol                  `json:"protocol"`
	Token0         string                    `json:"token0"`
	Token1         string                    `json:"token1"`
	Fee            uint32                    `json:"fee"`
	TickSpacing    int32                     `json:"tick_spacing"`
	Factory        string                    `json:"factory,omitempty"`
	ReferenceBlock uint64                    `json:"reference_block"`
	TickBitmap     map[int16]*TickBitmapWord `json:"tick_bitmap"`
	Ticks          map[int32]*TickRecord     `json:"tick_data"`
	CurrentTick    int32                     `json:"current_tick"`
	SqrtPriceX96   *big.Int                  `json:"sqrt_price_x96"`
	Liquidity      *big.Int                  `json:"liquidity"`
	Reserve0       *big.Int                  `json:"reserve0,omitempty"`
	Reserve1       *big.Int                  `json:"reserve1,omitempty"`
	LastEventBlock uint64                    `json:"last_event_block"`
	UpdateCount    uint64                    `json:"update_count"`
	CreatedAt      time.Time                 `json:"created_at,omitempty"`
	UpdatedAt      time.Time                 `json:"updated_at,omitempty"`
}

// TickCount is the number of initialized ticks.
func (s *Snapshot) TickCount() int { return len(s.Ticks) }

// WordCount is the number of non-empty bitmap words.
func (s *Snapshot) WordCount() int { return len(s.TickBitmap) }

// Clone returns a deep copy, safe to mutate independently.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.SqrtPriceX96 = cloneBig(s.SqrtPriceX96)
	out.Liquidity = cloneBig(s.Liquidity)
	out.Reserve0 = cloneBig(s.Reserve0)
	out.Reserve1 = cloneBig(s.Reserve1)
	out.TickBitmap = make(map[int16]*TickBitmapWord, len(s.TickBitmap))
	for word, w := range s.TickBitmap {
		out.TickBitmap[word] = w.Clone()
	}
	out.Ticks = make(map[int32]*TickRecord, len(s.Ticks))
	for tick, r := range s.Ticks {
		out.Ticks[tick] = r.Clone()
	}
	return &out
}

// RawPoolState is the raw bulk-read result for one pool, pinned at a single
// chain height. Ticks is nil for constant-product pools; reserves are nil for
// concentrated pools.
type RawPoolState struct {
	Tick         int32
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int
	Ticks        map[int32]*TickRecord
}

// PoolStateView is the query-path projection of a pool's current state. Big
// values are decimal strings. LagBlocks is how far the live feed's head is
// past the state's as-of block.
type PoolStateView struct {
	PoolID       PoolID                    `json:"pool_id"`
	Protocol     Protocol                  `json:"protocol"`
	AsOfBlock    uint64                    `json:"as_of_block"`
	Tick         int32                     `json:"tick"`
	SqrtPriceX96 string                    `json:"sqrt_price_x96"`
	Liquidity    string                    `json:"liquidity"`
	Reserve0     string                    `json:"reserve0,omitempty"`
	Reserve1     string                    `json:"reserve1,omitempty"`
	TickBitmap   map[int16]*TickBitmapWord `json:"tick_bitmap"`
	Ticks        map[int32]*TickRecord     `json:"tick_data"`
	TickCount    int                       `json:"tick_count"`
	LagBlocks    uint64                    `json:"lag_blocks"`
}
