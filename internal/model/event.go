package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// EventKind is the closed set of liquidity-relevant event types. Dispatch on
// it must be exhaustive; there is no catch-all kind.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindMint
	KindBurn
	KindModifyLiquidity
	KindSwap
)

var kindNames = map[EventKind]string{
	KindMint:            "mint",
	KindBurn:            "burn",
	KindModifyLiquidity: "modify_liquidity",
	KindSwap:            "swap",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseEventKind maps a stored kind name back to its tag.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mint":
		return KindMint, nil
	case "burn":
		return KindBurn, nil
	case "modify_liquidity", "modifyliquidity":
		return KindModifyLiquidity, nil
	case "swap":
		return KindSwap, nil
	default:
		return KindUnknown, fmt.Errorf("unknown event kind %q", s)
	}
}

// MarshalText encodes the kind as its stored name.
func (k EventKind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("cannot encode unknown event kind %d", uint8(k))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a kind from its stored name.
func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// EventKey totally orders the events of one pool. Keys are unique per pool.
type EventKey struct {
	Block    uint64 `json:"block_number"`
	TxIndex  uint32 `json:"transaction_index"`
	LogIndex uint32 `json:"log_index"`
}

// Compare returns -1, 0 or 1 ordering k against other.
func (k EventKey) Compare(other EventKey) int {
	switch {
	case k.Block != other.Block:
		if k.Block < other.Block {
			return -1
		}
		return 1
	case k.TxIndex != other.TxIndex:
		if k.TxIndex < other.TxIndex {
			return -1
		}
		return 1
	case k.LogIndex != other.LogIndex:
		if k.LogIndex < other.LogIndex {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// After reports whether k is strictly greater than other.
func (k EventKey) After(other EventKey) bool { return k.Compare(other) > 0 }

func (k EventKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.Block, k.TxIndex, k.LogIndex)
}

// LiquidityEvent is one liquidity-relevant pool event. The embedded EventKey
// is its ordering key. LiquidityDelta is signed: positive adds liquidity.
// Swap events carry the post-swap price fields and no tick range.
type LiquidityEvent struct {
	PoolID PoolID `json:"pool_id"`
	EventKey
	Kind           EventKind `json:"kind"`
	TickLower      int32     `json:"tick_lower"`
	TickUpper      int32     `json:"tick_upper"`
	LiquidityDelta *big.Int  `json:"liquidity_delta"`
	Amount0        *big.Int  `json:"amount0"`
	Amount1        *big.Int  `json:"amount1"`
	SqrtPriceX96   *big.Int  `json:"sqrt_price_x96"`
	Tick           int32     `json:"tick"`
	Liquidity      *big.Int  `json:"liquidity"`
	TxHash         string    `json:"tx_hash"`
	Sender         string    `json:"sender"`
	Reverted       bool      `json:"reverted"`
	Timestamp      uint64    `json:"timestamp"`
}

// wireEvent carries big values as decimal strings so consumers outside Go do
// not need arbitrary-precision JSON numbers.
type wireEvent struct {
	PoolID         PoolID    `json:"pool_id"`
	Block          uint64    `json:"block_number"`
	TxIndex        uint32    `json:"transaction_index"`
	LogIndex       uint32    `json:"log_index"`
	Kind           EventKind `json:"kind"`
	TickLower      int32     `json:"tick_lower"`
	TickUpper      int32     `json:"tick_upper"`
	LiquidityDelta string    `json:"liquidity_delta,omitempty"`
	Amount0        string    `json:"amount0,omitempty"`
	Amount1        string    `json:"amount1,omitempty"`
	SqrtPriceX96   string    `json:"sqrt_price_x96,omitempty"`
	Tick           int32     `json:"tick"`
	Liquidity      string    `json:"liquidity,omitempty"`
	TxHash         string    `json:"tx_hash,omitempty"`
	Sender         string    `json:"sender,omitempty"`
	Reverted       bool      `json:"reverted,omitempty"`
	Timestamp      uint64    `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the event with decimal-string big values.
func (ev LiquidityEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		PoolID:         ev.PoolID,
		Block:          ev.Block,
		TxIndex:        ev.TxIndex,
		LogIndex:       ev.LogIndex,
		Kind:           ev.Kind,
		TickLower:      ev.TickLower,
		TickUpper:      ev.TickUpper,
		LiquidityDelta: bigString(ev.LiquidityDelta),
		Amount0:        bigString(ev.Amount0),
		Amount1:        bigString(ev.Amount1),
		SqrtPriceX96:   bigString(ev.SqrtPriceX96),
		Tick:           ev.Tick,
		Liquidity:      bigString(ev.Liquidity),
		TxHash:         ev.TxHash,
		Sender:         ev.Sender,
		Reverted:       ev.Reverted,
		Timestamp:      ev.Timestamp,
	})
}

// UnmarshalJSON decodes an event produced by MarshalJSON.
func (ev *LiquidityEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	delta, err := parseBig("liquidity_delta", w.LiquidityDelta)
	if err != nil {
		return err
	}
	amount0, err := parseBig("amount0", w.Amount0)
	if err != nil {
		return err
	}
	amount1, err := parseBig("amount1", w.Amount1)
	if err != nil {
		return err
	}
	sqrtPrice, err := parseBig("sqrt_price_x96", w.SqrtPriceX96)
	if err != nil {
		return err
	}
	liquidity, err := parseBig("liquidity", w.Liquidity)
	if err != nil {
		return err
	}
	*ev = LiquidityEvent{
		PoolID:         w.PoolID,
		EventKey:       EventKey{Block: w.Block, TxIndex: w.TxIndex, LogIndex: w.LogIndex},
		Kind:           w.Kind,
		TickLower:      w.TickLower,
		TickUpper:      w.TickUpper,
		LiquidityDelta: delta,
		Amount0:        amount0,
		Amount1:        amount1,
		SqrtPriceX96:   sqrtPrice,
		Tick:           w.Tick,
		Liquidity:      liquidity,
		TxHash:         w.TxHash,
		Sender:         w.Sender,
		Reverted:       w.Reverted,
		Timestamp:      w.Timestamp,
	}
	return nil
}

// Equal compares the event payload, treating nil big values as zero. The
// timestamp is delivery metadata and not part of the payload.
func (ev *LiquidityEvent) Equal(other *LiquidityEvent) bool {
	if ev == nil || other == nil {
		return ev == other
	}
	return ev.PoolID == other.PoolID &&
		ev.EventKey == other.EventKey &&
		ev.Kind == other.Kind &&
		ev.TickLower == other.TickLower &&
		ev.TickUpper == other.TickUpper &&
		bigEqual(ev.LiquidityDelta, other.LiquidityDelta) &&
		bigEqual(ev.Amount0, other.Amount0) &&
		bigEqual(ev.Amount1, other.Amount1) &&
		bigEqual(ev.SqrtPriceX96, other.SqrtPriceX96) &&
		ev.Tick == other.Tick &&
		bigEqual(ev.Liquidity, other.Liquidity) &&
		ev.TxHash == other.TxHash &&
		ev.Sender == other.Sender &&
		ev.Reverted == other.Reverted
}

// Clone returns a deep copy.
func (ev *LiquidityEvent) Clone() *LiquidityEvent {
	if ev == nil {
		return nil
	}
	out := *ev
	out.LiquidityDelta = cloneBig(ev.LiquidityDelta)
	out.Amount0 = cloneBig(ev.Amount0)
	out.Amount1 = cloneBig(ev.Amount1)
	out.SqrtPriceX96 = cloneBig(ev.SqrtPriceX96)
	out.Liquidity = cloneBig(ev.Liquidity)
	return &out
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s value %q", field, s)
	}
	return v, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b) == 0
}
