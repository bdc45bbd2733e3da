package dex

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquiditySync/internal/chain"
	"liquiditySync/internal/model"
)

// Tick bounds shared by the concentrated protocols.
const (
	minTick = -887272
	maxTick = 887272
)

const defaultBatchSize = 128

// Caller is the slice of the chain client the reader needs. State reads are
// pinned to an explicit block so one pool's fields are mutually consistent.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BatchCallContract(ctx context.Context, calls []chain.ContractCall, blockNumber *big.Int) error
}

// ReaderConfig configures the state reader.
type ReaderConfig struct {
	StateView common.Address // V4 state view contract
	BatchSize int            // eth_calls per batch round trip
}

// StateReader bulk-reads live pool state over eth_call.
type StateReader struct {
	caller    Caller
	stateView common.Address
	batchSize int
	logger    *zap.Logger
}

func NewStateReader(caller Caller, cfg ReaderConfig, logger *zap.Logger) *StateReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &StateReader{
		caller:    caller,
		stateView: cfg.StateView,
		batchSize: batchSize,
		logger:    logger,
	}
}

// ReadPoolState reads the complete state of one pool pinned at block.
func (r *StateReader) ReadPoolState(ctx context.Context, pool *model.Pool, block uint64) (*model.RawPoolState, error) {
	if err := pool.Validate(); err != nil {
		return nil, err
	}

	blockPtr := new(big.Int).SetUint64(block)
	switch pool.Protocol {
	case model.ProtocolConstantProduct:
		return r.readConstantProduct(ctx, pool, blockPtr)
	case model.ProtocolConcentratedV3:
		return r.readV3(ctx, pool, blockPtr)
	case model.ProtocolConcentratedV4:
		return r.readV4(ctx, pool, blockPtr)
	default:
		return nil, fmt.Errorf("pool %s: unsupported protocol %s", pool.ID, pool.Protocol)
	}
}

func (r *StateReader) readConstantProduct(ctx context.Context, pool *model.Pool, block *big.Int) (*model.RawPoolState, error) {
	pairABI, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	addr, err := pool.ID.Address()
	if err != nil {
		return nil, err
	}

	values, err := callMethod(ctx, r.caller, addr, pairABI, "getReserves", block)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("getReserves: want 2 outputs, got %d", len(values))
	}
	reserve0, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("reserve0: %w", err)
	}
	reserve1, err := asBigInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("reserve1: %w", err)
	}

	return &model.RawPoolState{Reserve0: reserve0, Reserve1: reserve1}, nil
}

func (r *StateReader) readV3(ctx context.Context, pool *model.Pool, block *big.Int) (*model.RawPoolState, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	addr, err := pool.ID.Address()
	if err != nil {
		return nil, err
	}

	state := &model.RawPoolState{}

	values, err := callMethod(ctx, r.caller, addr, poolABI, "slot0", block)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("slot0: want at least 2 outputs, got %d", len(values))
	}
	if state.SqrtPriceX96, err = asBigInt(values[0]); err != nil {
		return nil, fmt.Errorf("slot0 sqrtPriceX96: %w", err)
	}
	tickBig, err := asBigInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("slot0 tick: %w", err)
	}
	if state.Tick, err = int24FromBig(tickBig); err != nil {
		return nil, fmt.Errorf("slot0 tick: %w", err)
	}

	values, err = callMethod(ctx, r.caller, addr, poolABI, "liquidity", block)
	if err != nil {
		return nil, err
	}
	if state.Liquidity, err = asBigInt(values[0]); err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}

	queries := tickQueries{
		to: addr,
		packBitmap: func(word int16) ([]byte, error) {
			return poolABI.Pack("tickBitmap", word)
		},
		unpackBitmap: func(data []byte) ([]interface{}, error) {
			return poolABI.Unpack("tickBitmap", data)
		},
		packTick: func(tick int32) ([]byte, error) {
			return poolABI.Pack("ticks", big.NewInt(int64(tick)))
		},
		unpackTick: func(data []byte) ([]interface{}, error) {
			return poolABI.Unpack("ticks", data)
		},
	}
	if state.Ticks, err = r.scanTicks(ctx, queries, pool.TickSpacing, block); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *StateReader) readV4(ctx context.Context, pool *model.Pool, block *big.Int) (*model.RawPoolState, error) {
	if r.stateView == (common.Address{}) {
		return nil, fmt.Errorf("pool %s: no state view contract configured", pool.ID)
	}
	viewABI, err := V4StateViewABI()
	if err != nil {
		return nil, fmt.Errorf("parse state view abi: %w", err)
	}
	word, err := pool.ID.Word()
	if err != nil {
		return nil, err
	}
	id := [32]byte(word)

	state := &model.RawPoolState{}

	values, err := callMethod(ctx, r.caller, r.stateView, viewABI, "getSlot0", block, id)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("getSlot0: want at least 2 outputs, got %d", len(values))
	}
	if state.SqrtPriceX96, err = asBigInt(values[0]); err != nil {
		return nil, fmt.Errorf("getSlot0 sqrtPriceX96: %w", err)
	}
	tickBig, err := asBigInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("getSlot0 tick: %w", err)
	}
	if state.Tick, err = int24FromBig(tickBig); err != nil {
		return nil, fmt.Errorf("getSlot0 tick: %w", err)
	}

	values, err = callMethod(ctx, r.caller, r.stateView, viewABI, "getLiquidity", block, id)
	if err != nil {
		return nil, err
	}
	if state.Liquidity, err = asBigInt(values[0]); err != nil {
		return nil, fmt.Errorf("getLiquidity: %w", err)
	}

	queries := tickQueries{
		to: r.stateView,
		packBitmap: func(word int16) ([]byte, error) {
			return viewABI.Pack("getTickBitmap", id, word)
		},
		unpackBitmap: func(data []byte) ([]interface{}, error) {
			return viewABI.Unpack("getTickBitmap", data)
		},
		packTick: func(tick int32) ([]byte, error) {
			return viewABI.Pack("getTickLiquidity", id, big.NewInt(int64(tick)))
		},
		unpackTick: func(data []byte) ([]interface{}, error) {
			return viewABI.Unpack("getTickLiquidity", data)
		},
	}
	if state.Ticks, err = r.scanTicks(ctx, queries, pool.TickSpacing, block); err != nil {
		return nil, err
	}
	return state, nil
}

// tickQueries abstracts over the V3 pool and V4 state view call shapes. Both
// expose a 256-bit initialized-tick bitmap per word and per-tick liquidity
// where outputs start with (liquidityGross, liquidityNet).
type tickQueries struct {
	to           common.Address
	packBitmap   func(word int16) ([]byte, error)
	unpackBitmap func(data []byte) ([]interface{}, error)
	packTick     func(tick int32) ([]byte, error)
	unpackTick   func(data []byte) ([]interface{}, error)
}

// scanTicks sweeps the whole bitmap word range for the spacing, then loads
// liquidity for every initialized tick. All calls stay pinned to block.
func (r *StateReader) scanTicks(ctx context.Context, q tickQueries, spacing int32, block *big.Int) (map[int32]*model.TickRecord, error) {
	loWord, hiWord := wordRange(spacing)

	var initialized []int32
	for lo := int(loWord); lo <= int(hiWord); lo += r.batchSize {
		hi := lo + r.batchSize - 1
		if hi > int(hiWord) {
			hi = int(hiWord)
		}

		calls := make([]chain.ContractCall, 0, hi-lo+1)
		for w := lo; w <= hi; w++ {
			data, err := q.packBitmap(int16(w))
			if err != nil {
				return nil, fmt.Errorf("pack bitmap word %d: %w", w, err)
			}
			calls = append(calls, chain.ContractCall{To: q.to, Data: data})
		}
		if err := r.caller.BatchCallContract(ctx, calls, block); err != nil {
			return nil, fmt.Errorf("batch bitmap words [%d,%d]: %w", lo, hi, err)
		}

		for i := range calls {
			w := lo + i
			if calls[i].Err != nil {
				return nil, fmt.Errorf("bitmap word %d: %w", w, calls[i].Err)
			}
			values, err := q.unpackBitmap(calls[i].Result)
			if err != nil {
				return nil, fmt.Errorf("unpack bitmap word %d: %w", w, err)
			}
			bitmap, err := asBigInt(values[0])
			if err != nil {
				return nil, fmt.Errorf("bitmap word %d: %w", w, err)
			}
			if bitmap.Sign() == 0 {
				continue
			}
			for bit := 0; bit < 256; bit++ {
				if bitmap.Bit(bit) == 1 {
					compressed := int32(w)<<8 + int32(bit)
					initialized = append(initialized, compressed*spacing)
				}
			}
		}
	}

	ticks := make(map[int32]*model.TickRecord, len(initialized))
	for start := 0; start < len(initialized); start += r.batchSize {
		end := start + r.batchSize
		if end > len(initialized) {
			end = len(initialized)
		}
		chunk := initialized[start:end]

		calls := make([]chain.ContractCall, len(chunk))
		for i, tick := range chunk {
			data, err := q.packTick(tick)
			if err != nil {
				return nil, fmt.Errorf("pack tick %d: %w", tick, err)
			}
			calls[i] = chain.ContractCall{To: q.to, Data: data}
		}
		if err := r.caller.BatchCallContract(ctx, calls, block); err != nil {
			return nil, fmt.Errorf("batch ticks: %w", err)
		}

		for i, tick := range chunk {
			if calls[i].Err != nil {
				return nil, fmt.Errorf("tick %d: %w", tick, calls[i].Err)
			}
			values, err := q.unpackTick(calls[i].Result)
			if err != nil {
				return nil, fmt.Errorf("unpack tick %d: %w", tick, err)
			}
			if len(values) < 2 {
				return nil, fmt.Errorf("tick %d: want 2 outputs, got %d", tick, len(values))
			}
			gross, err := asBigInt(values[0])
			if err != nil {
				return nil, fmt.Errorf("tick %d liquidityGross: %w", tick, err)
			}
			net, err := asBigInt(values[1])
			if err != nil {
				return nil, fmt.Errorf("tick %d liquidityNet: %w", tick, err)
			}
			ticks[tick] = &model.TickRecord{LiquidityGross: gross, LiquidityNet: net}
		}
	}
	return ticks, nil
}

// FillPoolMeta reads token, fee, and tick spacing fields the universe entry
// left empty. V4 pools carry their full key in config, so nothing is read.
func (r *StateReader) FillPoolMeta(ctx context.Context, pool *model.Pool) error {
	if pool.Protocol == model.ProtocolConcentratedV4 {
		return nil
	}
	addr, err := pool.ID.Address()
	if err != nil {
		return err
	}

	var parsed abi.ABI
	switch pool.Protocol {
	case model.ProtocolConstantProduct:
		parsed, err = V2PairABI()
	case model.ProtocolConcentratedV3:
		parsed, err = V3PoolABI()
	default:
		return fmt.Errorf("pool %s: unsupported protocol %s", pool.ID, pool.Protocol)
	}
	if err != nil {
		return fmt.Errorf("parse abi: %w", err)
	}

	if pool.Token0 == "" {
		values, err := callMethod(ctx, r.caller, addr, parsed, "token0", nil)
		if err != nil {
			return err
		}
		token0, err := asAddress(values[0])
		if err != nil {
			return fmt.Errorf("token0: %w", err)
		}
		pool.Token0 = strings.ToLower(token0.Hex())
	}
	if pool.Token1 == "" {
		values, err := callMethod(ctx, r.caller, addr, parsed, "token1", nil)
		if err != nil {
			return err
		}
		token1, err := asAddress(values[0])
		if err != nil {
			return fmt.Errorf("token1: %w", err)
		}
		pool.Token1 = strings.ToLower(token1.Hex())
	}

	if pool.Protocol == model.ProtocolConcentratedV3 {
		if pool.Fee == 0 {
			values, err := callMethod(ctx, r.caller, addr, parsed, "fee", nil)
			if err != nil {
				return err
			}
			fee, err := asBigInt(values[0])
			if err != nil {
				return fmt.Errorf("fee: %w", err)
			}
			pool.Fee = uint32(fee.Uint64())
		}
		if pool.TickSpacing == 0 {
			values, err := callMethod(ctx, r.caller, addr, parsed, "tickSpacing", nil)
			if err != nil {
				return err
			}
			spacingBig, err := asBigInt(values[0])
			if err != nil {
				return fmt.Errorf("tick spacing: %w", err)
			}
			if pool.TickSpacing, err = int24FromBig(spacingBig); err != nil {
				return fmt.Errorf("tick spacing: %w", err)
			}
		}
	}

	if pool.Decimals0 == 0 && pool.Token0 != "" {
		if decimals, err := r.tokenDecimals(ctx, pool.Token0); err == nil {
			pool.Decimals0 = decimals
		} else {
			r.logger.Debug("decimals call failed", zap.String("token", pool.Token0), zap.Error(err))
		}
	}
	if pool.Decimals1 == 0 && pool.Token1 != "" {
		if decimals, err := r.tokenDecimals(ctx, pool.Token1); err == nil {
			pool.Decimals1 = decimals
		} else {
			r.logger.Debug("decimals call failed", zap.String("token", pool.Token1), zap.Error(err))
		}
	}
	return nil
}

func (r *StateReader) tokenDecimals(ctx context.Context, token string) (uint8, error) {
	erc, err := ERC20ABI()
	if err != nil {
		return 0, fmt.Errorf("parse erc20 abi: %w", err)
	}
	values, err := callMethod(ctx, r.caller, common.HexToAddress(token), erc, "decimals", nil)
	if err != nil {
		return 0, err
	}
	return asUint8(values[0])
}

func callMethod(ctx context.Context, caller Caller, to common.Address, parsed abi.ABI, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// wordRange is the bitmap word span that can hold any usable tick for the
// given spacing.
func wordRange(spacing int32) (int16, int16) {
	lo := floorDiv(floorDiv(minTick, spacing), 256)
	hi := floorDiv(floorDiv(maxTick, spacing), 256)
	return int16(lo), int16(hi)
}

func floorDiv(x, y int32) int32 {
	q := x / y
	if x%y != 0 && (x < 0) != (y < 0) {
		q--
	}
	return q
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func asUint8(value interface{}) (uint8, error) {
	switch v := value.(type) {
	case uint8:
		return v, nil
	case uint16:
		return uint8(v), nil
	case uint32:
		return uint8(v), nil
	case uint64:
		return uint8(v), nil
	case *big.Int:
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("unsupported uint8 type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	lo := big.NewInt(-1 << 23)
	hi := big.NewInt((1 << 23) - 1)
	if value.Cmp(lo) < 0 || value.Cmp(hi) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
