package dex

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const v2PairABIJSON = `[
  {
    "inputs": [],
    "name": "getReserves",
    "outputs": [
      {"internalType": "uint112", "name": "reserve0", "type": "uint112"},
      {"internalType": "uint112", "name": "reserve1", "type": "uint112"},
      {"internalType": "uint32", "name": "blockTimestampLast", "type": "uint32"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "token0",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "token1",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const v3PoolABIJSON = `[
  {
    "inputs": [],
    "name": "slot0",
    "outputs": [
      {"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
      {"internalType": "int24", "name": "tick", "type": "int24"},
      {"internalType": "uint16", "name": "observationIndex", "type": "uint16"},
      {"internalType": "uint16", "name": "observationCardinality", "type": "uint16"},
      {"internalType": "uint16", "name": "observationCardinalityNext", "type": "uint16"},
      {"internalType": "uint8", "name": "feeProtocol", "type": "uint8"},
      {"internalType": "bool", "name": "unlocked", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "liquidity",
    "outputs": [{"internalType": "uint128", "name": "", "type": "uint128"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "int16", "name": "wordPosition", "type": "int16"}],
    "name": "tickBitmap",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "int24", "name": "tick", "type": "int24"}],
    "name": "ticks",
    "outputs": [
      {"internalType": "uint128", "name": "liquidityGross", "type": "uint128"},
      {"internalType": "int128", "name": "liquidityNet", "type": "int128"},
      {"internalType": "uint256", "name": "feeGrowthOutside0X128", "type": "uint256"},
      {"internalType": "uint256", "name": "feeGrowthOutside1X128", "type": "uint256"},
      {"internalType": "int56", "name": "tickCumulativeOutside", "type": "int56"},
      {"internalType": "uint160", "name": "secondsPerLiquidityOutsideX128", "type": "uint160"},
      {"internalType": "uint32", "name": "secondsOutside", "type": "uint32"},
      {"internalType": "bool", "name": "initialized", "type": "bool"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "token0",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "token1",
    "outputs": [{"internalType": "address", "name": "", "type": "address"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "fee",
    "outputs": [{"internalType": "uint24", "name": "", "type": "uint24"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "tickSpacing",
    "outputs": [{"internalType": "int24", "name": "", "type": "int24"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const v4StateViewABIJSON = `[
  {
    "inputs": [{"internalType": "bytes32", "name": "poolId", "type": "bytes32"}],
    "name": "getSlot0",
    "outputs": [
      {"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
      {"internalType": "int24", "name": "tick", "type": "int24"},
      {"internalType": "uint24", "name": "protocolFee", "type": "uint24"},
      {"internalType": "uint24", "name": "lpFee", "type": "uint24"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "bytes32", "name": "poolId", "type": "bytes32"}],
    "name": "getLiquidity",
    "outputs": [{"internalType": "uint128", "name": "liquidity", "type": "uint128"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "bytes32", "name": "poolId", "type": "bytes32"},
      {"internalType": "int16", "name": "tick", "type": "int16"}
    ],
    "name": "getTickBitmap",
    "outputs": [{"internalType": "uint256", "name": "tickBitmap", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "bytes32", "name": "poolId", "type": "bytes32"},
      {"internalType": "int24", "name": "tick", "type": "int24"}
    ],
    "name": "getTickLiquidity",
    "outputs": [
      {"internalType": "uint128", "name": "liquidityGross", "type": "uint128"},
      {"internalType": "int128", "name": "liquidityNet", "type": "int128"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

const erc20ABIJSON = `[
  {
    "inputs": [],
    "name": "decimals",
    "outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	v2PairABI     abi.ABI
	v2PairABIOnce sync.Once
	v2PairABIErr  error

	v3PoolABI     abi.ABI
	v3PoolABIOnce sync.Once
	v3PoolABIErr  error

	v4StateViewABI     abi.ABI
	v4StateViewABIOnce sync.Once
	v4StateViewABIErr  error

	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error
)

// V2PairABI returns the parsed V2 pair ABI.
func V2PairABI() (abi.ABI, error) {
	v2PairABIOnce.Do(func() {
		v2PairABI, v2PairABIErr = abi.JSON(strings.NewReader(v2PairABIJSON))
	})
	return v2PairABI, v2PairABIErr
}

// V3PoolABI returns the parsed V3 pool ABI.
func V3PoolABI() (abi.ABI, error) {
	v3PoolABIOnce.Do(func() {
		v3PoolABI, v3PoolABIErr = abi.JSON(strings.NewReader(v3PoolABIJSON))
	})
	return v3PoolABI, v3PoolABIErr
}

// V4StateViewABI returns the parsed V4 state view ABI.
func V4StateViewABI() (abi.ABI, error) {
	v4StateViewABIOnce.Do(func() {
		v4StateViewABI, v4StateViewABIErr = abi.JSON(strings.NewReader(v4StateViewABIJSON))
	})
	return v4StateViewABI, v4StateViewABIErr
}

// ERC20ABI returns the parsed ERC20 ABI.
func ERC20ABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}
