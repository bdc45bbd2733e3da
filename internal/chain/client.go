package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	mu      sync.RWMutex
	tsCache map[uint64]uint64
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		tsCache:   make(map[uint64]uint64),
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}

// WaitForBlock polls the chain head until it reaches target or ctx ends.
// It returns the last observed head and whether the target was reached;
// on a context deadline the caller decides whether to proceed behind.
func (c *Client) WaitForBlock(ctx context.Context, target uint64, poll time.Duration) (uint64, bool, error) {
	if poll <= 0 {
		poll = time.Second
	}

	var head uint64
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		n, err := c.LatestBlockNumber(ctx)
		if err != nil {
			return head, false, err
		}
		head = n
		if head >= target {
			return head, true, nil
		}

		select {
		case <-ctx.Done():
			return head, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// ContractCall is one eth_call in a batch. Result and Err are filled in
// per call by BatchCallContract.
type ContractCall struct {
	To     common.Address
	Data   []byte
	Result []byte
	Err    error
}

// BatchCallContract performs a batch of eth_calls pinned to blockNumber in
// a single RPC round trip. A nil blockNumber calls against the latest block.
func (c *Client) BatchCallContract(ctx context.Context, calls []ContractCall, blockNumber *big.Int) error {
	if len(calls) == 0 {
		return nil
	}

	elems := make([]rpc.BatchElem, len(calls))
	results := make([]hexutil.Bytes, len(calls))
	for i := range calls {
		arg := map[string]interface{}{
			"to":   calls[i].To,
			"data": hexutil.Bytes(calls[i].Data),
		}
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args:   []interface{}{arg, toBlockNumArg(blockNumber)},
			Result: &results[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(ctx, elems); err != nil {
		return err
	}
	for i := range calls {
		calls[i].Err = elems[i].Error
		calls[i].Result = results[i]
	}
	return nil
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
