// Package chaintest provides an in-memory chain client and log builders
// for tests that exercise on-chain verification.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/chainbill/internal/chains"
)

// Client is a programmable chains.Client. Zero value is ready to use.
type Client struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	headers  map[uint64]*types.Header
	height   uint64

	// Err, when set, is returned by every call.
	Err error

	Calls  int
	Closed bool
}

var _ chains.Client = (*Client)(nil)

// NewClient returns a fake chain at the given height.
func NewClient(height uint64) *Client {
	return &Client{height: height}
}

// SetHeight moves the chain head.
func (c *Client) SetHeight(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = h
}

// SetError makes every subsequent call fail with err (nil clears it).
func (c *Client) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

// AddReceipt registers a mined transaction and the header of its block.
// A receipt without a block number registers no header.
func (c *Client) AddReceipt(txHash string, r *types.Receipt, blockTime uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receipts == nil {
		c.receipts = make(map[common.Hash]*types.Receipt)
		c.headers = make(map[uint64]*types.Header)
	}
	h := common.HexToHash(txHash)
	r.TxHash = h
	c.receipts[h] = r
	if r.BlockNumber == nil {
		return
	}
	n := r.BlockNumber.Uint64()
	c.headers[n] = &types.Header{Number: new(big.Int).Set(r.BlockNumber), Time: blockTime}
}

func (c *Client) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return nil, c.Err
	}
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Client) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return nil, c.Err
	}
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(c.height)}, nil
	}
	h, ok := c.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (c *Client) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return 0, c.Err
	}
	return c.height, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
}

// TransferLog builds an ERC-20 Transfer log as a node would return it.
func TransferLog(token, from, to string, value *big.Int) *types.Log {
	return &types.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			chains.TransferEventID,
			common.BytesToHash(common.HexToAddress(from).Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

// Receipt builds a receipt mined in block with the given logs.
func Receipt(success bool, block uint64, logs ...*types.Log) *types.Receipt {
	status := types.ReceiptStatusFailed
	if success {
		status = types.ReceiptStatusSuccessful
	}
	for i, l := range logs {
		l.Index = uint(i)
		l.BlockNumber = block
	}
	return &types.Receipt{
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
}

// Dialer returns a chains.Dialer that hands out the given fake clients by
// RPC URL, counting dials.
func Dialer(byURL map[string]*Client, dials *int) chains.Dialer {
	var mu sync.Mutex
	return func(_ context.Context, rawURL string) (chains.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials != nil {
			*dials++
		}
		c, ok := byURL[rawURL]
		if !ok {
			return nil, ethereum.NotFound
		}
		return c, nil
	}
}
