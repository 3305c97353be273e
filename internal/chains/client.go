package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/chainbill/internal/circuitbreaker"
	"github.com/mbd888/chainbill/internal/metrics"
	"github.com/mbd888/chainbill/internal/retry"
)

var (
	ErrUnknownChain    = errors.New("chains: unknown chain")
	ErrNoRPCURL        = errors.New("chains: no RPC URL configured")
	ErrReceiptNotFound = errors.New("chains: transaction receipt not found")
)

// Client is the subset of the Ethereum JSON-RPC API the verifier needs.
// *ethclient.Client satisfies it.
type Client interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// RPCError wraps an RPC failure that survived retries. Every RPCError is
// an infrastructure problem, never a verdict about the transaction.
type RPCError struct {
	Chain string
	Op    string
	Err   error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chains: %s %s failed: %v", e.Chain, e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// rpcClient decorates a raw Client with a per-call timeout, bounded
// retries and the registry's per-chain circuit breaker.
type rpcClient struct {
	chain   string
	inner   Client
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

var _ Client = (*rpcClient)(nil)

func (c *rpcClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		r, err := c.inner.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			// Not mined (or not indexed) yet; retrying now will not help.
			return retry.Permanent(ErrReceiptNotFound)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

func (c *rpcClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		h, err := c.inner.HeaderByNumber(ctx, number)
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	return header, err
}

func (c *rpcClient) BlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		n, err := c.inner.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = n
		return nil
	})
	return height, err
}

func (c *rpcClient) Close() { c.inner.Close() }

func (c *rpcClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(c.chain, func() error {
		return c.policy.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return fn(callCtx)
		})
	}, countsAgainstEndpoint)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrReceiptNotFound) {
		metrics.RPCErrorsTotal.WithLabelValues(c.chain, op).Inc()
	}
	return &RPCError{Chain: c.chain, Op: op, Err: err}
}

// countsAgainstEndpoint keeps "not mined yet" and caller cancellation from
// tripping the breaker.
func countsAgainstEndpoint(err error) bool {
	return !errors.Is(err, ErrReceiptNotFound) && !errors.Is(err, context.Canceled)
}
